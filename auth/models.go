package auth

import "time"

type Role string

const (
	RoleOwner    Role = "owner"
	RoleRater    Role = "rater"
	RoleClaimant Role = "claimant"
)

// Account is the domain representation of an authenticated identity. It
// mirrors the identity columns of the accounts table and carries no JSON
// annotations so it can be reused by different presentation layers.
type Account struct {
	ID           string
	Handle       string
	Email        *string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Handle   string `json:"handle"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Handle   string `json:"handle"`
	Password string `json:"password"`
}
