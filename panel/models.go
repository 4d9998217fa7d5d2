package panel

import "time"

// WeightTotal is the influence share the full panel must add up to before
// disputes can be opened. The fusion arithmetic assumes it.
const WeightTotal = 100

// Rater mirrors the raters table. Weight is set once at registration and
// never changes; Position is the directory order used for sub-dispute
// correlation.
type Rater struct {
	ID        string
	Handle    string
	Weight    int
	Position  int
	CreatedAt time.Time
}

// Config is the singleton service configuration row.
type Config struct {
	Quota       int
	PerRaterFee uint64
}
