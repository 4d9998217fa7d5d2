package dispute

import (
	"fmt"
	"time"
)

// Status represents the lifecycle of a dispute record. Solved is terminal;
// no transition ever returns to Waiting.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusSolved  Status = "solved"
)

// Choices is the number of outcome choices a dispute offers. Fixed at two:
// fusion binarizes every panel into ruling 1 or 2.
const Choices = 2

// VerdictRefuse is the verdict a rater submits to refuse arbitration. It
// counts toward quorum but drags the weighted sum below the unanimous
// ruling-1 floor, biasing the outcome toward 1.
const VerdictRefuse = 0

// Record mirrors the disputes table. Records are never deleted; they are
// the permanent audit trail. Ruling 0 means undetermined.
type Record struct {
	ID        int64
	Claimant  string
	Choices   int
	Paid      uint64
	Ruling    int
	Status    Status
	Underflow bool
	CreatedAt time.Time
	SolvedAt  *time.Time
}

// SubDispute correlates one rater's delegated sub-dispute to the parent,
// at the rater's directory position. Weight is the rater's influence
// frozen when the dispute opened; a vote on this dispute carries this
// weight, not whatever the directory holds later.
type SubDispute struct {
	DisputeID    int64
	Position     int
	RaterID      string
	RaterHandle  string
	Weight       int
	SubDisputeID int64
	FeePaid      uint64
}

// Vote is one rater's verdict on one dispute, with the rater's weight
// captured at submission time.
type Vote struct {
	DisputeID int64
	RaterID   string
	Verdict   int
	Weight    int
	CreatedAt time.Time
}

// InsufficientPaymentError reports an underpaid dispute creation together
// with the amount that would have been required.
type InsufficientPaymentError struct {
	Available uint64
	Required  uint64
}

func (e *InsufficientPaymentError) Error() string {
	return fmt.Sprintf("dispute: insufficient payment: have %d, need %d", e.Available, e.Required)
}

const (
	// OutboxTopicCreated is published when a dispute is opened.
	OutboxTopicCreated = "dispute.created"
	// OutboxTopicResolved is published when a dispute reaches quorum and
	// fuses; the notify worker delivers it to the claimant.
	OutboxTopicResolved = "dispute.resolved"
)
