package credit

import (
	"context"
	"errors"
)

// Outcome is how a streaming session ended, recorded with its settlement.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeAborted   Outcome = "aborted"
	// OutcomeExpired marks a reservation auto-refunded by the sweeper after
	// sitting unsettled past its timeout.
	OutcomeExpired Outcome = "expired"
)

// ErrInsufficientCredits means no balance pool covers the buffered amount.
// Stream start must be denied.
var ErrInsufficientCredits = errors.New("credit: insufficient credits")

// ErrReservationDenied means the ledger could not be consulted. Policy is
// deny-by-default: an unreachable ledger refuses the operation, it never
// silently allows it.
var ErrReservationDenied = errors.New("credit: reservation denied")

// ErrUnknownReservation is returned when settling a session id that holds no
// reservation.
var ErrUnknownReservation = errors.New("credit: unknown reservation")

// Settlement is the result of settling or aborting a reservation.
type Settlement struct {
	SettledAmount int64 `json:"settledAmount"`
	Refund        int64 `json:"refund"`
}

// Ledger is the credit collaborator contract. Reserve holds the buffered
// amount against the owner's balance; Settle charges true usage and refunds
// the rest; Abort settles a session terminated before natural completion.
type Ledger interface {
	Reserve(ctx context.Context, sessionID, ownerID, modelID string, estimatedTokens int64) (reservedAmount int64, err error)
	Settle(ctx context.Context, sessionID string, actualTokens int64, outcome Outcome) (Settlement, error)
	Abort(ctx context.Context, sessionID string, tokensGenerated int64) (Settlement, error)
}
