package session

import "errors"

// Status is a session's lifecycle state. Transitions move strictly forward:
// reserving -> streaming -> finalizing -> {completed | failed | aborted}.
// Terminal states are immutable.
type Status string

const (
	StatusReserving  Status = "reserving"
	StatusStreaming  Status = "streaming"
	StatusFinalizing Status = "finalizing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusAborted    Status = "aborted"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// ErrNotFound is returned when no record exists for a session id.
var ErrNotFound = errors.New("session: not found")

// ErrCorrelationMismatch is returned when a finalize call's token does not
// match the stored correlation token. The mismatch is definitive, not a
// race: callers must not retry.
var ErrCorrelationMismatch = errors.New("session: correlation token mismatch")

// ErrInvalidTransition is returned for lifecycle moves the state machine
// forbids.
var ErrInvalidTransition = errors.New("session: invalid state transition")

// Record is the durable session metadata mutated only by the coordinator.
type Record struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId"`
	ModelID string `json:"modelId"`
	// Token is the client-held correlation token. Empty until the stream is
	// marked streaming (or a finalize race adopts one).
	Token  string `json:"token,omitempty"`
	Status Status `json:"status"`

	EstimatedTokens int64 `json:"estimatedTokens"`
	UsedTokens      int64 `json:"usedTokens"`

	EstimatedCredits int64 `json:"estimatedCredits"`
	ReservedCredits  int64 `json:"reservedCredits"`
	UsedCredits      int64 `json:"usedCredits"`
	RefundedCredits  int64 `json:"refundedCredits"`

	StartedAtMs   int64 `json:"startedAtMs"`
	CompletedAtMs int64 `json:"completedAtMs,omitempty"`

	// Adopted marks records whose token was accepted from a finalize call
	// that won the first-write race.
	Adopted bool `json:"adopted,omitempty"`
}
