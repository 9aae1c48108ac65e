package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skeinlabs/skein/internal/backoff"
	tokenpkg "github.com/skeinlabs/skein/pkg/token"
)

// Resolver resolves the race between a finalize call carrying a correlation
// token and the store write that records it. A finalize may legitimately
// arrive before the session's token is visible on the read path; a bounded
// backoff absorbs that window.
type Resolver struct {
	store  *Store
	policy backoff.Policy
}

// NewResolver builds a Resolver. maxAttempts and baseDelay bound the retry
// loop (3 attempts at 500ms base gives 500ms, 1s, 2s).
func NewResolver(store *Store, maxAttempts int, baseDelay time.Duration) *Resolver {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	return &Resolver{
		store: store,
		policy: backoff.Policy{
			Type:        backoff.Exp,
			Base:        baseDelay,
			Factor:      2.0,
			MaxAttempts: maxAttempts,
		},
	}
}

// Resolve locates the session record matching (sessionID, suppliedToken).
//
// A stored token that does not match the supplied one (after normalization)
// is rejected immediately with ErrCorrelationMismatch: the mismatch is
// definitive, so that branch never retries. A missing record or a record
// without a token is retried; once retries are exhausted, a supplied token
// matching the documented grammar is adopted as a legitimate first-write
// race. Adoption without the format check would let an attacker force a
// finalize against any session that has not yet recorded its real token,
// so a malformed token is never adopted.
func (r *Resolver) Resolve(ctx context.Context, sessionID, suppliedToken string) (Record, error) {
	supplied := tokenpkg.Normalize(suppliedToken)

	var resolved Record
	err := backoff.Retry(ctx, r.policy, func(attempt int) (bool, error) {
		rec, err := r.store.Get(sessionID)
		if errors.Is(err, ErrNotFound) {
			return false, err
		}
		if err != nil {
			return true, err
		}
		if rec.Token == "" {
			return false, fmt.Errorf("session: token not yet recorded")
		}
		if tokenpkg.Normalize(rec.Token) != supplied {
			return true, ErrCorrelationMismatch
		}
		resolved = rec
		return true, nil
	})
	if err == nil {
		return resolved, nil
	}
	if errors.Is(err, ErrCorrelationMismatch) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Record{}, err
	}

	// Retries exhausted with no stored token. Adopt only well-formed tokens.
	if vErr := tokenpkg.Validate(supplied); vErr != nil {
		return Record{}, fmt.Errorf("%w: no stored token and supplied token malformed", ErrCorrelationMismatch)
	}
	return r.store.AdoptToken(ctx, sessionID, supplied)
}
