package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/skeinlabs/skein/internal/credit"
	pebblestore "github.com/skeinlabs/skein/internal/storage/pebble"
	logpkg "github.com/skeinlabs/skein/pkg/log"
)

const lockShards = 64

var recordPrefix = []byte("sess/")

func keyRecord(id string) []byte {
	k := make([]byte, 0, len(recordPrefix)+len(id))
	k = append(k, recordPrefix...)
	k = append(k, id...)
	return k
}

// Store is the correlation store: durable session records plus the lifecycle
// state machine. Transitions for the same session are serialized by striped
// locks; different sessions proceed fully in parallel. Every transition is
// persisted before it is acknowledged.
type Store struct {
	db     *pebblestore.DB
	logger logpkg.Logger
	locks  [lockShards]sync.Mutex
}

// NewStore builds a Store on the durable layer.
func NewStore(db *pebblestore.DB, logger logpkg.Logger) *Store {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &Store{db: db, logger: logger.With(logpkg.Component("session"))}
}

func (s *Store) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.locks[h.Sum32()%lockShards]
}

// Create allocates a session record in the reserving state and persists it.
func (s *Store) Create(ctx context.Context, ownerID, modelID string, estimatedTokens, estimatedCredits int64) (Record, error) {
	rec := Record{
		ID:               uuid.NewString(),
		OwnerID:          ownerID,
		ModelID:          modelID,
		Status:           StatusReserving,
		EstimatedTokens:  estimatedTokens,
		EstimatedCredits: estimatedCredits,
		StartedAtMs:      time.Now().UnixMilli(),
	}
	if err := s.db.SetJSON(keyRecord(rec.ID), rec); err != nil {
		return Record{}, fmt.Errorf("session: persist create: %w", err)
	}
	return rec, nil
}

// Get loads a session record.
func (s *Store) Get(id string) (Record, error) {
	var rec Record
	if err := s.db.GetJSON(keyRecord(id), &rec); err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return rec, nil
}

// MarkStreaming transitions reserving -> streaming, recording the correlation
// token and reserved credits. Idempotent: a session already streaming is a
// no-op. Terminal sessions reject the transition.
func (s *Store) MarkStreaming(ctx context.Context, id, token string, reservedCredits int64) (Record, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.Get(id)
	if err != nil {
		return Record{}, err
	}
	switch {
	case rec.Status == StatusStreaming:
		return rec, nil
	case rec.Status.Terminal():
		return Record{}, fmt.Errorf("%w: %s -> streaming", ErrInvalidTransition, rec.Status)
	case rec.Status != StatusReserving:
		return Record{}, fmt.Errorf("%w: %s -> streaming", ErrInvalidTransition, rec.Status)
	}
	rec.Status = StatusStreaming
	rec.Token = token
	rec.ReservedCredits = reservedCredits
	if err := s.db.SetJSON(keyRecord(id), rec); err != nil {
		return Record{}, fmt.Errorf("session: persist streaming: %w", err)
	}
	return rec, nil
}

// MarkFinalizing moves a live session into finalizing. A session already
// finalizing or terminal is returned unchanged.
func (s *Store) MarkFinalizing(ctx context.Context, id string) (Record, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.Get(id)
	if err != nil {
		return Record{}, err
	}
	if rec.Status.Terminal() || rec.Status == StatusFinalizing {
		return rec, nil
	}
	rec.Status = StatusFinalizing
	if err := s.db.SetJSON(keyRecord(id), rec); err != nil {
		return Record{}, fmt.Errorf("session: persist finalizing: %w", err)
	}
	return rec, nil
}

// FinalizeResult reports a completed settlement.
type FinalizeResult struct {
	Record     Record
	Settlement credit.Settlement
	// Replayed is true when the session was already terminal and the stored
	// settlement was returned without settling again.
	Replayed bool
}

// Finalize transitions a session to the terminal state for outcome, invoking
// settle exactly once. Re-finalizing a terminal session returns the recorded
// settlement: the terminal-state guard, not the ledger, enforces logical
// exactly-once.
func (s *Store) Finalize(ctx context.Context, id string, usedTokens int64, outcome credit.Outcome, settle func(ctx context.Context) (credit.Settlement, error)) (FinalizeResult, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.Get(id)
	if err != nil {
		return FinalizeResult{}, err
	}
	if rec.Status.Terminal() {
		return FinalizeResult{
			Record:     rec,
			Settlement: credit.Settlement{SettledAmount: rec.UsedCredits, Refund: rec.RefundedCredits},
			Replayed:   true,
		}, nil
	}

	settlement, err := settle(ctx)
	if err != nil && !errors.Is(err, credit.ErrUnknownReservation) {
		return FinalizeResult{}, err
	}

	rec.Status = terminalStatus(outcome)
	rec.UsedTokens = usedTokens
	rec.UsedCredits = settlement.SettledAmount
	rec.RefundedCredits = settlement.Refund
	rec.CompletedAtMs = time.Now().UnixMilli()
	if err := s.db.SetJSON(keyRecord(id), rec); err != nil {
		return FinalizeResult{}, fmt.Errorf("session: persist finalize: %w", err)
	}

	s.logger.Info("session finalized",
		logpkg.Str("session", id),
		logpkg.Str("status", string(rec.Status)),
		logpkg.Int64("used_tokens", usedTokens),
		logpkg.Int64("settled", settlement.SettledAmount),
		logpkg.Int64("refund", settlement.Refund),
	)
	return FinalizeResult{Record: rec, Settlement: settlement}, nil
}

// AdoptToken stores a caller-supplied token on a record that has none yet.
// If the record is missing entirely, a finalizing placeholder is created so
// later finalize calls must match the adopted token. If another writer
// stored a different token first, the adoption loses with
// ErrCorrelationMismatch.
func (s *Store) AdoptToken(ctx context.Context, id, token string) (Record, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.Get(id)
	if errors.Is(err, ErrNotFound) {
		rec = Record{
			ID:          id,
			Status:      StatusFinalizing,
			Token:       token,
			Adopted:     true,
			StartedAtMs: time.Now().UnixMilli(),
		}
		if err := s.db.SetJSON(keyRecord(id), rec); err != nil {
			return Record{}, fmt.Errorf("session: persist adoption: %w", err)
		}
		return rec, nil
	}
	if err != nil {
		return Record{}, err
	}
	if rec.Token != "" {
		if rec.Token == token {
			return rec, nil
		}
		return Record{}, ErrCorrelationMismatch
	}
	rec.Token = token
	rec.Adopted = true
	if err := s.db.SetJSON(keyRecord(id), rec); err != nil {
		return Record{}, fmt.Errorf("session: persist adoption: %w", err)
	}
	return rec, nil
}

// PurgeTerminalBefore deletes terminal session records completed before
// cutoffMs. Returns the number deleted.
func (s *Store) PurgeTerminalBefore(ctx context.Context, cutoffMs int64) (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: recordPrefix,
		UpperBound: append(append([]byte{}, recordPrefix...), 0xFF),
	})
	if err != nil {
		return 0, err
	}

	var stale []string
	for ok := iter.First(); ok; ok = iter.Next() {
		var rec Record
		if err := unmarshalRecord(iter.Value(), &rec); err != nil {
			continue
		}
		if rec.Status.Terminal() && rec.CompletedAtMs > 0 && rec.CompletedAtMs < cutoffMs {
			stale = append(stale, rec.ID)
		}
	}
	_ = iter.Close()

	deleted := 0
	for _, id := range stale {
		if err := s.db.Delete(keyRecord(id)); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func terminalStatus(outcome credit.Outcome) Status {
	switch outcome {
	case credit.OutcomeCompleted:
		return StatusCompleted
	case credit.OutcomeAborted:
		return StatusAborted
	default:
		return StatusFailed
	}
}
