package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/skeinlabs/skein/internal/credit"
	pebblestore "github.com/skeinlabs/skein/internal/storage/pebble"
)

func newStoreForTest(t *testing.T) *Store {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, nil)
}

func TestLifecycleTransitions(t *testing.T) {
	store := newStoreForTest(t)
	ctx := context.Background()

	rec, err := store.Create(ctx, "alice", "m", 1000, 30)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Status != StatusReserving {
		t.Fatalf("want reserving, got %s", rec.Status)
	}
	if rec.Token != "" {
		t.Fatalf("token must be empty until streaming, got %q", rec.Token)
	}

	rec, err = store.MarkStreaming(ctx, rec.ID, "stream-1756700000000-abcdef123456", 36)
	if err != nil {
		t.Fatalf("mark streaming: %v", err)
	}
	if rec.Status != StatusStreaming || rec.Token == "" || rec.ReservedCredits != 36 {
		t.Fatalf("unexpected streaming record: %+v", rec)
	}

	// Idempotent re-entry.
	again, err := store.MarkStreaming(ctx, rec.ID, "ignored", 0)
	if err != nil {
		t.Fatalf("repeat mark streaming: %v", err)
	}
	if again.Token != rec.Token {
		t.Fatalf("repeat streaming must not overwrite token")
	}

	rec, err = store.MarkFinalizing(ctx, rec.ID)
	if err != nil {
		t.Fatalf("mark finalizing: %v", err)
	}
	if rec.Status != StatusFinalizing {
		t.Fatalf("want finalizing, got %s", rec.Status)
	}
}

func TestFinalizeSettlesExactlyOnce(t *testing.T) {
	store := newStoreForTest(t)
	ctx := context.Background()

	rec, err := store.Create(ctx, "alice", "m", 1000, 30)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.MarkStreaming(ctx, rec.ID, "stream-1756700000000-abcdef123456", 36); err != nil {
		t.Fatalf("mark streaming: %v", err)
	}

	calls := 0
	settle := func(ctx context.Context) (credit.Settlement, error) {
		calls++
		return credit.Settlement{SettledAmount: 24, Refund: 12}, nil
	}

	res, err := store.Finalize(ctx, rec.ID, 800, credit.OutcomeCompleted, settle)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res.Replayed {
		t.Fatalf("first finalize must not be a replay")
	}
	if res.Record.Status != StatusCompleted || res.Record.UsedTokens != 800 {
		t.Fatalf("unexpected record: %+v", res.Record)
	}
	if res.Settlement.SettledAmount != 24 || res.Settlement.Refund != 12 {
		t.Fatalf("unexpected settlement: %+v", res.Settlement)
	}

	// Duplicate finalize replays the stored settlement without settling again.
	res2, err := store.Finalize(ctx, rec.ID, 0, credit.OutcomeFailed, settle)
	if err != nil {
		t.Fatalf("repeat finalize: %v", err)
	}
	if !res2.Replayed {
		t.Fatalf("repeat finalize must be a replay")
	}
	if res2.Record.Status != StatusCompleted {
		t.Fatalf("replayed outcome must keep original status, got %s", res2.Record.Status)
	}
	if res2.Settlement.SettledAmount != 24 || res2.Settlement.Refund != 12 {
		t.Fatalf("replayed settlement mismatch: %+v", res2.Settlement)
	}
	if calls != 1 {
		t.Fatalf("settle called %d times, want 1", calls)
	}
}

func TestFinalizeConcurrentSettlesOnce(t *testing.T) {
	store := newStoreForTest(t)
	ctx := context.Background()

	rec, err := store.Create(ctx, "alice", "m", 1000, 30)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.MarkStreaming(ctx, rec.ID, "stream-1756700000000-abcdef123456", 36); err != nil {
		t.Fatalf("mark streaming: %v", err)
	}

	var mu sync.Mutex
	calls := 0
	settle := func(ctx context.Context) (credit.Settlement, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return credit.Settlement{SettledAmount: 24, Refund: 12}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Finalize(ctx, rec.ID, 800, credit.OutcomeCompleted, settle); err != nil {
				t.Errorf("finalize: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Fatalf("settle called %d times under concurrency, want 1", calls)
	}
}

func TestFinalizeUnknownReservationStillTerminal(t *testing.T) {
	store := newStoreForTest(t)
	ctx := context.Background()

	rec, err := store.Create(ctx, "alice", "m", 1000, 30)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.MarkStreaming(ctx, rec.ID, "stream-1756700000000-abcdef123456", 36); err != nil {
		t.Fatalf("mark streaming: %v", err)
	}

	settle := func(ctx context.Context) (credit.Settlement, error) {
		return credit.Settlement{}, credit.ErrUnknownReservation
	}
	res, err := store.Finalize(ctx, rec.ID, 800, credit.OutcomeFailed, settle)
	if err != nil {
		t.Fatalf("finalize with expired reservation: %v", err)
	}
	if !res.Record.Status.Terminal() {
		t.Fatalf("session must still reach a terminal state")
	}
}

func TestMarkStreamingRejectsTerminal(t *testing.T) {
	store := newStoreForTest(t)
	ctx := context.Background()

	rec, err := store.Create(ctx, "alice", "m", 100, 3)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.MarkStreaming(ctx, rec.ID, "stream-1756700000000-abcdef123456", 4); err != nil {
		t.Fatalf("mark streaming: %v", err)
	}
	if _, err := store.Finalize(ctx, rec.ID, 10, credit.OutcomeAborted, func(ctx context.Context) (credit.Settlement, error) {
		return credit.Settlement{SettledAmount: 1, Refund: 3}, nil
	}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if _, err := store.MarkStreaming(ctx, rec.ID, "stream-1756700000001-abcdef123456", 4); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition on terminal, got %v", err)
	}
}

func TestAdoptToken(t *testing.T) {
	store := newStoreForTest(t)
	ctx := context.Background()

	// Adoption onto a missing record creates a finalizing placeholder.
	rec, err := store.AdoptToken(ctx, "ghost", "stream-1756700000000-abcdef123456")
	if err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if !rec.Adopted || rec.Status != StatusFinalizing {
		t.Fatalf("unexpected adopted record: %+v", rec)
	}

	// Same token again is a no-op; a different token loses.
	if _, err := store.AdoptToken(ctx, "ghost", "stream-1756700000000-abcdef123456"); err != nil {
		t.Fatalf("re-adopt same token: %v", err)
	}
	if _, err := store.AdoptToken(ctx, "ghost", "stream-1756700000099-zzzzzzzzzzzz"); !errors.Is(err, ErrCorrelationMismatch) {
		t.Fatalf("want ErrCorrelationMismatch, got %v", err)
	}
}

func TestPurgeTerminalBefore(t *testing.T) {
	store := newStoreForTest(t)
	ctx := context.Background()

	done, err := store.Create(ctx, "alice", "m", 100, 3)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.MarkStreaming(ctx, done.ID, "stream-1756700000000-abcdef123456", 4); err != nil {
		t.Fatalf("mark streaming: %v", err)
	}
	if _, err := store.Finalize(ctx, done.ID, 50, credit.OutcomeCompleted, func(ctx context.Context) (credit.Settlement, error) {
		return credit.Settlement{SettledAmount: 2, Refund: 2}, nil
	}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	live, err := store.Create(ctx, "bob", "m", 100, 3)
	if err != nil {
		t.Fatalf("create live: %v", err)
	}

	terminal, err := store.Get(done.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	deleted, err := store.PurgeTerminalBefore(ctx, terminal.CompletedAtMs+1)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("want 1 purged, got %d", deleted)
	}
	if _, err := store.Get(done.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("terminal record should be gone, got %v", err)
	}
	if _, err := store.Get(live.ID); err != nil {
		t.Fatalf("live record must survive purge: %v", err)
	}
}
