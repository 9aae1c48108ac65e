package credit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pebblestore "github.com/skeinlabs/skein/internal/storage/pebble"
)

func newLedgerForTest(t *testing.T, initial int64, rates map[string]int64) *LocalLedger {
	t.Helper()
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ledger, err := NewLocalLedger(db, NewRateTable(rates, 1, 20), nil, LocalLedgerOptions{
		InitialCredits:     initial,
		ReservationTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return ledger
}

func TestReserveSettleRefund(t *testing.T) {
	ledger := newLedgerForTest(t, 100, map[string]int64{"m": 30})
	ctx := context.Background()

	reserved, err := ledger.Reserve(ctx, "s1", "alice", "m", 1000)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if reserved != 36 {
		t.Fatalf("want reserved 36, got %d", reserved)
	}
	bal, _ := ledger.Balance("alice")
	if bal != 64 {
		t.Fatalf("balance after reserve: want 64 got %d", bal)
	}

	st, err := ledger.Settle(ctx, "s1", 800, OutcomeCompleted)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if st.SettledAmount+st.Refund != reserved {
		t.Fatalf("reserved - settled != refund: %+v reserved=%d", st, reserved)
	}
	if st.Refund < 0 {
		t.Fatalf("refund must be non-negative: %+v", st)
	}
	if st.SettledAmount != 24 || st.Refund != 12 {
		t.Fatalf("settlement: want 24/12 got %+v", st)
	}
	bal, _ = ledger.Balance("alice")
	if bal != 76 {
		t.Fatalf("balance after settle: want 76 got %d", bal)
	}
}

func TestSettleIdempotent(t *testing.T) {
	ledger := newLedgerForTest(t, 100, map[string]int64{"m": 30})
	ctx := context.Background()

	if _, err := ledger.Reserve(ctx, "s1", "alice", "m", 1000); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	first, err := ledger.Settle(ctx, "s1", 800, OutcomeCompleted)
	if err != nil {
		t.Fatalf("settle 1: %v", err)
	}
	second, err := ledger.Settle(ctx, "s1", 800, OutcomeCompleted)
	if err != nil {
		t.Fatalf("settle 2: %v", err)
	}
	if first != second {
		t.Fatalf("re-settle changed outcome: %+v vs %+v", first, second)
	}
	bal, _ := ledger.Balance("alice")
	if bal != 76 {
		t.Fatalf("double refund applied: balance %d", bal)
	}
}

func TestInsufficientCreditsDenies(t *testing.T) {
	ledger := newLedgerForTest(t, 10, map[string]int64{"m": 30})
	_, err := ledger.Reserve(context.Background(), "s1", "alice", "m", 1000)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("want ErrInsufficientCredits, got %v", err)
	}
	// Denied reservation must not touch the balance.
	bal, _ := ledger.Balance("alice")
	if bal != 10 {
		t.Fatalf("balance mutated on denial: %d", bal)
	}
}

func TestAbortSettlesPartialUsage(t *testing.T) {
	ledger := newLedgerForTest(t, 100, map[string]int64{"m": 30})
	ctx := context.Background()

	reserved, err := ledger.Reserve(ctx, "s1", "alice", "m", 1000)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	st, err := ledger.Abort(ctx, "s1", 200)
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if st.SettledAmount != 6 {
		t.Fatalf("abort settle: want 6 got %d", st.SettledAmount)
	}
	if st.Refund != reserved-6 {
		t.Fatalf("abort refund: want %d got %d", reserved-6, st.Refund)
	}
}

func TestUsageBeyondBufferCappedAtReservation(t *testing.T) {
	ledger := newLedgerForTest(t, 100, map[string]int64{"m": 30})
	ctx := context.Background()

	reserved, _ := ledger.Reserve(ctx, "s1", "alice", "m", 1000)
	st, err := ledger.Settle(ctx, "s1", 5000, OutcomeCompleted)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if st.SettledAmount != reserved || st.Refund != 0 {
		t.Fatalf("overage must cap at reservation: %+v reserved=%d", st, reserved)
	}
}

func TestConcurrentReservesNeverOversell(t *testing.T) {
	// Balance covers exactly 5 reservations of 36.
	ledger := newLedgerForTest(t, 180, map[string]int64{"m": 30})
	ctx := context.Background()

	var wg sync.WaitGroup
	granted := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			if _, err := ledger.Reserve(ctx, "s-"+id, "alice", "m", 1000); err == nil {
				granted <- id
			}
		}(i)
	}
	wg.Wait()
	close(granted)

	count := 0
	for range granted {
		count++
	}
	if count != 5 {
		t.Fatalf("want exactly 5 grants, got %d", count)
	}
	bal, _ := ledger.Balance("alice")
	if bal != 0 {
		t.Fatalf("balance after grants: want 0 got %d", bal)
	}
}

func TestJournalRecordsLifecycle(t *testing.T) {
	ledger := newLedgerForTest(t, 100, map[string]int64{"m": 30})
	ctx := context.Background()

	if _, err := ledger.Reserve(ctx, "s1", "alice", "m", 1000); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := ledger.Settle(ctx, "s1", 800, OutcomeCompleted); err != nil {
		t.Fatalf("settle: %v", err)
	}

	entries, err := ledger.Journal().Read(0, 10)
	if err != nil {
		t.Fatalf("journal read: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("want reserve+settle+refund entries, got %d", len(entries))
	}
	kinds := []string{entries[0].Kind, entries[1].Kind, entries[2].Kind}
	if kinds[0] != "reserve" || kinds[1] != "settle" || kinds[2] != "refund" {
		t.Fatalf("journal kinds: %v", kinds)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq <= entries[i-1].Seq {
			t.Fatalf("journal seq not monotonic: %v", entries)
		}
	}
}

func TestExpireDueRefundsUnsettled(t *testing.T) {
	ledger := newLedgerForTest(t, 100, map[string]int64{"m": 30})
	ctx := context.Background()

	if _, err := ledger.Reserve(ctx, "s1", "alice", "m", 1000); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// Not yet due.
	expired, err := ledger.expireDue(ctx, time.Now().UnixMilli(), 10)
	if err != nil || len(expired) != 0 {
		t.Fatalf("premature expiry: %v %v", expired, err)
	}
	// Past the timeout.
	future := time.Now().Add(2 * time.Minute).UnixMilli()
	expired, err = ledger.expireDue(ctx, future, 10)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(expired) != 1 || expired[0] != "s1" {
		t.Fatalf("want s1 expired, got %v", expired)
	}
	bal, _ := ledger.Balance("alice")
	if bal != 100 {
		t.Fatalf("full refund expected: balance %d", bal)
	}
	// A settled reservation is not re-expired.
	expired, _ = ledger.expireDue(ctx, future, 10)
	if len(expired) != 0 {
		t.Fatalf("settled reservation expired again: %v", expired)
	}
}
