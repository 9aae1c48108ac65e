package credit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/skeinlabs/skein/internal/storage/pebble"
	logpkg "github.com/skeinlabs/skein/pkg/log"
)

const ownerLockShards = 64

// Account is an owner's durable credit balance.
type Account struct {
	OwnerID     string `json:"ownerId"`
	Balance     int64  `json:"balance"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
}

// Reservation is the durable record of credits held for one session.
type Reservation struct {
	SessionID       string `json:"sessionId"`
	OwnerID         string `json:"ownerId"`
	ModelID         string `json:"modelId"`
	EstimatedTokens int64  `json:"estimatedTokens"`
	ReservedAmount  int64  `json:"reservedAmount"`
	CreatedAtMs     int64  `json:"createdAtMs"`
	ExpiresAtMs     int64  `json:"expiresAtMs"`

	Settled       bool    `json:"settled"`
	SettledAmount int64   `json:"settledAmount"`
	Refund        int64   `json:"refund"`
	Outcome       Outcome `json:"outcome,omitempty"`
	SettledAtMs   int64   `json:"settledAtMs,omitempty"`
}

// LocalLedgerOptions configures a LocalLedger.
type LocalLedgerOptions struct {
	// InitialCredits seeds an owner's balance the first time it is seen.
	InitialCredits int64
	// ReservationTimeout is how long a reservation may sit unsettled before
	// the sweeper auto-refunds it.
	ReservationTimeout time.Duration
}

// LocalLedger implements Ledger on the embedded store. Balance mutations are
// conditional decrements serialized per owner: the owner's balance is the one
// piece of state shared across that owner's concurrent sessions, so a plain
// read-then-write would lose updates.
type LocalLedger struct {
	db      *pebblestore.DB
	rates   *RateTable
	journal *Journal
	logger  logpkg.Logger
	opts    LocalLedgerOptions

	ownerLocks [ownerLockShards]sync.Mutex
	// resvMu serializes settle paths for the same session id.
	resvMu sync.Mutex
}

// NewLocalLedger builds the embedded ledger.
func NewLocalLedger(db *pebblestore.DB, rates *RateTable, logger logpkg.Logger, opts LocalLedgerOptions) (*LocalLedger, error) {
	journal, err := OpenJournal(db)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	if opts.ReservationTimeout <= 0 {
		opts.ReservationTimeout = 10 * time.Minute
	}
	return &LocalLedger{
		db:      db,
		rates:   rates,
		journal: journal,
		logger:  logger.With(logpkg.Component("credit")),
		opts:    opts,
	}, nil
}

// Journal exposes the usage journal for inspection.
func (l *LocalLedger) Journal() *Journal { return l.journal }

func (l *LocalLedger) lockOwner(ownerID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ownerID))
	return &l.ownerLocks[h.Sum32()%ownerLockShards]
}

// Balance returns the owner's current balance, seeding a new account if the
// owner has never been seen.
func (l *LocalLedger) Balance(ownerID string) (int64, error) {
	mu := l.lockOwner(ownerID)
	mu.Lock()
	defer mu.Unlock()
	acct, err := l.loadOrSeedAccount(ownerID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Credit adds amount to the owner's balance.
func (l *LocalLedger) Credit(ownerID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit: amount must be positive")
	}
	mu := l.lockOwner(ownerID)
	mu.Lock()
	defer mu.Unlock()
	acct, err := l.loadOrSeedAccount(ownerID)
	if err != nil {
		return 0, err
	}
	acct.Balance += amount
	acct.UpdatedAtMs = time.Now().UnixMilli()
	if err := l.db.SetJSON(keyAccount(ownerID), acct); err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Reserve implements Ledger. The buffered amount is conditionally decremented
// from the owner's balance; the reservation record, balance update, and
// journal entry commit in one batch.
func (l *LocalLedger) Reserve(ctx context.Context, sessionID, ownerID, modelID string, estimatedTokens int64) (int64, error) {
	amount := l.rates.Reservation(modelID, estimatedTokens)
	now := time.Now().UnixMilli()

	mu := l.lockOwner(ownerID)
	mu.Lock()
	defer mu.Unlock()

	acct, err := l.loadOrSeedAccount(ownerID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrReservationDenied, err)
	}
	if acct.Balance < amount {
		return 0, ErrInsufficientCredits
	}
	acct.Balance -= amount
	acct.UpdatedAtMs = now

	resv := Reservation{
		SessionID:       sessionID,
		OwnerID:         ownerID,
		ModelID:         modelID,
		EstimatedTokens: estimatedTokens,
		ReservedAmount:  amount,
		CreatedAtMs:     now,
		ExpiresAtMs:     now + l.opts.ReservationTimeout.Milliseconds(),
	}

	b := l.db.NewBatch()
	defer b.Close()
	if err := batchSetJSON(b, keyAccount(ownerID), acct); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrReservationDenied, err)
	}
	if err := batchSetJSON(b, keyReservation(sessionID), resv); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrReservationDenied, err)
	}
	if err := l.journal.append(b, JournalEntry{
		Kind: "reserve", SessionID: sessionID, OwnerID: ownerID, ModelID: modelID,
		Amount: amount, Tokens: estimatedTokens, AtMs: now,
	}); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrReservationDenied, err)
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrReservationDenied, err)
	}

	l.logger.Debug("credits reserved",
		logpkg.Str("session", sessionID),
		logpkg.Str("owner", ownerID),
		logpkg.Int64("amount", amount),
		logpkg.Int64("balance", acct.Balance),
	)
	return amount, nil
}

// Settle implements Ledger. Charges true cost from actual usage and credits
// back the remainder. Re-settling an already-settled reservation returns the
// recorded settlement without mutating balances.
func (l *LocalLedger) Settle(ctx context.Context, sessionID string, actualTokens int64, outcome Outcome) (Settlement, error) {
	return l.settle(ctx, sessionID, actualTokens, outcome)
}

// Abort implements Ledger. Settles a session terminated before natural
// completion, charging only for tokens generated so far.
func (l *LocalLedger) Abort(ctx context.Context, sessionID string, tokensGenerated int64) (Settlement, error) {
	return l.settle(ctx, sessionID, tokensGenerated, OutcomeAborted)
}

func (l *LocalLedger) settle(ctx context.Context, sessionID string, actualTokens int64, outcome Outcome) (Settlement, error) {
	l.resvMu.Lock()
	defer l.resvMu.Unlock()

	var resv Reservation
	if err := l.db.GetJSON(keyReservation(sessionID), &resv); err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return Settlement{}, ErrUnknownReservation
		}
		return Settlement{}, err
	}
	if resv.Settled {
		return Settlement{SettledAmount: resv.SettledAmount, Refund: resv.Refund}, nil
	}

	cost := l.rates.Cost(resv.ModelID, actualTokens)
	if cost > resv.ReservedAmount {
		// Usage beyond the buffer is capped at the reservation; the refund
		// can never go negative.
		cost = resv.ReservedAmount
	}
	refund := resv.ReservedAmount - cost
	now := time.Now().UnixMilli()

	mu := l.lockOwner(resv.OwnerID)
	mu.Lock()
	defer mu.Unlock()

	acct, err := l.loadOrSeedAccount(resv.OwnerID)
	if err != nil {
		return Settlement{}, err
	}
	acct.Balance += refund
	acct.UpdatedAtMs = now

	resv.Settled = true
	resv.SettledAmount = cost
	resv.Refund = refund
	resv.Outcome = outcome
	resv.SettledAtMs = now

	b := l.db.NewBatch()
	defer b.Close()
	if err := batchSetJSON(b, keyAccount(resv.OwnerID), acct); err != nil {
		return Settlement{}, err
	}
	if err := batchSetJSON(b, keyReservation(sessionID), resv); err != nil {
		return Settlement{}, err
	}
	entries := []JournalEntry{{
		Kind: "settle", SessionID: sessionID, OwnerID: resv.OwnerID, ModelID: resv.ModelID,
		Amount: cost, Tokens: actualTokens, Outcome: outcome, AtMs: now,
	}}
	if refund > 0 {
		entries = append(entries, JournalEntry{
			Kind: "refund", SessionID: sessionID, OwnerID: resv.OwnerID, ModelID: resv.ModelID,
			Amount: refund, Outcome: outcome, AtMs: now,
		})
	}
	if err := l.journal.append(b, entries...); err != nil {
		return Settlement{}, err
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return Settlement{}, err
	}

	l.logger.Debug("reservation settled",
		logpkg.Str("session", sessionID),
		logpkg.Str("outcome", string(outcome)),
		logpkg.Int64("settled", cost),
		logpkg.Int64("refund", refund),
	)
	return Settlement{SettledAmount: cost, Refund: refund}, nil
}

// GetReservation loads a reservation record.
func (l *LocalLedger) GetReservation(sessionID string) (Reservation, error) {
	var resv Reservation
	if err := l.db.GetJSON(keyReservation(sessionID), &resv); err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return Reservation{}, ErrUnknownReservation
		}
		return Reservation{}, err
	}
	return resv, nil
}

// expireDue auto-refunds unsettled reservations whose timeout elapsed before
// nowMs. Returns the session ids refunded.
func (l *LocalLedger) expireDue(ctx context.Context, nowMs int64, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: resvPrefix,
		UpperBound: append(append([]byte{}, resvPrefix...), 0xFF),
	})
	if err != nil {
		return nil, err
	}

	var due []string
	for ok := iter.First(); ok && len(due) < limit; ok = iter.Next() {
		var resv Reservation
		if err := json.Unmarshal(iter.Value(), &resv); err != nil {
			continue
		}
		if !resv.Settled && resv.ExpiresAtMs > 0 && resv.ExpiresAtMs <= nowMs {
			due = append(due, resv.SessionID)
		}
	}
	_ = iter.Close()

	expired := make([]string, 0, len(due))
	for _, sessionID := range due {
		if _, err := l.settleExpired(ctx, sessionID); err != nil {
			l.logger.Warn("auto-refund failed", logpkg.Str("session", sessionID), logpkg.Err(err))
			continue
		}
		expired = append(expired, sessionID)
	}
	return expired, nil
}

func (l *LocalLedger) settleExpired(ctx context.Context, sessionID string) (Settlement, error) {
	// Tokens generated are unknown when the coordinator never finalized;
	// refund the full reservation.
	return l.settle(ctx, sessionID, 0, OutcomeExpired)
}

func (l *LocalLedger) loadOrSeedAccount(ownerID string) (Account, error) {
	var acct Account
	err := l.db.GetJSON(keyAccount(ownerID), &acct)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, pebblestore.ErrNotFound) {
		return Account{}, err
	}
	acct = Account{OwnerID: ownerID, Balance: l.opts.InitialCredits, UpdatedAtMs: time.Now().UnixMilli()}
	if err := l.db.SetJSON(keyAccount(ownerID), acct); err != nil {
		return Account{}, err
	}
	return acct, nil
}
