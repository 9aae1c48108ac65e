package credit

import (
	"context"
	"sync"
	"time"

	logpkg "github.com/skeinlabs/skein/pkg/log"
)

// SweeperConfig configures the reservation expiry sweeper.
type SweeperConfig struct {
	Interval  time.Duration // how often to scan (default: 10s)
	BatchSize int           // max reservations refunded per scan (default: 100)
}

// Sweeper periodically scans for reservations left unsettled past their
// timeout and auto-refunds them. It is the backstop for sessions whose
// coordinator never reached finalize (crash, lost client).
type Sweeper struct {
	ledger    *LocalLedger
	interval  time.Duration
	batchSize int
	logger    logpkg.Logger

	// OnExpired, when set, is invoked with each refunded session id so the
	// coordinator can mark the session failed.
	OnExpired func(sessionID string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	// extra hooks run on every sweep pass (session record purging piggybacks
	// on the same cadence).
	passHooks []func(ctx context.Context)
}

// NewSweeper creates a sweeper for the embedded ledger.
func NewSweeper(ledger *LocalLedger, cfg SweeperConfig, logger logpkg.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		ledger:    ledger,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		logger:    logger.With(logpkg.Component("sweeper")),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// AddPassHook registers fn to run on every sweep pass.
func (s *Sweeper) AddPassHook(fn func(ctx context.Context)) {
	s.mu.Lock()
	s.passHooks = append(s.passHooks, fn)
	s.mu.Unlock()
}

// Start begins the background scan loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop gracefully stops the sweeper.
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Sweeper) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	expired, err := s.ledger.expireDue(s.ctx, time.Now().UnixMilli(), s.batchSize)
	if err != nil {
		s.logger.Warn("reservation sweep failed", logpkg.Err(err))
		return
	}
	for _, sessionID := range expired {
		s.logger.Info("reservation auto-refunded",
			logpkg.Str("session", sessionID),
		)
		if s.OnExpired != nil {
			s.OnExpired(sessionID)
		}
	}
	s.mu.Lock()
	hooks := append([]func(ctx context.Context){}, s.passHooks...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(s.ctx)
	}
}

// SweepOnce runs a single pass synchronously. Used by tests.
func (s *Sweeper) SweepOnce() { s.sweep() }
