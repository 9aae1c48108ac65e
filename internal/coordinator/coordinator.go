package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/skeinlabs/skein/internal/credit"
	"github.com/skeinlabs/skein/internal/hub"
	"github.com/skeinlabs/skein/internal/metrics"
	"github.com/skeinlabs/skein/internal/producer"
	"github.com/skeinlabs/skein/internal/session"
	logpkg "github.com/skeinlabs/skein/pkg/log"
	tokenpkg "github.com/skeinlabs/skein/pkg/token"
)

// settleTimeout bounds settlement calls made on behalf of a finished pump,
// which run off any request context.
const settleTimeout = 10 * time.Second

// Error codes surfaced to the primary consumer in terminal error frames.
// Diagnostic detail stays in the logs.
const (
	CodeUpstreamError = "upstream_error"
	CodeTimeout       = "timeout"
	CodeAborted       = "aborted"
)

// Options configures a Coordinator.
type Options struct {
	// StreamTimeout is the hard bound on total stream duration. A producer
	// still running at the deadline is cut off, the session fails, and
	// generated-so-far usage settles.
	StreamTimeout time.Duration
	// AllowOnReserveFailure lets a stream start unbilled when the ledger
	// errors for a reason other than insufficient credits. Off by default:
	// an unreachable ledger denies the stream.
	AllowOnReserveFailure bool
}

// Coordinator owns the session lifecycle: it glues the correlation store,
// the credit ledger, the producer registry and the event hub together.
type Coordinator struct {
	store    *session.Store
	resolver *session.Resolver
	ledger   credit.Ledger
	rates    *credit.RateTable
	hub      *hub.Hub
	registry *producer.Registry
	tokens   *tokenpkg.Generator
	metrics  *metrics.Metrics
	logger   logpkg.Logger
	opts     Options

	mu   sync.Mutex
	live map[string]*pumpHandle
}

type pumpHandle struct {
	pub    *hub.Publisher
	cancel context.CancelFunc
	abort  func()
	// unbilled marks sessions started without a reservation (permissive
	// mode); their settlement never touches the ledger.
	unbilled bool
}

// New builds a Coordinator. metrics may be nil.
func New(store *session.Store, resolver *session.Resolver, ledger credit.Ledger, rates *credit.RateTable, h *hub.Hub, registry *producer.Registry, m *metrics.Metrics, logger logpkg.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = 5 * time.Minute
	}
	return &Coordinator{
		store:    store,
		resolver: resolver,
		ledger:   ledger,
		rates:    rates,
		hub:      h,
		registry: registry,
		tokens:   tokenpkg.NewGenerator(),
		metrics:  m,
		logger:   logger.With(logpkg.Component("coordinator")),
		opts:     opts,
		live:     make(map[string]*pumpHandle),
	}
}

// StartRequest describes a stream start.
type StartRequest struct {
	OwnerID         string
	ModelID         string
	System          string
	Prompt          string
	EstimatedTokens int64
	MaxTokens       int64
}

// StartResult is the handle returned to the primary consumer.
type StartResult struct {
	SessionID string
	// Token is the correlation token the client must present on finalize.
	Token string
	// Model is the effective backend model, after any fallback.
	Model string
	// FellBack reports whether the default model was substituted.
	FellBack bool
	// Events delivers the stream to the primary consumer.
	Events *hub.Subscription
}

// StartStream runs the start sequence: create the session record, reserve
// credits, record the correlation token, open the fan-out buffer and launch
// the producer pump. Any reservation failure denies the stream; the ledger
// being unreachable is a denial unless AllowOnReserveFailure is set.
func (c *Coordinator) StartStream(ctx context.Context, req StartRequest) (StartResult, error) {
	if req.OwnerID == "" || req.Prompt == "" {
		return StartResult{}, errors.New("coordinator: owner and prompt are required")
	}
	estTokens := req.EstimatedTokens
	if estTokens <= 0 {
		estTokens = 1000
	}

	prod, model, fellBack, err := c.registry.Resolve(req.ModelID)
	if err != nil {
		return StartResult{}, err
	}

	rec, err := c.store.Create(ctx, req.OwnerID, model, estTokens, c.rates.Cost(model, estTokens))
	if err != nil {
		return StartResult{}, err
	}

	var unbilled bool
	reserved, err := c.ledger.Reserve(ctx, rec.ID, req.OwnerID, model, estTokens)
	if err != nil {
		if c.opts.AllowOnReserveFailure && !errors.Is(err, credit.ErrInsufficientCredits) {
			c.logger.Warn("ledger reserve failed, starting unbilled",
				logpkg.Str("session", rec.ID), logpkg.Err(err))
			reserved, unbilled = 0, true
		} else {
			if c.metrics != nil {
				c.metrics.ReservationDenied.Inc()
			}
			c.failBeforeStreaming(rec.ID)
			return StartResult{}, err
		}
	}
	if c.metrics != nil {
		c.metrics.CreditsReserved.Add(float64(reserved))
	}

	tok := c.tokens.Next()
	if _, err := c.store.MarkStreaming(ctx, rec.ID, tok, reserved); err != nil {
		c.refundAndFail(rec.ID)
		return StartResult{}, err
	}

	pub, primary, err := c.hub.OpenSession(rec.ID)
	if err != nil {
		c.refundAndFail(rec.ID)
		return StartResult{}, err
	}

	if c.metrics != nil {
		c.metrics.SessionsStarted.Inc()
		c.metrics.ActiveSessions.Inc()
	}

	pub.Model(model, fellBack)

	// The pump runs off its own context: the primary consumer disconnecting
	// must not stop generation, only the hard timeout or an abort does.
	pumpCtx, cancel := context.WithTimeout(context.Background(), c.opts.StreamTimeout)
	handle := &pumpHandle{pub: pub, cancel: cancel, unbilled: unbilled}
	aborted := make(chan struct{})
	var abortOnce sync.Once
	handle.abort = func() {
		abortOnce.Do(func() {
			close(aborted)
			cancel()
		})
	}
	c.mu.Lock()
	c.live[rec.ID] = handle
	c.mu.Unlock()

	go c.pump(pumpCtx, cancel, aborted, rec.ID, producer.Request{
		Model:     model,
		System:    req.System,
		Prompt:    req.Prompt,
		MaxTokens: req.MaxTokens,
	}, prod, pub, time.Now())

	return StartResult{
		SessionID: rec.ID,
		Token:     tok,
		Model:     model,
		FellBack:  fellBack,
		Events:    primary,
	}, nil
}

func (c *Coordinator) pump(ctx context.Context, cancel context.CancelFunc, aborted <-chan struct{}, sessionID string, req producer.Request, prod producer.Producer, pub *hub.Publisher, startedAt time.Time) {
	defer cancel()
	defer c.dropLive(sessionID)

	stream, err := prod.Open(ctx, req)
	if err != nil {
		c.logger.Error("producer open failed", logpkg.Str("session", sessionID), logpkg.Err(err))
		pub.Error(CodeUpstreamError)
		c.finish(sessionID, 0, credit.OutcomeFailed, startedAt)
		return
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if err == nil {
			pub.Chunk(chunk.Text, chunk.Tokens)
			continue
		}

		tokens := pub.TotalTokens()
		if usage, ok := stream.Usage(); ok {
			tokens = usage
		}

		switch {
		case errors.Is(err, io.EOF):
			pub.Complete(tokens)
			c.finish(sessionID, tokens, credit.OutcomeCompleted, startedAt)
		case isAbort(err, aborted):
			pub.Error(CodeAborted)
			c.finish(sessionID, tokens, credit.OutcomeAborted, startedAt)
		case errors.Is(err, context.DeadlineExceeded):
			c.logger.Warn("stream hit hard timeout", logpkg.Str("session", sessionID), logpkg.Int64("tokens", tokens))
			pub.Error(CodeTimeout)
			c.finish(sessionID, tokens, credit.OutcomeFailed, startedAt)
		default:
			c.logger.Error("producer stream failed", logpkg.Str("session", sessionID), logpkg.Err(err))
			pub.Error(CodeUpstreamError)
			c.finish(sessionID, tokens, credit.OutcomeFailed, startedAt)
		}
		return
	}
}

func isAbort(err error, aborted <-chan struct{}) bool {
	if !errors.Is(err, context.Canceled) {
		return false
	}
	select {
	case <-aborted:
		return true
	default:
		return false
	}
}

// finish settles the pump's outcome. Finalize's terminal guard makes this
// race-safe against an explicit client finalize landing first: whichever
// side loses replays the stored settlement.
func (c *Coordinator) finish(sessionID string, usedTokens int64, outcome credit.Outcome, startedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	c.mu.Lock()
	handle := c.live[sessionID]
	c.mu.Unlock()
	unbilled := handle != nil && handle.unbilled

	res, err := c.store.Finalize(ctx, sessionID, usedTokens, outcome, func(ctx context.Context) (credit.Settlement, error) {
		if unbilled {
			return credit.Settlement{}, nil
		}
		if outcome == credit.OutcomeAborted {
			return c.ledger.Abort(ctx, sessionID, usedTokens)
		}
		return c.ledger.Settle(ctx, sessionID, usedTokens, outcome)
	})
	if err != nil {
		c.logger.Error("settlement failed", logpkg.Str("session", sessionID), logpkg.Err(err))
		return
	}
	c.observeFinish(res, outcome, startedAt)
}

func (c *Coordinator) observeFinish(res session.FinalizeResult, outcome credit.Outcome, startedAt time.Time) {
	if c.metrics == nil || res.Replayed {
		return
	}
	c.metrics.ActiveSessions.Dec()
	c.metrics.SessionsFinished.WithLabelValues(string(res.Record.Status)).Inc()
	c.metrics.CreditsSettled.Add(float64(res.Settlement.SettledAmount))
	c.metrics.CreditsRefunded.Add(float64(res.Settlement.Refund))
	if !startedAt.IsZero() {
		c.metrics.StreamDuration.Observe(time.Since(startedAt).Seconds())
	}
}

func (c *Coordinator) dropLive(sessionID string) {
	c.mu.Lock()
	delete(c.live, sessionID)
	c.mu.Unlock()
}

// failBeforeStreaming closes a record whose reservation was denied. No
// credits moved, so settlement is empty.
func (c *Coordinator) failBeforeStreaming(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	_, err := c.store.Finalize(ctx, sessionID, 0, credit.OutcomeFailed, func(context.Context) (credit.Settlement, error) {
		return credit.Settlement{}, nil
	})
	if err != nil {
		c.logger.Error("failed to close denied session", logpkg.Str("session", sessionID), logpkg.Err(err))
	}
}

// refundAndFail aborts the reservation of a session that reserved credits
// but never started streaming.
func (c *Coordinator) refundAndFail(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	_, err := c.store.Finalize(ctx, sessionID, 0, credit.OutcomeFailed, func(ctx context.Context) (credit.Settlement, error) {
		return c.ledger.Abort(ctx, sessionID, 0)
	})
	if err != nil {
		c.logger.Error("failed to unwind session", logpkg.Str("session", sessionID), logpkg.Err(err))
	}
}

// CorrelationError carries the redacted stored token and the received token
// for a rejected finalize, for the error response body.
type CorrelationError struct {
	Expected string
	Received string
}

func (e *CorrelationError) Error() string {
	return fmt.Sprintf("correlation token mismatch: expected %s, received %s", e.Expected, e.Received)
}

// Unwrap lets errors.Is match session.ErrCorrelationMismatch.
func (e *CorrelationError) Unwrap() error { return session.ErrCorrelationMismatch }

// FinalizeRequest closes a session from the caller side.
type FinalizeRequest struct {
	SessionID        string
	CorrelationToken string
	ActualTokens     int64
	// Aborted marks a client-initiated cancellation rather than a clean
	// completion.
	Aborted bool
}

// Finalize resolves the correlation token and settles the session. A token
// mismatch returns a *CorrelationError; a session already terminal replays
// its stored settlement.
func (c *Coordinator) Finalize(ctx context.Context, req FinalizeRequest) (session.FinalizeResult, error) {
	rec, err := c.resolver.Resolve(ctx, req.SessionID, req.CorrelationToken)
	if err != nil {
		if errors.Is(err, session.ErrCorrelationMismatch) {
			expected := ""
			if stored, gerr := c.store.Get(req.SessionID); gerr == nil {
				expected = tokenpkg.Redact(stored.Token)
			}
			return session.FinalizeResult{}, &CorrelationError{
				Expected: expected,
				Received: req.CorrelationToken,
			}
		}
		return session.FinalizeResult{}, err
	}

	// A still-running pump for this session is stopped: the client-side
	// finalize is authoritative about the end of the stream.
	c.mu.Lock()
	handle := c.live[rec.ID]
	c.mu.Unlock()
	if handle != nil {
		handle.abort()
	}

	usedTokens := req.ActualTokens
	if usedTokens <= 0 {
		usedTokens = rec.UsedTokens
	}
	outcome := credit.OutcomeCompleted
	if req.Aborted {
		outcome = credit.OutcomeAborted
	}

	startedAt := time.Time{}
	if rec.StartedAtMs > 0 {
		startedAt = time.UnixMilli(rec.StartedAtMs)
	}
	res, err := c.store.Finalize(ctx, rec.ID, usedTokens, outcome, func(ctx context.Context) (credit.Settlement, error) {
		if outcome == credit.OutcomeAborted {
			return c.ledger.Abort(ctx, rec.ID, usedTokens)
		}
		return c.ledger.Settle(ctx, rec.ID, usedTokens, outcome)
	})
	if err != nil {
		return session.FinalizeResult{}, err
	}
	c.observeFinish(res, outcome, startedAt)
	return res, nil
}

// Abort cancels a running stream after resolving its correlation token. The
// pump observes the cancellation and settles partial usage as aborted.
func (c *Coordinator) Abort(ctx context.Context, sessionID, correlationToken string) error {
	rec, err := c.resolver.Resolve(ctx, sessionID, correlationToken)
	if err != nil {
		return err
	}
	c.mu.Lock()
	handle := c.live[rec.ID]
	c.mu.Unlock()
	if handle != nil {
		handle.abort()
		return nil
	}
	// No live pump: settle directly with whatever usage the record shows.
	_, err = c.store.Finalize(ctx, rec.ID, rec.UsedTokens, credit.OutcomeAborted, func(ctx context.Context) (credit.Settlement, error) {
		return c.ledger.Abort(ctx, rec.ID, rec.UsedTokens)
	})
	return err
}

// Get returns the session record.
func (c *Coordinator) Get(sessionID string) (session.Record, error) {
	return c.store.Get(sessionID)
}

// Observe attaches a read-only observer to a session's event stream.
func (c *Coordinator) Observe(sessionID, observerID, filterExpr string) (*hub.Subscription, error) {
	return c.hub.Attach(sessionID, observerID, filterExpr)
}

// OnReservationExpired closes the session record for a reservation the
// sweeper refunded. Wired as the sweeper's expiry callback.
func (c *Coordinator) OnReservationExpired(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	rec, err := c.store.Get(sessionID)
	if err != nil {
		return
	}
	if rec.Status.Terminal() {
		return
	}
	if handle := c.liveHandle(sessionID); handle != nil {
		handle.abort()
		return
	}
	_, err = c.store.Finalize(ctx, sessionID, rec.UsedTokens, credit.OutcomeFailed, func(context.Context) (credit.Settlement, error) {
		// The sweeper already refunded the whole reservation.
		return credit.Settlement{SettledAmount: 0, Refund: rec.ReservedCredits}, nil
	})
	if err != nil {
		c.logger.Error("failed to close expired session", logpkg.Str("session", sessionID), logpkg.Err(err))
	}
}

func (c *Coordinator) liveHandle(sessionID string) *pumpHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live[sessionID]
}

// PurgeRecordsBefore deletes terminal session records completed before the
// cutoff. Wired as a sweeper pass hook for record retention.
func (c *Coordinator) PurgeRecordsBefore(ctx context.Context, cutoffMs int64) {
	n, err := c.store.PurgeTerminalBefore(ctx, cutoffMs)
	if err != nil {
		c.logger.Warn("record purge failed", logpkg.Err(err))
		return
	}
	if n > 0 {
		c.logger.Debug("purged terminal session records", logpkg.Int("count", n))
	}
}
