package hub

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/skeinlabs/skein/internal/metrics"
	logpkg "github.com/skeinlabs/skein/pkg/log"
)

const hubShards = 32

// ErrSessionUnavailable is returned when an observer attaches to a session
// that is unknown or whose buffer has passed its retention window.
var ErrSessionUnavailable = errors.New("hub: session unavailable")

// ErrSessionExists is returned when a session id is opened twice.
var ErrSessionExists = errors.New("hub: session already open")

// Options bounds the per-session buffers and delivery channels.
type Options struct {
	// MaxEvents caps the per-session ring by count.
	MaxEvents int
	// RetentionMs caps the per-session ring by age, and sets how long a
	// terminal session's buffer stays attachable.
	RetentionMs int64
	// SubscriberBuffer is the channel capacity per observer subscription.
	SubscriberBuffer int
	// PrimaryBuffer is the channel capacity for the primary consumer.
	PrimaryBuffer int
	// ExpiryWarnLeadMs is how long before buffer expiry attached observers
	// receive a warning notice.
	ExpiryWarnLeadMs int64
}

func (o *Options) defaults() {
	if o.MaxEvents <= 0 {
		o.MaxEvents = 2048
	}
	if o.RetentionMs <= 0 {
		o.RetentionMs = 120_000
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 256
	}
	if o.PrimaryBuffer <= 0 {
		o.PrimaryBuffer = 1024
	}
	if o.ExpiryWarnLeadMs <= 0 {
		o.ExpiryWarnLeadMs = 10_000
	}
}

type shard struct {
	mu      sync.RWMutex
	streams map[string]*stream
}

// Hub is the stream multiplexer and observer registry. One Hub instance is
// owned by the process composition root and injected into handlers; session
// ids are spread over independently locked shards so concurrent sessions do
// not contend.
type Hub struct {
	opts    Options
	logger  logpkg.Logger
	metrics *metrics.Metrics
	shards  [hubShards]*shard

	stopCh chan struct{}
	doneCh chan struct{}
	stopMu sync.Mutex
}

// New builds a Hub. metrics may be nil.
func New(opts Options, logger logpkg.Logger, m *metrics.Metrics) *Hub {
	opts.defaults()
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	h := &Hub{
		opts:    opts,
		logger:  logger.With(logpkg.Component("hub")),
		metrics: m,
	}
	for i := range h.shards {
		h.shards[i] = &shard{streams: make(map[string]*stream)}
	}
	return h
}

func (h *Hub) shardFor(sessionID string) *shard {
	f := fnv.New32a()
	_, _ = f.Write([]byte(sessionID))
	return h.shards[f.Sum32()%hubShards]
}

// OpenSession registers a buffer for sessionID and returns the producer-side
// Publisher plus the primary consumer's subscription.
func (h *Hub) OpenSession(sessionID string) (*Publisher, *Subscription, error) {
	st := &stream{
		id:   sessionID,
		hub:  h,
		ring: newRing(h.opts.MaxEvents, h.opts.RetentionMs),
		subs: make(map[*Subscription]struct{}),
	}
	primary := &Subscription{
		id:        "primary",
		sessionID: sessionID,
		stream:    st,
		ch:        make(chan Event, h.opts.PrimaryBuffer),
		primary:   true,
	}
	st.primary = primary
	st.subs[primary] = struct{}{}

	sh := h.shardFor(sessionID)
	sh.mu.Lock()
	if _, ok := sh.streams[sessionID]; ok {
		sh.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}
	sh.streams[sessionID] = st
	sh.mu.Unlock()

	return &Publisher{st: st}, primary, nil
}

// Attach subscribes an observer to sessionID. filterExpr is an optional CEL
// expression over {kind, sequence, text, token_delta, total_tokens, payload,
// now_ms}; non-matching events are skipped for this observer only.
//
// A streaming session replays the buffer then delivers live events with no
// gap or duplicate at the seam. A terminal session still inside the
// retention window replays behind a buffered-replay notice. Anything else is
// ErrSessionUnavailable.
func (h *Hub) Attach(sessionID, observerID, filterExpr string) (*Subscription, error) {
	filter, err := newEventFilter(filterExpr)
	if err != nil {
		return nil, fmt.Errorf("hub: bad filter: %w", err)
	}

	sh := h.shardFor(sessionID)
	sh.mu.RLock()
	st, ok := sh.streams[sessionID]
	sh.mu.RUnlock()
	if !ok {
		return nil, ErrSessionUnavailable
	}

	nowMs := time.Now().UnixMilli()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.terminal && nowMs >= st.terminalAtMs+h.opts.RetentionMs {
		return nil, ErrSessionUnavailable
	}

	replay := st.ring.snapshot()
	capacity := h.opts.SubscriberBuffer
	if need := len(replay) + 2; need > capacity {
		capacity = need
	}
	sub := &Subscription{
		id:        observerID,
		sessionID: sessionID,
		stream:    st,
		ch:        make(chan Event, capacity),
		filter:    filter,
	}

	if st.terminal {
		sub.ch <- Event{
			Sequence:    st.nextSeq,
			Kind:        KindInfo,
			Payload:     map[string]any{"notice": NoticeBufferedReplay, "events": len(replay)},
			EmittedAtMs: nowMs,
		}
	}
	for _, ev := range replay {
		sub.offer(ev)
	}
	st.subs[sub] = struct{}{}

	if h.metrics != nil {
		h.metrics.ObserversAttached.Inc()
	}
	return sub, nil
}

// Start launches the retention janitor: it warns attached observers shortly
// before a terminal session's buffer expires, then removes the buffer and
// closes remaining subscriptions.
func (h *Hub) Start(ctx context.Context) {
	h.stopMu.Lock()
	defer h.stopMu.Unlock()
	if h.stopCh != nil {
		return
	}
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})
	go h.run(ctx, h.stopCh, h.doneCh)
}

// Stop halts the janitor and waits for it to exit.
func (h *Hub) Stop() {
	h.stopMu.Lock()
	stopCh, doneCh := h.stopCh, h.doneCh
	h.stopCh, h.doneCh = nil, nil
	h.stopMu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

func (h *Hub) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			h.SweepExpired(time.Now().UnixMilli())
		}
	}
}

// SweepExpired runs one janitor pass at nowMs. Exposed for tests.
func (h *Hub) SweepExpired(nowMs int64) {
	for _, sh := range h.shards {
		sh.mu.Lock()
		for id, st := range sh.streams {
			expireAt, warnAt := st.expiryAt(h.opts.RetentionMs, h.opts.ExpiryWarnLeadMs)
			if expireAt == 0 {
				continue
			}
			if nowMs >= expireAt {
				delete(sh.streams, id)
				st.closeAll()
				h.logger.Debug("session buffer expired", logpkg.Str("session", id))
				continue
			}
			if nowMs >= warnAt {
				st.warnExpiry(expireAt - nowMs)
			}
		}
		sh.mu.Unlock()
	}
}

// remove drops a stream from its shard, used when a session is torn down
// early (reservation denied before any event flowed).
func (h *Hub) remove(sessionID string) {
	sh := h.shardFor(sessionID)
	sh.mu.Lock()
	st, ok := sh.streams[sessionID]
	if ok {
		delete(sh.streams, sessionID)
	}
	sh.mu.Unlock()
	if ok {
		st.closeAll()
	}
}
