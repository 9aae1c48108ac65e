package hub

import (
	"sync"
	"time"
)

// stream is one session's buffer plus its attached consumers. One writer
// (the producer pump) and many readers; the mutex guards registry changes
// and ring writes, and delivery never blocks while holding it.
type stream struct {
	id  string
	hub *Hub

	mu           sync.Mutex
	ring         *ring
	subs         map[*Subscription]struct{}
	primary      *Subscription
	nextSeq      uint64
	cumTokens    int64
	terminal     bool
	terminalAtMs int64
	warned       bool
}

func (st *stream) publish(kind Kind, text string, payload map[string]any, tokenDelta int64) (Event, bool) {
	nowMs := time.Now().UnixMilli()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.terminal {
		return Event{}, false
	}
	st.cumTokens += tokenDelta
	ev := Event{
		Sequence:         st.nextSeq,
		Kind:             kind,
		Text:             text,
		Payload:          payload,
		TokenDelta:       tokenDelta,
		CumulativeTokens: st.cumTokens,
		EmittedAtMs:      nowMs,
	}
	st.nextSeq++
	st.ring.append(ev, nowMs)

	for sub := range st.subs {
		if !sub.offer(ev) && st.hub.metrics != nil {
			st.hub.metrics.ObserverDrops.Inc()
		}
	}

	if kind == KindChunk && st.hub.metrics != nil {
		st.hub.metrics.ChunkEvents.Inc()
	}
	if kind.Terminal() {
		st.terminal = true
		st.terminalAtMs = nowMs
		// The primary consumer's stream ends with the terminal frame.
		// Observers stay attached until the retention window closes.
		if st.primary != nil {
			delete(st.subs, st.primary)
			st.primary.closeLocked()
			st.primary = nil
		}
	}
	return ev, true
}

func (st *stream) detach(sub *Subscription) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.subs[sub]; !ok {
		return
	}
	delete(st.subs, sub)
	sub.closeLocked()
}

func (st *stream) closeAll() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for sub := range st.subs {
		sub.closeLocked()
	}
	st.subs = make(map[*Subscription]struct{})
	st.primary = nil
}

// expiryAt returns the buffer's expiry and warn deadlines, or zeros while
// the session is still live.
func (st *stream) expiryAt(retentionMs, warnLeadMs int64) (expireAt, warnAt int64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.terminal {
		return 0, 0
	}
	expireAt = st.terminalAtMs + retentionMs
	warnAt = expireAt - warnLeadMs
	return expireAt, warnAt
}

func (st *stream) warnExpiry(remainingMs int64) {
	nowMs := time.Now().UnixMilli()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.warned {
		return
	}
	st.warned = true
	notice := Event{
		Sequence:    st.nextSeq,
		Kind:        KindInfo,
		Payload:     map[string]any{"notice": NoticeExpiryWarning, "remainingMs": remainingMs},
		EmittedAtMs: nowMs,
	}
	for sub := range st.subs {
		sub.offer(notice)
	}
}

// Publisher is the producer-side handle for a session's buffer. All methods
// are safe for the single producer goroutine; frames published after a
// terminal frame are dropped.
type Publisher struct {
	st *stream
}

// Model announces the resolved backend model, including whether a fallback
// substitution occurred.
func (p *Publisher) Model(modelID string, fallback bool) {
	p.st.publish(KindModel, "", map[string]any{"model": modelID, "fallback": fallback}, 0)
}

// Chunk publishes a text delta worth tokenDelta tokens.
func (p *Publisher) Chunk(text string, tokenDelta int64) (Event, bool) {
	return p.st.publish(KindChunk, text, nil, tokenDelta)
}

// Info publishes a free-form operational notice.
func (p *Publisher) Info(payload map[string]any) {
	p.st.publish(KindInfo, "", payload, 0)
}

// Complete publishes the success terminal frame and seals the buffer.
func (p *Publisher) Complete(totalTokens int64) {
	p.st.publish(KindComplete, "", map[string]any{
		"status":    "complete",
		"tokens":    totalTokens,
		"sessionId": p.st.id,
	}, 0)
}

// Error publishes the failure terminal frame and seals the buffer. code is
// the generic consumer-facing code; diagnostic detail belongs in logs.
func (p *Publisher) Error(code string) {
	p.st.publish(KindError, "", map[string]any{"error": code, "code": code}, 0)
}

// TotalTokens reports the cumulative token count published so far.
func (p *Publisher) TotalTokens() int64 {
	p.st.mu.Lock()
	defer p.st.mu.Unlock()
	return p.st.cumTokens
}
