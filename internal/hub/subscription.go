package hub

import "sync"

// Subscription is one consumer's bounded view of a session stream. Events
// arrive on Events() in sequence order; when the consumer lags past the
// channel capacity, events are dropped and the next delivered frame is an
// info gap notice carrying the count of missed events.
type Subscription struct {
	id        string
	sessionID string
	stream    *stream

	ch      chan Event
	filter  eventFilter
	primary bool

	// writer-side state, guarded by the owning stream's mutex
	gap     uint64
	lastSeq uint64
	closed  bool

	detachOnce sync.Once
}

// Events is the delivery channel. It is closed when the session ends, the
// retention window expires, or Detach is called.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// ID returns the observer id the subscription was attached with.
func (s *Subscription) ID() string { return s.id }

// SessionID returns the session the subscription observes.
func (s *Subscription) SessionID() string { return s.sessionID }

// Detach removes the subscription and closes its channel. Calling Detach
// more than once is a no-op: both the client-disconnect path and the
// natural-session-end path may race to it.
func (s *Subscription) Detach() {
	s.detachOnce.Do(func() {
		if s.stream != nil {
			s.stream.detach(s)
		} else {
			s.closed = true
			close(s.ch)
		}
	})
}

// closeLocked closes the channel. Caller holds the owning stream's mutex,
// or the subscription was never registered for live delivery.
func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// offer delivers ev without blocking. Caller holds the owning stream's
// mutex. A full channel drops the event and accrues a gap; the gap notice
// is delivered ahead of the next frame that fits.
func (s *Subscription) offer(ev Event) bool {
	if s.closed {
		return false
	}
	if !s.primary && !ev.Kind.Terminal() && !s.filter.Eval(ev) {
		return true
	}
	if s.gap > 0 {
		notice := Event{
			Sequence:    ev.Sequence,
			Kind:        KindInfo,
			Payload:     map[string]any{"notice": NoticeGap, "missed": s.gap},
			EmittedAtMs: ev.EmittedAtMs,
		}
		select {
		case s.ch <- notice:
			s.gap = 0
		default:
			s.gap++
			return false
		}
	}
	select {
	case s.ch <- ev:
		s.lastSeq = ev.Sequence
		return true
	default:
		s.gap++
		return false
	}
}
