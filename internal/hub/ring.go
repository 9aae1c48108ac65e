package hub

// ring is a bounded event buffer: capped by event count and by event age,
// whichever bounds first. Single writer; readers copy via snapshot while
// holding the owning stream's lock.
type ring struct {
	events      []Event
	maxEvents   int
	retentionMs int64
}

func newRing(maxEvents int, retentionMs int64) *ring {
	if maxEvents < 1 {
		maxEvents = 1
	}
	return &ring{
		events:      make([]Event, 0, maxEvents),
		maxEvents:   maxEvents,
		retentionMs: retentionMs,
	}
}

// append adds ev and evicts anything over the count or age bound.
func (r *ring) append(ev Event, nowMs int64) {
	r.events = append(r.events, ev)
	r.pruneAge(nowMs)
	if over := len(r.events) - r.maxEvents; over > 0 {
		r.events = r.events[over:]
	}
}

func (r *ring) pruneAge(nowMs int64) {
	if r.retentionMs <= 0 {
		return
	}
	cutoff := nowMs - r.retentionMs
	i := 0
	for i < len(r.events) && r.events[i].EmittedAtMs < cutoff {
		i++
	}
	if i > 0 {
		r.events = r.events[i:]
	}
}

// snapshot returns a copy of the retained events in sequence order.
func (r *ring) snapshot() []Event {
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *ring) len() int { return len(r.events) }
