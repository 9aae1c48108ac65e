package hub

// Kind classifies a stream event frame.
type Kind string

const (
	// KindChunk carries a text delta from the producer.
	KindChunk Kind = "chunk"
	// KindModel echoes the resolved backend model, emitted once at start.
	KindModel Kind = "model"
	// KindComplete is the success terminal frame.
	KindComplete Kind = "complete"
	// KindError is the failure terminal frame.
	KindError Kind = "error"
	// KindInfo carries operational notices: buffered replay, gap marks,
	// retention expiry warnings.
	KindInfo Kind = "info"
)

// Terminal reports whether the kind closes the stream.
func (k Kind) Terminal() bool {
	return k == KindComplete || k == KindError
}

// Event is one immutable frame of a session's output. Sequence is monotonic
// per session starting at 0; every consumer sees events in sequence order,
// with gaps only where a gap notice marks them.
type Event struct {
	Sequence         uint64         `json:"sequence"`
	Kind             Kind           `json:"kind"`
	Text             string         `json:"text,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	TokenDelta       int64          `json:"tokens,omitempty"`
	CumulativeTokens int64          `json:"totalTokens,omitempty"`
	EmittedAtMs      int64          `json:"emittedAtMs"`
}

// Notice codes carried in info payloads.
const (
	NoticeBufferedReplay = "buffered_replay"
	NoticeGap            = "gap"
	NoticeExpiryWarning  = "expiry_warning"
)
