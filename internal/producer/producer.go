package producer

import (
	"context"
	"errors"
)

// Chunk is one text delta from a generation backend. Tokens is the backend's
// token count for the delta when it reports one, otherwise an estimate.
type Chunk struct {
	Text   string
	Tokens int64
}

// Stream is a live generation stream. Recv blocks for the next chunk and
// returns io.EOF when the backend finishes cleanly. Close releases the
// backend connection; it is safe to call concurrently with Recv.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
	// Usage reports the backend's authoritative output token count when the
	// stream has finished and the backend provided one.
	Usage() (outputTokens int64, ok bool)
}

// Request describes one generation.
type Request struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int64
}

// Producer opens streams against one backend.
type Producer interface {
	Open(ctx context.Context, req Request) (Stream, error)
}

// ErrUnknownModel is returned by a Registry when no producer serves the
// requested model and no fallback is configured.
var ErrUnknownModel = errors.New("producer: unknown model")

// estimateTokens approximates a token count for backends that do not report
// per-delta usage. Four bytes per token tracks English text closely enough
// for credit buffering.
func estimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	n := int64(len(text)) / 4
	if n < 1 {
		n = 1
	}
	return n
}
