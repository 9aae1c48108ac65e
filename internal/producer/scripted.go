package producer

import (
	"context"
	"io"
	"sync"
	"time"
)

// ScriptedProducer replays a fixed sequence of chunks, optionally spaced by
// a delay. It backs local development and tests where no real backend is
// reachable.
type ScriptedProducer struct {
	Chunks []Chunk
	Delay  time.Duration
	// Err, when set, terminates the stream with this error after the chunks.
	Err error
}

// Open starts a replay of the scripted chunks.
func (p *ScriptedProducer) Open(ctx context.Context, req Request) (Stream, error) {
	cctx, cancel := context.WithCancel(ctx)
	return &scriptedStream{
		ctx:    cctx,
		cancel: cancel,
		chunks: p.Chunks,
		delay:  p.Delay,
		errAt:  p.Err,
	}, nil
}

type scriptedStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	chunks []Chunk
	delay  time.Duration
	errAt  error

	mu   sync.Mutex
	next int
}

func (s *scriptedStream) Recv() (Chunk, error) {
	s.mu.Lock()
	i := s.next
	s.next++
	s.mu.Unlock()

	if i >= len(s.chunks) {
		if s.errAt != nil {
			return Chunk{}, s.errAt
		}
		return Chunk{}, io.EOF
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-s.ctx.Done():
			return Chunk{}, s.ctx.Err()
		}
	} else if err := s.ctx.Err(); err != nil {
		return Chunk{}, err
	}
	return s.chunks[i], nil
}

func (s *scriptedStream) Close() error {
	s.cancel()
	return nil
}

func (s *scriptedStream) Usage() (int64, bool) {
	s.mu.Lock()
	done := s.next > len(s.chunks)
	s.mu.Unlock()
	if !done {
		return 0, false
	}
	var total int64
	for _, c := range s.chunks {
		total += c.Tokens
	}
	return total, true
}
