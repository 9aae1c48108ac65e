package producer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	logpkg "github.com/skeinlabs/skein/pkg/log"
)

// AnthropicProducer opens Messages streaming requests against the Anthropic
// API.
type AnthropicProducer struct {
	client sdk.Client
	logger logpkg.Logger
}

// NewAnthropicProducer builds a producer from an API key.
func NewAnthropicProducer(apiKey string, logger logpkg.Logger) (*AnthropicProducer, error) {
	if apiKey == "" {
		return nil, errors.New("producer: anthropic api key is required")
	}
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &AnthropicProducer{
		client: sdk.NewClient(option.WithAPIKey(apiKey)),
		logger: logger.With(logpkg.Component("producer.anthropic")),
	}, nil
}

// Open starts a Messages stream for req.
func (p *AnthropicProducer) Open(ctx context.Context, req Request) (Stream, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := sdk.MessageNewParams{
		MaxTokens: maxTokens,
		Model:     sdk.Model(req.Model),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	stream := p.client.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("producer: anthropic messages stream: %w", err)
	}
	return newAnthropicStream(ctx, stream, p.logger), nil
}

// anthropicStream pumps SDK events into a bounded chunk channel from a
// background goroutine so Recv never touches the SDK iterator concurrently.
type anthropicStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
	logger logpkg.Logger

	chunks chan Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	usageMu      sync.Mutex
	outputTokens int64
	usageKnown   bool
}

func newAnthropicStream(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], logger logpkg.Logger) *anthropicStream {
	cctx, cancel := context.WithCancel(ctx)
	s := &anthropicStream{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		logger: logger,
		chunks: make(chan Chunk, 32),
	}
	go s.run()
	return s
}

func (s *anthropicStream) Recv() (Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return Chunk{}, err
		}
		return Chunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		s.setErr(err)
		return Chunk{}, err
	}
}

func (s *anthropicStream) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *anthropicStream) Usage() (int64, bool) {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	return s.outputTokens, s.usageKnown
}

func (s *anthropicStream) run() {
	defer close(s.chunks)
	defer func() {
		_ = s.stream.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(err)
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			}
			return
		}
		if err := s.handle(s.stream.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *anthropicStream) handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.ContentBlockDeltaEvent:
		delta, ok := ev.Delta.AsAny().(sdk.TextDelta)
		if !ok || delta.Text == "" {
			return nil
		}
		return s.emit(Chunk{Text: delta.Text, Tokens: estimateTokens(delta.Text)})
	case sdk.MessageDeltaEvent:
		s.recordUsage(ev.Usage.OutputTokens)
		return nil
	case sdk.MessageStartEvent, sdk.ContentBlockStartEvent, sdk.ContentBlockStopEvent, sdk.MessageStopEvent:
		return nil
	default:
		// Unrecognized frames are skipped, not fatal: the wire protocol may
		// grow event types faster than the SDK pin.
		s.logger.Warn("skipping unrecognized stream frame", logpkg.Str("type", event.Type))
		return nil
	}
}

func (s *anthropicStream) emit(chunk Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *anthropicStream) recordUsage(outputTokens int64) {
	if outputTokens <= 0 {
		return
	}
	s.usageMu.Lock()
	s.outputTokens = outputTokens
	s.usageKnown = true
	s.usageMu.Unlock()
}

func (s *anthropicStream) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *anthropicStream) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}
