package producer

import (
	"context"
	"errors"
	"io"
	"sync"

	oa "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	logpkg "github.com/skeinlabs/skein/pkg/log"
)

// OpenAIProducer opens Chat Completions streaming requests against the
// OpenAI API.
type OpenAIProducer struct {
	client oa.Client
	logger logpkg.Logger
}

// NewOpenAIProducer builds a producer from an API key.
func NewOpenAIProducer(apiKey string, logger logpkg.Logger) (*OpenAIProducer, error) {
	if apiKey == "" {
		return nil, errors.New("producer: openai api key is required")
	}
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &OpenAIProducer{
		client: oa.NewClient(option.WithAPIKey(apiKey)),
		logger: logger.With(logpkg.Component("producer.openai")),
	}, nil
}

// Open starts a Chat Completions stream for req.
func (p *OpenAIProducer) Open(ctx context.Context, req Request) (Stream, error) {
	messages := make([]oa.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, oa.SystemMessage(req.System))
	}
	messages = append(messages, oa.UserMessage(req.Prompt))

	params := oa.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: messages,
		StreamOptions: oa.ChatCompletionStreamOptionsParam{
			IncludeUsage: oa.Bool(true),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = oa.Int(req.MaxTokens)
	}
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return newOpenAIStream(ctx, stream), nil
}

type openaiStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[oa.ChatCompletionChunk]

	chunks chan Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	usageMu      sync.Mutex
	outputTokens int64
	usageKnown   bool
}

func newOpenAIStream(ctx context.Context, stream *ssestream.Stream[oa.ChatCompletionChunk]) *openaiStream {
	cctx, cancel := context.WithCancel(ctx)
	s := &openaiStream{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		chunks: make(chan Chunk, 32),
	}
	go s.run()
	return s
}

func (s *openaiStream) Recv() (Chunk, error) {
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

func (s *openaiStream) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *openaiStream) Usage() (int64, bool) {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	return s.outputTokens, s.usageKnown
}

func (s *openaiStream) run() {
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
		chunk := s.stream.Current()
		if chunk.Usage.CompletionTokens > 0 {
			s.usageMu.Lock()
			s.outputTokens = chunk.Usage.CompletionTokens
			s.usageKnown = true
			s.usageMu.Unlock()
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		text := chunk.Choices[0].Delta.Content
		if text == "" {
			continue
		}
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case s.chunks <- Chunk{Text: text, Tokens: estimateTokens(text)}:
		}
	}
}

func (s *openaiStream) setErr(err error) {
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

func (s *openaiStream) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}
