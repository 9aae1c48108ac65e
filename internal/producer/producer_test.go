package producer

import (
	"context"
	"errors"
	"io"
	"testing"
)

func TestScriptedStreamReplay(t *testing.T) {
	p := &ScriptedProducer{Chunks: []Chunk{
		{Text: "hello ", Tokens: 2},
		{Text: "world", Tokens: 1},
	}}
	stream, err := p.Open(context.Background(), Request{Model: "scripted"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close()

	var got string
	var tokens int64
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		got += chunk.Text
		tokens += chunk.Tokens
	}
	if got != "hello world" || tokens != 3 {
		t.Fatalf("got %q (%d tokens)", got, tokens)
	}
	if usage, ok := stream.Usage(); !ok || usage != 3 {
		t.Fatalf("usage = %d, %v", usage, ok)
	}
}

func TestScriptedStreamError(t *testing.T) {
	wantErr := errors.New("backend exploded")
	p := &ScriptedProducer{
		Chunks: []Chunk{{Text: "partial", Tokens: 1}},
		Err:    wantErr,
	}
	stream, err := p.Open(context.Background(), Request{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Recv(); err != nil {
		t.Fatalf("first recv: %v", err)
	}
	if _, err := stream.Recv(); !errors.Is(err, wantErr) {
		t.Fatalf("want scripted error, got %v", err)
	}
}

func TestScriptedStreamCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &ScriptedProducer{Chunks: []Chunk{{Text: "a", Tokens: 1}, {Text: "b", Tokens: 1}}}
	stream, err := p.Open(ctx, Request{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Recv(); err != nil {
		t.Fatalf("recv: %v", err)
	}
	cancel()
	if _, err := stream.Recv(); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry("default-model", nil)
	def := &ScriptedProducer{}
	other := &ScriptedProducer{}
	reg.Register("default-model", def)
	reg.Register("claude-sonnet", other)

	p, resolved, fellBack, err := reg.Resolve("claude-sonnet")
	if err != nil || fellBack || resolved != "claude-sonnet" || p != Producer(other) {
		t.Fatalf("direct resolve: %v %v %v", resolved, fellBack, err)
	}

	p, resolved, fellBack, err = reg.Resolve("made-up-model")
	if err != nil {
		t.Fatalf("fallback resolve: %v", err)
	}
	if !fellBack || resolved != "default-model" || p != Producer(def) {
		t.Fatalf("fallback resolve: resolved=%q fellBack=%v", resolved, fellBack)
	}
}

func TestRegistryUnknownModelNoFallback(t *testing.T) {
	reg := NewRegistry("", nil)
	if _, _, _, err := reg.Resolve("anything"); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("want ErrUnknownModel, got %v", err)
	}
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		text string
		want int64
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcdefgh", 2},
	}
	for _, c := range cases {
		if got := estimateTokens(c.text); got != c.want {
			t.Fatalf("estimateTokens(%q) = %d, want %d", c.text, got, c.want)
		}
	}
}
