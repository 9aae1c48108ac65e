package token

import (
	"strings"
	"testing"
)

func TestNextMatchesGrammar(t *testing.T) {
	g := NewGenerator()
	for i := 0; i < 100; i++ {
		tok := g.Next()
		if err := Validate(tok); err != nil {
			t.Fatalf("generated token failed validation: %q: %v", tok, err)
		}
		if tok != Normalize(tok) {
			t.Fatalf("generated token not normalized: %q", tok)
		}
	}
}

func TestNextMonotonicTime(t *testing.T) {
	base := int64(1_700_000_000_000)
	now := base
	orig := NowMs
	NowMs = func() int64 { return now }
	defer func() { NowMs = orig }()

	g := NewGenerator()
	first := g.Next()
	// Clock steps backwards; time component must not regress.
	now = base - 5_000
	second := g.Next()

	msOf := func(tok string) string {
		rest := strings.TrimPrefix(tok, Prefix)
		return rest[:strings.IndexByte(rest, '-')]
	}
	if msOf(second) < msOf(first) {
		t.Fatalf("time component regressed: %s then %s", first, second)
	}
}

func TestValidateRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"stream-",
		"stream-abc-deadbeef00",
		"stream-1700000000000-short",            // random too short
		"stream-1700000000000-DEADBEEF0000",     // uppercase
		"chat-1700000000000-deadbeef0000",       // wrong prefix
		"stream-99999999999999999-deadbeef0000", // implausible timestamp
		"stream--deadbeef0000",
	}
	for _, c := range cases {
		if err := Validate(c); err == nil {
			t.Fatalf("expected %q to be rejected", c)
		}
	}
}

func TestValidateAcceptsWellFormed(t *testing.T) {
	if err := Validate("stream-1700000000000-a1b2c3d4e5f6"); err != nil {
		t.Fatalf("expected token to validate: %v", err)
	}
}

func TestNormalize(t *testing.T) {
	got := Normalize("  Stream-1700000000000-A1B2C3D4E5F6\n")
	want := "stream-1700000000000-a1b2c3d4e5f6"
	if got != want {
		t.Fatalf("normalize: want %q got %q", want, got)
	}
}

func TestRedact(t *testing.T) {
	got := Redact("stream-1700000000000-a1b2c3d4e5f6")
	want := "stream-1700000000000-a1**********"
	if got != want {
		t.Fatalf("redact: want %q got %q", want, got)
	}
	if Redact("") != "" {
		t.Fatalf("redact of empty token must be empty")
	}
	if Redact("garbage") != "***" {
		t.Fatalf("redact of unstructured token must be fully masked")
	}
}
