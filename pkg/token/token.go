package token

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Wire format: stream-{unixMillis}-{random}, lowercase ASCII. The random
// component is at least MinRandomLen characters of [a-z0-9].
const (
	Prefix       = "stream-"
	MinRandomLen = 8
	randomLen    = 12
)

// ErrMalformed is returned by Validate for tokens that do not match the
// grammar.
var ErrMalformed = errors.New("token: malformed correlation token")

// NowMs returns current time in milliseconds since Unix epoch. Overridable in
// tests.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Generator produces correlation tokens whose time component is monotonically
// non-decreasing per process, even if the wall clock steps backwards.
type Generator struct {
	mu     sync.Mutex
	lastMs int64
}

// NewGenerator creates a Generator.
func NewGenerator() *Generator { return &Generator{} }

// Next returns a fresh correlation token.
func (g *Generator) Next() string {
	g.mu.Lock()
	ms := NowMs()
	if ms < g.lastMs {
		ms = g.lastMs
	}
	g.lastMs = ms
	g.mu.Unlock()

	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:randomLen]
	return Prefix + strconv.FormatInt(ms, 10) + "-" + random
}

// Normalize trims surrounding whitespace and lowercases the token so that
// comparisons are byte-exact regardless of client casing.
func Normalize(tok string) string {
	return strings.ToLower(strings.TrimSpace(tok))
}

// Redact masks the random component of a token for diagnostics, keeping the
// prefix, the time component and the first two random characters so a holder
// of the real token can recognize it without the log leaking it.
func Redact(tok string) string {
	if tok == "" {
		return ""
	}
	idx := strings.LastIndexByte(tok, '-')
	if idx < 0 || idx+1 >= len(tok) {
		return "***"
	}
	random := tok[idx+1:]
	keep := 2
	if len(random) < keep {
		keep = len(random)
	}
	return tok[:idx+1] + random[:keep] + strings.Repeat("*", len(random)-keep)
}

// Validate reports whether tok (already normalized) matches the documented
// token grammar. The time component must parse as a positive millisecond
// timestamp no further than an hour into the future: a forged token with an
// arbitrary numeric middle still fails unless it looks like a plausible
// generation time.
func Validate(tok string) error {
	if !strings.HasPrefix(tok, Prefix) {
		return ErrMalformed
	}
	rest := tok[len(Prefix):]
	sep := strings.IndexByte(rest, '-')
	if sep <= 0 {
		return ErrMalformed
	}
	msPart, random := rest[:sep], rest[sep+1:]
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil || ms <= 0 {
		return ErrMalformed
	}
	if ms > NowMs()+time.Hour.Milliseconds() {
		return ErrMalformed
	}
	if len(random) < MinRandomLen {
		return ErrMalformed
	}
	for i := 0; i < len(random); i++ {
		c := random[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return ErrMalformed
		}
	}
	return nil
}
