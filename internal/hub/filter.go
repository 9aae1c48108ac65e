package hub

import (
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// eventFilter wraps a compiled CEL program evaluated against each event
// offered to an observer. When disabled, Eval always returns true.
type eventFilter struct {
	prog    cel.Program
	enabled bool
}

func newEventFilter(expr string) (eventFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return eventFilter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("sequence", cel.IntType),
		cel.Variable("text", cel.StringType),
		cel.Variable("token_delta", cel.IntType),
		cel.Variable("total_tokens", cel.IntType),
		cel.Variable("payload", cel.DynType),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return eventFilter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return eventFilter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return eventFilter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return eventFilter{}, err
	}
	return eventFilter{prog: prog, enabled: true}, nil
}

// Eval evaluates the expression against ev. Evaluation errors fail closed.
func (f eventFilter) Eval(ev Event) bool {
	if !f.enabled {
		return true
	}
	payload := any(ev.Payload)
	if ev.Payload == nil {
		payload = map[string]any{}
	}
	out, _, err := f.prog.Eval(map[string]any{
		"kind":         string(ev.Kind),
		"sequence":     int64(ev.Sequence),
		"text":         ev.Text,
		"token_delta":  ev.TokenDelta,
		"total_tokens": ev.CumulativeTokens,
		"payload":      payload,
		"now_ms":       time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
