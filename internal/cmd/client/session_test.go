package client

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestReadSSEParsesFrames(t *testing.T) {
	input := "event: model\ndata: {\"modelId\":\"m\"}\n\n" +
		"event: chunk\ndata: {\"text\":\"hi\"}\n\n"

	var frames []sseFrame
	err := readSSE(strings.NewReader(input), func(f sseFrame) error {
		frames = append(frames, f)
		return nil
	})
	if err != nil {
		t.Fatalf("readSSE: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Event != "model" || frames[1].Event != "chunk" {
		t.Fatalf("unexpected events: %+v", frames)
	}
	if string(frames[1].Data) != `{"text":"hi"}` {
		t.Fatalf("unexpected data: %s", frames[1].Data)
	}
}

func TestObserveCommandPrintsFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sessions/observe" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("session"); got != "s-1" {
			t.Errorf("session query = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: complete\ndata: {\"status\":\"completed\"}\n\n"))
	}))
	defer srv.Close()

	cmd := NewSessionCommand(func() string { return srv.URL })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"observe", "--session", "s-1"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("observe: %v", err)
	}

	var frame sseFrame
	if err := json.Unmarshal(out.Bytes(), &frame); err != nil {
		t.Fatalf("output not JSON: %v (%s)", err, out.String())
	}
	if frame.Event != "complete" {
		t.Fatalf("event = %q", frame.Event)
	}
}

func TestFinalizeCommandSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"correlation token mismatch","code":"CorrelationMismatch"}`))
	}))
	defer srv.Close()

	cmd := NewSessionCommand(func() string { return srv.URL })
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"finalize", "--session", "s-1", "--token", "bogus"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "CorrelationMismatch") {
		t.Fatalf("expected CorrelationMismatch error, got %v", err)
	}
}

func TestAccountBalanceCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/accounts/balance" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ownerId":"alice","balance":1500}`))
	}))
	defer srv.Close()

	cmd := NewAccountCommand(func() string { return srv.URL })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"balance", "--owner", "alice"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !strings.Contains(out.String(), `"balance":1500`) {
		t.Fatalf("unexpected output: %s", out.String())
	}
}
