package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/skeinlabs/skein/internal/coordinator"
	"github.com/skeinlabs/skein/internal/credit"
	"github.com/skeinlabs/skein/internal/hub"
	"github.com/skeinlabs/skein/internal/metrics"
	"github.com/skeinlabs/skein/internal/producer"
	"github.com/skeinlabs/skein/internal/session"
	pebblestore "github.com/skeinlabs/skein/internal/storage/pebble"
)

func newServerForTest(t *testing.T) (*Server, *session.Store) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	rates := credit.NewRateTable(map[string]int64{"m": 30}, 1, 20)
	ledger, err := credit.NewLocalLedger(db, rates, nil, credit.LocalLedgerOptions{
		InitialCredits:     1000,
		ReservationTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	store := session.NewStore(db, nil)
	resolver := session.NewResolver(store, 3, time.Millisecond)
	h := hub.New(hub.Options{}, nil, nil)
	reg := producer.NewRegistry("m", nil)
	reg.Register("m", &producer.ScriptedProducer{Chunks: []producer.Chunk{
		{Text: "hello ", Tokens: 400},
		{Text: "world", Tokens: 400},
	}})
	m := metrics.New()
	coord := coordinator.New(store, resolver, ledger, rates, h, reg, m, nil, coordinator.Options{StreamTimeout: time.Minute})

	return New(Options{Coordinator: coord, Accounts: ledger, Metrics: m}), store
}

func TestHealthHandler(t *testing.T) {
	s, _ := newServerForTest(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestStartStreamSSE(t *testing.T) {
	s, _ := newServerForTest(t)
	body := `{"ownerId":"alice","modelId":"m","prompt":"hi","estimatedTokens":1000}`
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/start", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type: %q", got)
	}
	tok := w.Header().Get("X-Stream-Token")
	if !strings.HasPrefix(tok, "stream-") {
		t.Fatalf("token header: %q", tok)
	}
	if w.Header().Get("X-Session-Id") == "" {
		t.Fatalf("missing session id header")
	}

	out := w.Body.String()
	for _, frame := range []string{"event: model", "event: chunk", "event: complete"} {
		if !strings.Contains(out, frame) {
			t.Fatalf("missing %q in stream output:\n%s", frame, out)
		}
	}
	if !strings.Contains(out, `"totalTokens":800`) {
		t.Fatalf("missing cumulative token count:\n%s", out)
	}
}

func TestObserveUnknownSession(t *testing.T) {
	s, _ := newServerForTest(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/observe?session=nope", nil)
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status: %d", w.Code)
	}
	var resp struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Code != "SessionUnavailable" {
		t.Fatalf("body: %s", w.Body.String())
	}
}

func TestObserveAfterCompletionReplays(t *testing.T) {
	s, _ := newServerForTest(t)

	start := httptest.NewRequest(http.MethodPost, "/v1/sessions/start",
		strings.NewReader(`{"ownerId":"alice","modelId":"m","prompt":"hi","estimatedTokens":1000}`))
	sw := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(sw, start)
	sessionID := sw.Header().Get("X-Session-Id")

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/observe?session="+sessionID, nil)
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}
	out := w.Body.String()
	if !strings.Contains(out, "buffered_replay") {
		t.Fatalf("missing buffered replay notice:\n%s", out)
	}
	if !strings.Contains(out, "event: complete") {
		t.Fatalf("missing terminal notification:\n%s", out)
	}
}

func TestFinalizeMismatchEchoesTokens(t *testing.T) {
	s, _ := newServerForTest(t)

	start := httptest.NewRequest(http.MethodPost, "/v1/sessions/start",
		strings.NewReader(`{"ownerId":"alice","modelId":"m","prompt":"hi","estimatedTokens":1000}`))
	sw := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(sw, start)
	sessionID := sw.Header().Get("X-Session-Id")

	body := `{"sessionId":"` + sessionID + `","correlationToken":"stream-1756700000000-zzzzzzzzzzzz"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/finalize", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Code          string `json:"code"`
		ExpectedToken string `json:"expectedToken"`
		ReceivedToken string `json:"receivedToken"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != "CorrelationMismatch" {
		t.Fatalf("code: %q", resp.Code)
	}
	if !strings.Contains(resp.ExpectedToken, "*") {
		t.Fatalf("expected token must be redacted: %q", resp.ExpectedToken)
	}
	if resp.ReceivedToken != "stream-1756700000000-zzzzzzzzzzzz" {
		t.Fatalf("received token: %q", resp.ReceivedToken)
	}
}

func TestFinalizeWithRealToken(t *testing.T) {
	s, store := newServerForTest(t)

	start := httptest.NewRequest(http.MethodPost, "/v1/sessions/start",
		strings.NewReader(`{"ownerId":"alice","modelId":"m","prompt":"hi","estimatedTokens":1000}`))
	sw := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(sw, start)
	sessionID := sw.Header().Get("X-Session-Id")
	token := sw.Header().Get("X-Stream-Token")

	// The stream is over, but the pump's settlement write can land a beat
	// after the SSE body closes.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := store.Get(sessionID)
		if err == nil && rec.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never settled: %+v %v", rec, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	body := `{"sessionId":"` + sessionID + `","correlationToken":"` + token + `","actualTokens":800}`
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/finalize", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Status        string `json:"status"`
		SettledAmount int64  `json:"settledAmount"`
		Refund        int64  `json:"refund"`
		Replayed      bool   `json:"replayed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "completed" || !resp.Replayed {
		t.Fatalf("unexpected finalize response: %+v", resp)
	}
	if resp.SettledAmount != 24 || resp.Refund != 12 {
		t.Fatalf("settlement: %+v", resp)
	}
}

func TestAccountCreditAndBalance(t *testing.T) {
	s, _ := newServerForTest(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/accounts/credit",
		strings.NewReader(`{"ownerId":"bob","amount":500}`))
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("credit status: %d body: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/accounts/balance?owner=bob", nil)
	w = httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("balance status: %d", w.Code)
	}
	var resp struct {
		Balance int64 `json:"balance"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Balance != 1500 {
		t.Fatalf("balance: %d", resp.Balance)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newServerForTest(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "skein_sessions_started_total") {
		t.Fatalf("metrics output missing session counter")
	}
}
