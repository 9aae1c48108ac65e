package credit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPLedgerReserve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/reserve" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req reserveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.OwnerID != "alice" || req.EstimatedTokens != 1000 {
			t.Errorf("request body: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(reserveResponse{ReservedAmount: 36})
	}))
	defer srv.Close()

	ledger := NewHTTPLedger(srv.URL, time.Second)
	amount, err := ledger.Reserve(context.Background(), "s1", "alice", "m", 1000)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if amount != 36 {
		t.Fatalf("want 36 got %d", amount)
	}
}

func TestHTTPLedgerInsufficientCredits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	ledger := NewHTTPLedger(srv.URL, time.Second)
	_, err := ledger.Reserve(context.Background(), "s1", "alice", "m", 1000)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("want ErrInsufficientCredits, got %v", err)
	}
}

func TestHTTPLedgerTransportErrorDenies(t *testing.T) {
	// Server is closed before the call: the transport error must deny the
	// reservation, never allow it by default.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	ledger := NewHTTPLedger(srv.URL, 500*time.Millisecond)
	_, err := ledger.Reserve(context.Background(), "s1", "alice", "m", 1000)
	if !errors.Is(err, ErrReservationDenied) {
		t.Fatalf("want ErrReservationDenied, got %v", err)
	}
}

func TestHTTPLedgerServerErrorDenies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ledger := NewHTTPLedger(srv.URL, time.Second)
	_, err := ledger.Reserve(context.Background(), "s1", "alice", "m", 1000)
	if !errors.Is(err, ErrReservationDenied) {
		t.Fatalf("want ErrReservationDenied, got %v", err)
	}
}

func TestHTTPLedgerSettle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/settle" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Settlement{SettledAmount: 24, Refund: 12})
	}))
	defer srv.Close()

	ledger := NewHTTPLedger(srv.URL, time.Second)
	st, err := ledger.Settle(context.Background(), "s1", 800, OutcomeCompleted)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if st.SettledAmount != 24 || st.Refund != 12 {
		t.Fatalf("settlement: %+v", st)
	}
}
