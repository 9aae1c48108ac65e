package credit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPLedger implements Ledger against an external ledger service speaking
// the reserve/settle/abort wire contract. Transport errors deny the
// operation: there is no permissive fallback.
type HTTPLedger struct {
	baseURL string
	client  *http.Client
}

// NewHTTPLedger builds a client for the ledger at baseURL.
func NewHTTPLedger(baseURL string, timeout time.Duration) *HTTPLedger {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPLedger{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type reserveRequest struct {
	SessionID       string `json:"sessionId"`
	OwnerID         string `json:"ownerId"`
	ModelID         string `json:"modelId"`
	EstimatedTokens int64  `json:"estimatedTokens"`
}

type reserveResponse struct {
	ReservedAmount int64 `json:"reservedAmount"`
}

type settleRequest struct {
	SessionID    string `json:"sessionId"`
	ActualTokens int64  `json:"actualTokens"`
	Outcome      string `json:"outcome"`
}

type abortRequest struct {
	SessionID       string `json:"sessionId"`
	TokensGenerated int64  `json:"tokensGenerated"`
}

// Reserve implements Ledger.
func (h *HTTPLedger) Reserve(ctx context.Context, sessionID, ownerID, modelID string, estimatedTokens int64) (int64, error) {
	var resp reserveResponse
	status, err := h.post(ctx, "/reserve", reserveRequest{
		SessionID: sessionID, OwnerID: ownerID, ModelID: modelID, EstimatedTokens: estimatedTokens,
	}, &resp)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrReservationDenied, err)
	}
	switch {
	case status == http.StatusPaymentRequired:
		return 0, ErrInsufficientCredits
	case status != http.StatusOK:
		return 0, fmt.Errorf("%w: ledger returned status %d", ErrReservationDenied, status)
	}
	return resp.ReservedAmount, nil
}

// Settle implements Ledger.
func (h *HTTPLedger) Settle(ctx context.Context, sessionID string, actualTokens int64, outcome Outcome) (Settlement, error) {
	var resp Settlement
	status, err := h.post(ctx, "/settle", settleRequest{
		SessionID: sessionID, ActualTokens: actualTokens, Outcome: string(outcome),
	}, &resp)
	if err != nil {
		return Settlement{}, err
	}
	if status == http.StatusNotFound {
		return Settlement{}, ErrUnknownReservation
	}
	if status != http.StatusOK {
		return Settlement{}, fmt.Errorf("credit: ledger settle returned status %d", status)
	}
	return resp, nil
}

// Abort implements Ledger.
func (h *HTTPLedger) Abort(ctx context.Context, sessionID string, tokensGenerated int64) (Settlement, error) {
	var resp Settlement
	status, err := h.post(ctx, "/abort", abortRequest{
		SessionID: sessionID, TokensGenerated: tokensGenerated,
	}, &resp)
	if err != nil {
		return Settlement{}, err
	}
	if status == http.StatusNotFound {
		return Settlement{}, ErrUnknownReservation
	}
	if status != http.StatusOK {
		return Settlement{}, fmt.Errorf("credit: ledger abort returned status %d", status)
	}
	return resp, nil
}

func (h *HTTPLedger) post(ctx context.Context, path string, body any, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}
