package controllers

import "encoding/json"

type startStreamRequest struct {
	OwnerID         string `json:"ownerId"`
	ModelID         string `json:"modelId"`
	System          string `json:"system,omitempty"`
	Prompt          string `json:"prompt"`
	EstimatedTokens int64  `json:"estimatedTokens,omitempty"`
	MaxTokens       int64  `json:"maxTokens,omitempty"`
}

type finalizeRequest struct {
	SessionID        string `json:"sessionId"`
	CorrelationToken string `json:"correlationToken"`
	ActualTokens     int64  `json:"actualTokens,omitempty"`
	Aborted          bool   `json:"aborted,omitempty"`
	// CompleteResponsePayload is the assembled assistant content the caller
	// persists elsewhere; the coordinator only needs it for audit logging.
	CompleteResponsePayload json.RawMessage `json:"completeResponsePayload,omitempty"`
}

type finalizeResponse struct {
	SessionID     string `json:"sessionId"`
	Status        string `json:"status"`
	SettledAmount int64  `json:"settledAmount"`
	Refund        int64  `json:"refund"`
	Replayed      bool   `json:"replayed,omitempty"`
}

type abortRequest struct {
	SessionID        string `json:"sessionId"`
	CorrelationToken string `json:"correlationToken"`
}

type creditRequest struct {
	OwnerID string `json:"ownerId"`
	Amount  int64  `json:"amount"`
}

type errorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code,omitempty"`
	ExpectedToken string `json:"expectedToken,omitempty"`
	ReceivedToken string `json:"receivedToken,omitempty"`
}
