package controllers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/skeinlabs/skein/internal/coordinator"
	"github.com/skeinlabs/skein/internal/credit"
	"github.com/skeinlabs/skein/internal/hub"
	"github.com/skeinlabs/skein/internal/producer"
	"github.com/skeinlabs/skein/internal/session"
	logpkg "github.com/skeinlabs/skein/pkg/log"
	tokenpkg "github.com/skeinlabs/skein/pkg/token"
)

// SessionsController handles the streaming session surface: start (SSE),
// observe (SSE), finalize, abort and record lookup.
type SessionsController struct {
	coord  *coordinator.Coordinator
	logger logpkg.Logger
}

// NewSessionsController creates a sessions controller.
func NewSessionsController(coord *coordinator.Coordinator, logger logpkg.Logger) *SessionsController {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &SessionsController{coord: coord, logger: logger.With(logpkg.Component("http.sessions"))}
}

// RegisterRoutes registers the session endpoints.
func (c *SessionsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/sessions/start", c.handleStart)
	mux.HandleFunc("/v1/sessions/observe", c.handleObserve)
	mux.HandleFunc("/v1/sessions/finalize", c.handleFinalize)
	mux.HandleFunc("/v1/sessions/abort", c.handleAbort)
	mux.HandleFunc("/v1/sessions/get", c.handleGet)
}

// handleStart opens a stream and plays it to the caller as SSE. The session
// id and correlation token travel in response headers so the client has them
// before the first frame.
func (c *SessionsController) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req startStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	res, err := c.coord.StartStream(r.Context(), coordinator.StartRequest{
		OwnerID:         req.OwnerID,
		ModelID:         req.ModelID,
		System:          req.System,
		Prompt:          req.Prompt,
		EstimatedTokens: req.EstimatedTokens,
		MaxTokens:       req.MaxTokens,
	})
	if err != nil {
		switch {
		case errors.Is(err, credit.ErrInsufficientCredits):
			writeError(w, http.StatusPaymentRequired, errorResponse{Error: "insufficient credits", Code: "InsufficientCredits"})
		case errors.Is(err, credit.ErrReservationDenied):
			writeError(w, http.StatusServiceUnavailable, errorResponse{Error: "credit reservation denied", Code: "ReservationDenied"})
		case errors.Is(err, producer.ErrUnknownModel):
			writeError(w, http.StatusBadRequest, errorResponse{Error: "unknown model", Code: "UnknownModel"})
		default:
			writeError(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		}
		return
	}

	w.Header().Set("X-Session-Id", res.SessionID)
	w.Header().Set("X-Stream-Token", res.Token)
	sse := newSSEWriter(w)
	w.WriteHeader(http.StatusOK)
	sse.flush()

	// A client disconnect detaches the primary subscription only; the
	// producer keeps running so the session settles its real usage.
	pipe(r, sse, res.Events)
}

func (c *SessionsController) handleObserve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	sessionID := q.Get("session")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "session is required"})
		return
	}
	observerID := q.Get("observer")
	if observerID == "" {
		observerID = uuid.NewString()
	}

	sub, err := c.coord.Observe(sessionID, observerID, q.Get("filter"))
	if err != nil {
		if errors.Is(err, hub.ErrSessionUnavailable) {
			writeError(w, http.StatusNotFound, errorResponse{Error: "session unavailable", Code: "SessionUnavailable"})
			return
		}
		writeError(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	sse := newSSEWriter(w)
	w.WriteHeader(http.StatusOK)
	sse.flush()
	pipe(r, sse, sub)
}

func (c *SessionsController) handleFinalize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.SessionID == "" || req.CorrelationToken == "" {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "sessionId and correlationToken are required"})
		return
	}
	if len(req.CompleteResponsePayload) > 0 {
		c.logger.Debug("finalize carried response payload",
			logpkg.Str("session", req.SessionID),
			logpkg.Int("bytes", len(req.CompleteResponsePayload)),
		)
	}

	res, err := c.coord.Finalize(r.Context(), coordinator.FinalizeRequest{
		SessionID:        req.SessionID,
		CorrelationToken: req.CorrelationToken,
		ActualTokens:     req.ActualTokens,
		Aborted:          req.Aborted,
	})
	if err != nil {
		var ce *coordinator.CorrelationError
		switch {
		case errors.As(err, &ce):
			writeError(w, http.StatusBadRequest, errorResponse{
				Error:         "correlation token mismatch",
				Code:          "CorrelationMismatch",
				ExpectedToken: ce.Expected,
				ReceivedToken: ce.Received,
			})
		case errors.Is(err, session.ErrNotFound):
			writeError(w, http.StatusNotFound, errorResponse{Error: "session not found", Code: "SessionNotFound"})
		default:
			writeError(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		}
		return
	}

	writeJSON(w, http.StatusOK, finalizeResponse{
		SessionID:     res.Record.ID,
		Status:        string(res.Record.Status),
		SettledAmount: res.Settlement.SettledAmount,
		Refund:        res.Settlement.Refund,
		Replayed:      res.Replayed,
	})
}

func (c *SessionsController) handleAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req abortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if err := c.coord.Abort(r.Context(), req.SessionID, req.CorrelationToken); err != nil {
		switch {
		case errors.Is(err, session.ErrCorrelationMismatch):
			writeError(w, http.StatusBadRequest, errorResponse{Error: "correlation token mismatch", Code: "CorrelationMismatch"})
		case errors.Is(err, session.ErrNotFound):
			writeError(w, http.StatusNotFound, errorResponse{Error: "session not found", Code: "SessionNotFound"})
		default:
			writeError(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *SessionsController) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "session is required"})
		return
	}
	rec, err := c.coord.Get(sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, errorResponse{Error: "session not found", Code: "SessionNotFound"})
			return
		}
		writeError(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	// The correlation token never leaves the start response in the clear.
	rec.Token = tokenpkg.Redact(rec.Token)
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, body errorResponse) {
	writeJSON(w, status, body)
}
