package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/skeinlabs/skein/internal/credit"
)

// AccountsController exposes balance lookup and top-up for the embedded
// ledger. When the process runs against an external ledger these endpoints
// report 501.
type AccountsController struct {
	accounts *credit.LocalLedger
}

// NewAccountsController creates an accounts controller. accounts may be nil.
func NewAccountsController(accounts *credit.LocalLedger) *AccountsController {
	return &AccountsController{accounts: accounts}
}

// RegisterRoutes registers the account endpoints.
func (c *AccountsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/accounts/balance", c.handleBalance)
	mux.HandleFunc("/v1/accounts/credit", c.handleCredit)
}

func (c *AccountsController) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if c.accounts == nil {
		writeError(w, http.StatusNotImplemented, errorResponse{Error: "accounts are managed by an external ledger"})
		return
	}
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "owner is required"})
		return
	}
	balance, err := c.accounts.Balance(owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ownerId": owner, "balance": balance})
}

func (c *AccountsController) handleCredit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if c.accounts == nil {
		writeError(w, http.StatusNotImplemented, errorResponse{Error: "accounts are managed by an external ledger"})
		return
	}
	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.OwnerID == "" || req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "ownerId and a positive amount are required"})
		return
	}
	balance, err := c.accounts.Credit(req.OwnerID, req.Amount)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ownerId": req.OwnerID, "balance": balance})
}
