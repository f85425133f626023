/**
 * @description
 * This file contains the HTTP handlers for the authenticated ledger endpoints:
 * the consumption gate (charge) and the balance read projection. Handlers
 * parse the request, resolve the caller's account through the service, call
 * the appropriate business method, and map errors to machine-readable codes
 * so callers can route blocked users toward the recharge workflow.
 *
 * @dependencies
 * - encoding/json, errors, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/velora/credit-service/internal/app"
	"github.com/velora/credit-service/internal/domain"
	"github.com/velora/credit-service/internal/store"
)

// Machine-readable error codes returned in the `error` field.
const (
	codeInvalidAmount         = "invalid_amount"
	codeInvalidAction         = "invalid_action"
	codeInsufficientCredits   = "insufficient_credits"
	codeInvalidChangeAmount   = "invalid_change_amount"
	codeMissingUserIdentifier = "missing_user_identifier"
	codeUserNotFound          = "user_not_found"
	codeRequestNotFound       = "request_not_found"
	codeRequestNotPending     = "request_not_pending"
	codeInvalidInput          = "invalid_input"
	codeDuplicatePending      = "duplicate_pending"
	codeRateLimited           = "rate_limited"
	codeInternalError         = "internal_error"
)

// CreditHandlers holds the application service that handlers will use.
type CreditHandlers struct {
	service *app.Service
}

// NewCreditHandlers creates a new instance of CreditHandlers.
func NewCreditHandlers(service *app.Service) *CreditHandlers {
	return &CreditHandlers{service: service}
}

// chargeResponse mirrors the shape consumed by the surrounding application.
type chargeResponse struct {
	TransactionID    string `json:"transaction_id"`
	CreditsRemaining int64  `json:"credits_remaining"`
	Blocked          bool   `json:"blocked"`
	Replayed         bool   `json:"replayed,omitempty"`
}

// resolveCaller maps the verified identity on the request to an internal
// account, provisioning one on first contact. It writes the error response
// itself and returns nil when resolution fails.
func (h *CreditHandlers) resolveCaller(w http.ResponseWriter, r *http.Request) *domain.Account {
	identity, ok := GetCallerIdentity(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, codeInternalError)
		return nil
	}

	account, err := h.service.ResolveAccount(r.Context(), identity)
	if err != nil {
		if errors.Is(err, app.ErrMissingUserIdentifier) || errors.Is(err, store.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, codeUserNotFound)
			return nil
		}
		log.Printf("level=error component=api endpoint=resolve msg=\"account resolution failed\" external_id=%s err=%v", identity.ExternalID, err)
		h.writeError(w, http.StatusInternalServerError, codeInternalError)
		return nil
	}
	return account
}

// ChargeHandler handles requests to debit credits for a billable action.
func (h *CreditHandlers) ChargeHandler(w http.ResponseWriter, r *http.Request) {
	account := h.resolveCaller(w, r)
	if account == nil {
		return
	}

	var req domain.ChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=charge outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, codeInvalidInput)
		return
	}

	result, err := h.service.Charge(r.Context(), account.ID, req)
	if err != nil {
		h.writeChargeError(w, account.ID, err)
		return
	}

	h.writeJSON(w, http.StatusOK, chargeResponse{
		TransactionID:    result.TransactionID.String(),
		CreditsRemaining: result.CreditsRemaining,
		Blocked:          result.Blocked,
		Replayed:         result.Replayed,
	})
}

func (h *CreditHandlers) writeChargeError(w http.ResponseWriter, accountID uuid.UUID, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidAmount):
		h.writeError(w, http.StatusBadRequest, codeInvalidAmount)
	case errors.Is(err, app.ErrInvalidAction):
		h.writeError(w, http.StatusBadRequest, codeInvalidAction)
	case errors.Is(err, store.ErrInsufficientCredits):
		h.writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"error":   codeInsufficientCredits,
			"blocked": true,
		})
	case errors.Is(err, store.ErrAccountNotFound):
		h.writeError(w, http.StatusNotFound, codeUserNotFound)
	default:
		log.Printf("level=error component=api endpoint=charge msg=\"charge failed\" account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusInternalServerError, codeInternalError)
	}
}

// BalanceHandler returns the read-only balance projection for the caller.
func (h *CreditHandlers) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	account := h.resolveCaller(w, r)
	if account == nil {
		return
	}

	projection, err := h.service.Balance(r.Context(), account.ID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, codeUserNotFound)
			return
		}
		log.Printf("level=error component=api endpoint=balance msg=\"balance read failed\" account_id=%s err=%v", account.ID, err)
		h.writeError(w, http.StatusInternalServerError, codeInternalError)
		return
	}

	h.writeJSON(w, http.StatusOK, projection)
}

// TransactionsHandler returns a page of the caller's ledger history.
func (h *CreditHandlers) TransactionsHandler(w http.ResponseWriter, r *http.Request) {
	account := h.resolveCaller(w, r)
	if account == nil {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	records, err := h.service.Transactions(r.Context(), account.ID, limit, offset)
	if err != nil {
		log.Printf("level=error component=api endpoint=transactions msg=\"history read failed\" account_id=%s err=%v", account.ID, err)
		h.writeError(w, http.StatusInternalServerError, codeInternalError)
		return
	}
	if records == nil {
		records = []domain.TransactionRecord{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": records})
}

// writeJSON is a helper for writing JSON responses.
func (h *CreditHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *CreditHandlers) writeError(w http.ResponseWriter, status int, code string) {
	h.writeJSON(w, status, map[string]string{"error": code})
}
