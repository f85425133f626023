/**
 * @description
 * Handlers for the administrative endpoints: signed balance adjustment
 * (optionally fulfilling a cited recharge request in the same transaction),
 * the pending-request review queue, and explicit rejection. All of them sit
 * behind AdminAuthMiddleware plus a per-endpoint capability check.
 *
 * @dependencies
 * - encoding/json, errors, log, net/http, strconv: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For URL parameter extraction.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/velora/credit-service/internal/app"
	"github.com/velora/credit-service/internal/domain"
	"github.com/velora/credit-service/internal/store"
)

type adminAdjustResponse struct {
	Account       domain.Account `json:"account"`
	TransactionID string         `json:"transaction_id"`
}

// AdminAdjustHandler applies a signed balance correction to a target account.
func (h *CreditHandlers) AdminAdjustHandler(w http.ResponseWriter, r *http.Request) {
	cred, ok := GetAdminCredential(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, codeInternalError)
		return
	}

	var req domain.AdminAdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=admin_adjust outcome=reject reason=invalid_json admin_id=%s err=%v", cred.AdminID, err)
		h.writeError(w, http.StatusBadRequest, codeInvalidInput)
		return
	}

	result, err := h.service.AdminAdjust(r.Context(), cred.AdminID, req)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidChangeAmount):
			h.writeError(w, http.StatusBadRequest, codeInvalidChangeAmount)
		case errors.Is(err, app.ErrMissingUserIdentifier):
			h.writeError(w, http.StatusBadRequest, codeMissingUserIdentifier)
		case errors.Is(err, store.ErrAccountNotFound):
			h.writeError(w, http.StatusNotFound, codeUserNotFound)
		case errors.Is(err, store.ErrRechargeRequestNotFound):
			h.writeError(w, http.StatusNotFound, codeRequestNotFound)
		case errors.Is(err, store.ErrRechargeRequestNotPending):
			h.writeError(w, http.StatusConflict, codeRequestNotPending)
		default:
			log.Printf("level=error component=api endpoint=admin_adjust msg=\"adjustment failed\" admin_id=%s err=%v", cred.AdminID, err)
			h.writeError(w, http.StatusInternalServerError, codeInternalError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, adminAdjustResponse{
		Account:       result.Account,
		TransactionID: result.Record.ID.String(),
	})
}

// ListPendingRechargeRequestsHandler returns the review queue in submission order.
func (h *CreditHandlers) ListPendingRechargeRequestsHandler(w http.ResponseWriter, r *http.Request) {
	opts := store.RechargeListOptions{}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			opts.Limit = parsed
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			opts.Offset = parsed
		}
	}

	requests, err := h.service.ListPendingRechargeRequests(r.Context(), opts)
	if err != nil {
		log.Printf("level=error component=api endpoint=admin_recharge_list msg=\"listing failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, codeInternalError)
		return
	}
	if requests == nil {
		requests = []domain.RechargeRequest{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"requests": requests})
}

// GetRechargeRequestHandler returns one request, whatever its state, so an
// administrator can inspect already-resolved submissions.
func (h *CreditHandlers) GetRechargeRequestHandler(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusNotFound, codeRequestNotFound)
		return
	}

	request, err := h.service.GetRechargeRequest(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, store.ErrRechargeRequestNotFound) {
			h.writeError(w, http.StatusNotFound, codeRequestNotFound)
			return
		}
		log.Printf("level=error component=api endpoint=admin_recharge_get msg=\"lookup failed\" request_id=%s err=%v", requestID, err)
		h.writeError(w, http.StatusInternalServerError, codeInternalError)
		return
	}

	h.writeJSON(w, http.StatusOK, request)
}

// RejectRechargeRequestHandler marks a pending request rejected.
func (h *CreditHandlers) RejectRechargeRequestHandler(w http.ResponseWriter, r *http.Request) {
	cred, ok := GetAdminCredential(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, codeInternalError)
		return
	}

	requestID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusNotFound, codeRequestNotFound)
		return
	}

	var body struct {
		Note string `json:"note"`
	}
	if r.Body != nil {
		// An empty body is fine; the note is optional.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	rejected, err := h.service.RejectRechargeRequest(r.Context(), cred.AdminID, requestID, body.Note)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrRechargeRequestNotFound):
			h.writeError(w, http.StatusNotFound, codeRequestNotFound)
		case errors.Is(err, store.ErrRechargeRequestNotPending):
			h.writeError(w, http.StatusConflict, codeRequestNotPending)
		default:
			log.Printf("level=error component=api endpoint=admin_recharge_reject msg=\"rejection failed\" admin_id=%s request_id=%s err=%v", cred.AdminID, requestID, err)
			h.writeError(w, http.StatusInternalServerError, codeInternalError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, rejected)
}
