/**
 * @description
 * Handler for the public recharge-request submission endpoint. Submissions
 * may be unauthenticated (the user may already be locked out of the app), so
 * the endpoint is rate limited per client IP and every field is treated as
 * untrusted input.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/velora/credit-service/internal/app"
	"github.com/velora/credit-service/internal/domain"
)

// SubmitRechargeRequestHandler records a manual top-up claim.
func (h *CreditHandlers) SubmitRechargeRequestHandler(w http.ResponseWriter, r *http.Request) {
	remoteIP := clientIP(r)
	if retryAfter, allowed := h.service.AllowRechargeSubmission(r.Context(), remoteIP); !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, codeRateLimited)
		return
	}

	var sub domain.RechargeSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		log.Printf("level=warn component=api endpoint=recharge_submit outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, codeInvalidInput)
		return
	}

	created, err := h.service.SubmitRechargeRequest(r.Context(), sub)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidInput):
			h.writeError(w, http.StatusBadRequest, codeInvalidInput)
		case errors.Is(err, app.ErrDuplicatePending):
			h.writeError(w, http.StatusTooManyRequests, codeDuplicatePending)
		default:
			log.Printf("level=error component=api endpoint=recharge_submit msg=\"submission failed\" err=%v", err)
			h.writeError(w, http.StatusInternalServerError, codeInternalError)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]string{
		"request_id": created.ID.String(),
		"status":     created.Status,
	})
}

// clientIP extracts the client address for rate limiting, preferring the
// first X-Forwarded-For hop when the service sits behind a proxy.
func clientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
