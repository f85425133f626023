/**
 * @description
 * Middleware for the administrative endpoints. Each administrator presents an
 * individual id and secret via headers; the secret is compared against the
 * bcrypt hash stored with their credential row, and the capability set on the
 * row governs which admin operations they may invoke.
 */

package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/velora/credit-service/internal/app"
	"github.com/velora/credit-service/internal/domain"
	"github.com/velora/credit-service/internal/store"
)

const (
	adminIDHeader     = "X-Admin-Id"
	adminSecretHeader = "X-Admin-Secret"
)

const adminCredentialKey IdentityContextKey = "adminCredential"

// AdminAuthMiddleware authenticates an administrator and stores the verified
// credential in the request context.
func AdminAuthMiddleware(service *app.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			adminID := strings.TrimSpace(r.Header.Get(adminIDHeader))
			secret := r.Header.Get(adminSecretHeader)
			if adminID == "" || secret == "" {
				http.Error(w, "Admin credentials required", http.StatusUnauthorized)
				return
			}

			cred, err := service.AuthenticateAdmin(r.Context(), adminID, secret)
			if err != nil {
				if errors.Is(err, store.ErrAdminNotFound) ||
					errors.Is(err, app.ErrInvalidAdminSecret) ||
					errors.Is(err, app.ErrAdminDisabled) {
					log.Printf("level=warn component=api endpoint=admin outcome=reject reason=auth_failed admin_id=%s", adminID)
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				log.Printf("level=error component=api endpoint=admin msg=\"admin authentication failed\" admin_id=%s err=%v", adminID, err)
				http.Error(w, "Unable to verify admin credentials", http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), adminCredentialKey, cred)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireCapability rejects authenticated admins whose credential does not
// carry the given capability.
func RequireCapability(capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred, ok := GetAdminCredential(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if !cred.HasCapability(capability) {
				log.Printf("level=warn component=api endpoint=admin outcome=reject reason=missing_capability admin_id=%s capability=%s", cred.AdminID, capability)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetAdminCredential retrieves the authenticated admin credential from the
// request context.
func GetAdminCredential(ctx context.Context) (*domain.AdminCredential, bool) {
	cred, ok := ctx.Value(adminCredentialKey).(*domain.AdminCredential)
	return cred, ok
}
