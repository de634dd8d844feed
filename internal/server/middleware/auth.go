package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/service"
)

type contextKeyAuth string

// SessionClaimsKey is the context key for the verified admin session.
const SessionClaimsKey contextKeyAuth = "session_claims"

// SessionVerifier checks admin session tokens.
type SessionVerifier interface {
	VerifySessionToken(token string) (*model.SessionClaims, error)
}

// Authenticate returns an HTTP middleware that requires a valid admin
// session token in the Authorization header ("Bearer <token>"). On success
// the claims are attached to the request context.
func Authenticate(sessions SessionVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				WriteError(w, http.StatusUnauthorized, "Authentication required. Provide a Bearer session token.")
				return
			}

			claims, err := sessions.VerifySessionToken(token)
			if err != nil {
				msg := "Invalid session token"
				if errors.Is(err, service.ErrSessionExpired) {
					msg = "Session expired, please log in again"
				}
				WriteError(w, http.StatusUnauthorized, msg)
				return
			}

			if info := requestInfoFrom(r.Context()); info != nil {
				info.username = claims.Username
			}
			ctx := context.WithValue(r.Context(), SessionClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission returns an HTTP middleware that admits sessions holding
// at least one of perms. full_access satisfies any check. It must be used
// after Authenticate in the middleware chain.
func RequirePermission(perms ...model.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaims(r.Context())
			if claims == nil {
				WriteError(w, http.StatusUnauthorized, "Authentication required")
				return
			}
			if !claims.Can(perms...) {
				WriteError(w, http.StatusForbidden, "Insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetClaims extracts the verified session from the context. Returns nil for
// unauthenticated requests.
func GetClaims(ctx context.Context) *model.SessionClaims {
	if c, ok := ctx.Value(SessionClaimsKey).(*model.SessionClaims); ok {
		return c
	}
	return nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(h[7:])
	return token, token != ""
}

// WriteError writes the standard error envelope.
func WriteError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{Code: status, Message: message},
	})
}
