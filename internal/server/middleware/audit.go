package middleware

import (
	"context"
	"net/http"

	"github.com/keygatehq/keygate/internal/model"
)

// AccessLogger records access attempts.
type AccessLogger interface {
	LogAccess(ctx context.Context, e model.AccessLogEntry)
}

// AuditAccess records every request made with a verified admin session.
// Entries inherit the session's hidden flag. It must be used after
// Authenticate.
func AuditAccess(audit AccessLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := wrapWriter(w)
			next.ServeHTTP(ww, r)

			claims := GetClaims(r.Context())
			if claims == nil {
				return
			}
			audit.LogAccess(r.Context(), model.AccessLogEntry{
				UserType:   model.UserAdmin,
				Identifier: claims.Username,
				Endpoint:   r.URL.Path,
				Method:     r.Method,
				StatusCode: ww.status,
				IPAddress:  ClientIP(r),
				UserAgent:  r.UserAgent(),
				HiddenMode: claims.Hidden,
			})
		})
	}
}
