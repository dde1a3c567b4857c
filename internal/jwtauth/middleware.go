package jwtauth

import (
	"context"
	"log"
	"net/http"
	"strings"

	"crosslock/pkg/domerrors"
	"crosslock/pkg/platform/httputil"
)

type contextKeyClientID struct{}

// ContextKeyClientID is exported for use in handlers.
var ContextKeyClientID = contextKeyClientID{}

// GetClientID retrieves the authenticated client ID from the context.
func GetClientID(ctx context.Context) string {
	clientID, ok := ctx.Value(ContextKeyClientID).(string)
	if !ok {
		return ""
	}
	return clientID
}

// RequireAuth rejects requests without a valid bearer token and stores the
// authenticated client ID on the request context.
func RequireAuth(svc *Service, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok {
				httputil.WriteError(w, domerrors.New(domerrors.CodeUnauthorized, "missing or invalid Authorization header"))
				return
			}
			claims, err := svc.ValidateToken(token)
			if err != nil {
				logger.Printf("unauthorized request to %s: %v", r.URL.Path, err)
				httputil.WriteError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), ContextKeyClientID, claims.ClientID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
