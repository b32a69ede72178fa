package authserver

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey int

const ctxClientID contextKey = iota

// RequestClientID returns the client the request's token was issued to,
// or "".
func RequestClientID(ctx context.Context) string {
	v, _ := ctx.Value(ctxClientID).(string)
	return v
}

// Middleware rejects requests without a valid bearer token issued by s.
// An expired or unknown token gets error="invalid_token" so clients know
// to renew.
func (s *Server) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			w.Header().Set("WWW-Authenticate", "Bearer")
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		g := s.store.ValidateToken(strings.TrimPrefix(authHeader, "Bearer "), s.opts.Now())
		if g == nil {
			s.opts.Logger.Debug("rejected bearer token", slog.String("path", r.URL.Path))
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		ctx := context.WithValue(r.Context(), ctxClientID, g.ClientID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
