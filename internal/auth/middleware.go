package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/condo-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/condo-ledger/internal/shared"
)

// Middleware authenticates bearer tokens and stores the caller
// authorization in the request context.
type Middleware struct {
	secret []byte
	logger *slog.Logger
	skip   map[string]struct{}
}

// NewMiddleware constructs a Middleware. Requests to skip paths pass
// through unauthenticated.
func NewMiddleware(secret []byte, logger *slog.Logger, skip ...string) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Middleware{secret: secret, logger: logger, skip: make(map[string]struct{}, len(skip))}
	for _, p := range skip {
		m.skip[p] = struct{}{}
	}
	return m
}

// Wrap returns the authenticating handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := m.skip[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			httpx.Problem(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized), "missing bearer token")
			return
		}
		claims, err := ParseJWT(token, m.secret)
		if err != nil {
			m.logger.Warn("rejected token", slog.String("path", r.URL.Path), slog.Any("error", err))
			httpx.Problem(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized), "invalid token")
			return
		}
		ctx := shared.ContextWithAuthorization(r.Context(), claims.Authorization())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
