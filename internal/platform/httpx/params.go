package httpx

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
	"github.com/odyssey-erp/condo-ledger/internal/shared"
)

// IDParam parses a positive int64 chi URL parameter.
func IDParam(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", ErrBadRequest, name, raw)
	}
	return id, nil
}

// Authorization returns the caller authorization installed by the auth middleware.
func Authorization(r *http.Request) (billing.AuthorizationContext, error) {
	authz, ok := shared.AuthorizationFromContext(r.Context())
	if !ok {
		return billing.AuthorizationContext{}, ErrUnauthorized
	}
	return authz, nil
}
