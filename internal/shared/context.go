package shared

import (
	"context"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

type authContextKey struct{}

// ContextWithAuthorization stores the caller's authorization in context.
func ContextWithAuthorization(ctx context.Context, authz billing.AuthorizationContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, authz)
}

// AuthorizationFromContext extracts the authorization stored by the auth middleware.
func AuthorizationFromContext(ctx context.Context) (billing.AuthorizationContext, bool) {
	authz, ok := ctx.Value(authContextKey{}).(billing.AuthorizationContext)
	return authz, ok
}
