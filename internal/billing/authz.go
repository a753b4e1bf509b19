package billing

import "fmt"

// Permissions recognised by the ledger services.
const (
	PermAllocationRecompute = "ledger.allocation.recompute"
	PermPeriodTransition    = "ledger.period.transition"
	PermPeriodOpen          = "ledger.period.open"
	PermPaymentApply        = "ledger.payment.apply"
	PermPaymentReapply      = "ledger.payment.reapply"
	PermOpeningImport       = "ledger.opening.import"
	PermStatementRead       = "ledger.statement.read"
	PermAll                 = "ledger.*"
)

// AuthorizationContext is the caller identity handed to every service call.
// CommunityID zero grants access to every community (system jobs).
type AuthorizationContext struct {
	ActorID     int64
	CommunityID int64
	Permissions []string
}

// SystemContext returns the context used by background jobs.
func SystemContext() AuthorizationContext {
	return AuthorizationContext{Permissions: []string{PermAll}}
}

// Can reports whether the permission is granted.
func (a AuthorizationContext) Can(perm string) bool {
	for _, p := range a.Permissions {
		if p == perm || p == PermAll {
			return true
		}
	}
	return false
}

// Require checks the permission and community scope.
func (a AuthorizationContext) Require(perm string, communityID int64) error {
	if !a.Can(perm) {
		return fmt.Errorf("%w: missing %s", ErrForbidden, perm)
	}
	if a.CommunityID != 0 && communityID != 0 && a.CommunityID != communityID {
		return fmt.Errorf("%w: community %d outside scope", ErrForbidden, communityID)
	}
	return nil
}
