package shared

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

func TestAuthorizationContextRoundTrip(t *testing.T) {
	_, ok := AuthorizationFromContext(context.Background())
	require.False(t, ok)

	want := billing.AuthorizationContext{ActorID: 4, CommunityID: 2, Permissions: []string{billing.PermStatementRead}}
	got, ok := AuthorizationFromContext(ContextWithAuthorization(context.Background(), want))
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestMemoryAudit(t *testing.T) {
	audit := &MemoryAudit{}
	ctx := context.Background()

	require.Error(t, audit.Record(ctx, AuditLog{Action: "period.prepare"}))
	require.NoError(t, audit.Record(ctx, AuditLog{ActorID: 1, Action: "period.prepare", Entity: "period", EntityID: "2026-01"}))

	audit.Fail = true
	require.Error(t, audit.Record(ctx, AuditLog{Action: "period.approve", Entity: "period", EntityID: "2026-01"}))

	logs := audit.Logs()
	require.Len(t, logs, 1)
	require.Equal(t, "period.prepare", logs[0].Action)
}

func TestAuditLoggerWithoutPool(t *testing.T) {
	var logger *AuditLogger
	require.Error(t, logger.Record(context.Background(), AuditLog{Action: "a", Entity: "b", EntityID: "c"}))
}
