package integration

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newGate(t *testing.T) (*TemplatesGate, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTemplatesGate(client), mr
}

func TestTemplatesClosed(t *testing.T) {
	ctx := context.Background()
	gate, mr := newGate(t)

	closed, err := gate.TemplatesClosed(ctx, 1, "2026-01")
	require.NoError(t, err)
	require.True(t, closed, "no templates")

	require.NoError(t, gate.SetTemplateStatus(ctx, 1, "2026-01", "water", "closed"))
	mr.HSet(gate.Key(1, "2026-01"), "cleaning", "OPEN")
	closed, err = gate.TemplatesClosed(ctx, 1, "2026-01")
	require.NoError(t, err)
	require.False(t, closed)

	require.NoError(t, gate.SetTemplateStatus(ctx, 1, "2026-01", "cleaning", "CLOSED"))
	closed, err = gate.TemplatesClosed(ctx, 1, "2026-01")
	require.NoError(t, err)
	require.True(t, closed)
	require.Equal(t, "CLOSED", mr.HGet("ledger:templates:1:2026-01", "water"))

	closed, err = gate.TemplatesClosed(ctx, 2, "2026-01")
	require.NoError(t, err)
	require.True(t, closed, "communities are isolated")
}

func TestTemplatesClosedReportsRedisErrors(t *testing.T) {
	gate, mr := newGate(t)
	mr.Close()
	_, err := gate.TemplatesClosed(context.Background(), 1, "2026-01")
	require.Error(t, err)
}
