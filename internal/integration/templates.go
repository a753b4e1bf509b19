// Package integration adapts external collaborators of the ledger.
package integration

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// TemplateClosed is the status every template field must carry before a
// period may be prepared.
const TemplateClosed = "CLOSED"

// TemplatesGate reads entry template statuses from a Redis hash keyed
// ledger:templates:<community>:<period>, one field per template.
type TemplatesGate struct {
	client redis.Cmdable
	prefix string
}

// NewTemplatesGate constructs a gate over the given client.
func NewTemplatesGate(client redis.Cmdable) *TemplatesGate {
	return &TemplatesGate{client: client, prefix: "ledger:templates"}
}

// Key returns the hash key for a period.
func (g *TemplatesGate) Key(communityID int64, periodCode string) string {
	return fmt.Sprintf("%s:%d:%s", g.prefix, communityID, periodCode)
}

// TemplatesClosed reports whether every template of the period is closed.
// A period without templates is closed.
func (g *TemplatesGate) TemplatesClosed(ctx context.Context, communityID int64, periodCode string) (bool, error) {
	fields, err := g.client.HGetAll(ctx, g.Key(communityID, periodCode)).Result()
	if err != nil {
		return false, fmt.Errorf("integration: read templates: %w", err)
	}
	for _, status := range fields {
		if !strings.EqualFold(status, TemplateClosed) {
			return false, nil
		}
	}
	return true, nil
}

// SetTemplateStatus records one template's status.
func (g *TemplatesGate) SetTemplateStatus(ctx context.Context, communityID int64, periodCode, template, status string) error {
	if err := g.client.HSet(ctx, g.Key(communityID, periodCode), template, strings.ToUpper(status)).Err(); err != nil {
		return fmt.Errorf("integration: write template status: %w", err)
	}
	return nil
}
