package periods

import "context"

// TemplateGate reports whether the entry templates of a period are closed.
type TemplateGate interface {
	TemplatesClosed(ctx context.Context, communityID int64, periodCode string) (bool, error)
}

// GateFunc adapts a function to TemplateGate.
type GateFunc func(ctx context.Context, communityID int64, periodCode string) (bool, error)

// TemplatesClosed calls f.
func (f GateFunc) TemplatesClosed(ctx context.Context, communityID int64, periodCode string) (bool, error) {
	return f(ctx, communityID, periodCode)
}

// AlwaysClosed is used when no template store is configured.
var AlwaysClosed TemplateGate = GateFunc(func(context.Context, int64, string) (bool, error) { return true, nil })
