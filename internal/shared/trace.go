package shared

import (
	"context"

	"github.com/google/uuid"
)

type cycleIDKey struct{}
type passKey struct{}

// WithCycle attaches the pass name and cycle_id to the context.
func WithCycle(ctx context.Context, pass, cycleID string) context.Context {
	ctx = context.WithValue(ctx, passKey{}, pass)
	return context.WithValue(ctx, cycleIDKey{}, cycleID)
}

// CycleID extracts cycle_id from context. Returns "" if absent.
func CycleID(ctx context.Context) string {
	if v, ok := ctx.Value(cycleIDKey{}).(string); ok {
		return v
	}
	return ""
}

// Pass extracts the pass name from context. Returns "" if absent.
func Pass(ctx context.Context) string {
	if v, ok := ctx.Value(passKey{}).(string); ok {
		return v
	}
	return ""
}

// NewCycleID generates a new cycle_id.
func NewCycleID() string {
	return uuid.NewString()
}
