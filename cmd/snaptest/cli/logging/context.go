package logging

import (
	"context"
)

// Context keys for logging values.
// Using private types to avoid key collisions.
type contextKey int

const (
	runIDKey contextKey = iota
	componentKey
	phaseKey
)

// WithRun adds a run ID to the context.
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// WithComponent adds a component name to the context.
// Component names identify the subsystem generating logs (e.g., "snapshot", "remote", "advance").
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// WithPhase adds the pipeline phase to the context (e.g., "transfer", "execute").
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseKey, phase)
}

// RunIDFromContext extracts the run ID from the context.
// Returns empty string if not set.
func RunIDFromContext(ctx context.Context) string {
	return stringValue(ctx, runIDKey)
}

// ComponentFromContext extracts the component name from the context.
// Returns empty string if not set.
func ComponentFromContext(ctx context.Context) string {
	return stringValue(ctx, componentKey)
}

// PhaseFromContext extracts the pipeline phase from the context.
// Returns empty string if not set.
func PhaseFromContext(ctx context.Context) string {
	return stringValue(ctx, phaseKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(key); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
