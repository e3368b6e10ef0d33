package common

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// CorrelationHeader is the HTTP header carrying the request correlation ID
const CorrelationHeader = "X-Correlation-ID"

// InteractionHeader is the HTTP header carrying the UELR interaction ID
const InteractionHeader = "X-Interaction-ID"

type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	interactionIDKey contextKey = "interaction_id"
)

// NewCorrelationID generates a request correlation ID.
// Format: req-<12 hex>
func NewCorrelationID() string {
	return "req-" + hexID(12)
}

// JobCorrelationID is the fallback correlation ID for work consumed without
// one attached. Format: job-<job_id>
func JobCorrelationID(jobID string) string {
	return "job-" + jobID
}

// WithCorrelationID stores a correlation ID in the context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext returns the correlation ID, or "" when absent
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// WithInteractionID stores a UELR interaction ID in the context
func WithInteractionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, interactionIDKey, id)
}

// InteractionIDFromContext returns the interaction ID, or "" when absent
func InteractionIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(interactionIDKey).(string); ok {
		return id
	}
	return ""
}

// EnsureCorrelationID returns the supplied header value, or a freshly
// generated ID when the value is empty or whitespace-only.
func EnsureCorrelationID(header string) string {
	if trimmed := strings.TrimSpace(header); trimmed != "" {
		return trimmed
	}
	return NewCorrelationID()
}

// hexID returns n lowercase hex characters from a random UUID
func hexID(n int) string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	if n > len(hex) {
		n = len(hex)
	}
	return hex[:n]
}
