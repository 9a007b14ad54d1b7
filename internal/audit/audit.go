// Package audit writes structured audit rows for every deny, error, and
// mutating success. Writes are best-effort: an audit failure is logged and
// never fails the parent request.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mudflat/studio/control-plane/internal/docstore"
	"github.com/mudflat/studio/control-plane/pkg/models"
)

// Emitter persists audit events.
type Emitter struct {
	store docstore.Store
}

// New creates an emitter over the given store.
func New(store docstore.Store) *Emitter {
	return &Emitter{store: store}
}

type ctxKey int

const routeFamilyKey ctxKey = iota

// WithRouteFamily marks the context with the route family (v1 | legacy)
// recorded on every audit row emitted under it.
func WithRouteFamily(ctx context.Context, family string) context.Context {
	return context.WithValue(ctx, routeFamilyKey, family)
}

// RouteFamily returns the context's route-family marker, defaulting to v1.
func RouteFamily(ctx context.Context) string {
	if f, ok := ctx.Value(routeFamilyKey).(string); ok && f != "" {
		return f
	}
	return "v1"
}

// Emit writes one audit row, filling id, timestamp, and route family when
// absent.
func (e *Emitter) Emit(ctx context.Context, event models.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	if event.RouteFamily == "" {
		event.RouteFamily = RouteFamily(ctx)
	}
	if err := e.store.Put(ctx, docstore.ColAgentAuditLogs, event.ID, event); err != nil {
		log.Warn().Err(err).
			Str("action", event.Action).
			Str("resource", event.ResourceID).
			Msg("audit write failed")
	}
}
