// Package agentcommerce implements the agent commerce pipeline:
// quote → reserve → pay → order, with risk-tier checks for delegated
// agents, the independent-agent prepaid ledger, the terms-of-service gate,
// and screened commission / X1C print requests.
package agentcommerce

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mudflat/studio/control-plane/internal/apperr"
	"github.com/mudflat/studio/control-plane/internal/audit"
	"github.com/mudflat/studio/control-plane/internal/docstore"
	"github.com/mudflat/studio/control-plane/internal/identity"
	"github.com/mudflat/studio/control-plane/pkg/models"
)

// Engine owns the agent commerce state.
type Engine struct {
	store        docstore.Store
	audit        *audit.Emitter
	catalog      *Catalog
	termsVersion string

	// now is swappable for tests.
	now func() time.Time
}

// New creates the engine. termsVersion is the currently binding
// terms-of-service version agents must have accepted.
func New(store docstore.Store, emitter *audit.Emitter, catalog *Catalog, termsVersion string) *Engine {
	return &Engine{
		store:        store,
		audit:        emitter,
		catalog:      catalog,
		termsVersion: termsVersion,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) emitAudit(ctx context.Context, actor *identity.Actor, requestID, action, outcome, reasonCode, resourceType, resourceID string) {
	e.audit.Emit(ctx, models.AuditEvent{
		RequestID:    requestID,
		ActorUID:     actor.UID,
		ActorMode:    actor.Mode,
		Action:       action,
		Outcome:      outcome,
		ReasonCode:   reasonCode,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		OwnerUID:     actor.UID,
	})
}

func notFoundAs(err error, code, format string, args ...any) error {
	var notFound *docstore.ErrNotFound
	if errors.As(err, &notFound) {
		return apperr.NotFound(code, format, args...)
	}
	return err
}

func isNotFound(err error) bool {
	var notFound *docstore.ErrNotFound
	return errors.As(err, &notFound)
}

func newID() string { return uuid.NewString() }
