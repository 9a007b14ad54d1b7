package agentcommerce

import (
	"context"
	"errors"

	"github.com/mudflat/studio/control-plane/internal/apperr"
	"github.com/mudflat/studio/control-plane/internal/docstore"
	"github.com/mudflat/studio/control-plane/internal/idempotency"
	"github.com/mudflat/studio/control-plane/internal/identity"
	"github.com/mudflat/studio/control-plane/pkg/models"
)

func termsSlotID(uid string, mode models.AuthMode, credential, version string) string {
	return idempotency.DeterministicID("agent-terms", uid, string(mode), credential, version)
}

// TermsStatus reports the binding version and whether the caller has
// accepted it.
type TermsStatus struct {
	Version    string                  `json:"version"`
	Accepted   bool                    `json:"accepted"`
	Acceptance *models.TermsAcceptance `json:"acceptance,omitempty"`
}

// TermsGet returns the current terms version and the caller's standing.
func (e *Engine) TermsGet(ctx context.Context, actor *identity.Actor) (*TermsStatus, error) {
	if actor.UID == "" {
		return nil, apperr.Unauthenticated("UNAUTHENTICATED", "no verified identity")
	}
	out := &TermsStatus{Version: e.termsVersion}
	if actor.Mode == models.ModeSession {
		out.Accepted = true
		return out, nil
	}
	var acc models.TermsAcceptance
	err := e.store.Get(ctx, docstore.ColAgentTerms,
		termsSlotID(actor.UID, actor.Mode, actor.Credential(), e.termsVersion), &acc)
	var notFound *docstore.ErrNotFound
	if errors.As(err, &notFound) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	out.Accepted = true
	out.Acceptance = &acc
	return out, nil
}

// TermsAccept records acceptance of the current version for the caller's
// credential. Accepting twice is a no-op.
func (e *Engine) TermsAccept(ctx context.Context, actor *identity.Actor, requestID string) (*models.TermsAcceptance, error) {
	if actor.UID == "" {
		return nil, apperr.Unauthenticated("UNAUTHENTICATED", "no verified identity")
	}
	if actor.Mode == models.ModeSession {
		return nil, apperr.InvalidArgument("TERMS_NOT_APPLICABLE",
			"session callers are not subject to the agent terms gate")
	}

	id := termsSlotID(actor.UID, actor.Mode, actor.Credential(), e.termsVersion)
	acc := models.TermsAcceptance{
		ID:         id,
		UID:        actor.UID,
		AuthMode:   actor.Mode,
		Credential: actor.Credential(),
		Version:    e.termsVersion,
		AcceptedAt: e.now(),
	}
	err := e.store.Create(ctx, docstore.ColAgentTerms, id, acc)
	var exists *docstore.ErrExists
	if errors.As(err, &exists) {
		var existing models.TermsAcceptance
		if gerr := e.store.Get(ctx, docstore.ColAgentTerms, id, &existing); gerr == nil {
			return &existing, nil
		}
		return &acc, nil
	}
	if err != nil {
		return nil, err
	}
	e.emitAudit(ctx, actor, requestID, "agent.terms.accept", "ok", "", "agentTerms", id)
	return &acc, nil
}

// RequireTerms is the gate for non-exempt agent routes: PAT and delegated
// callers must hold a current acceptance record. Session callers pass.
func (e *Engine) RequireTerms(ctx context.Context, actor *identity.Actor) error {
	if actor.Mode == models.ModeSession {
		return nil
	}
	var acc models.TermsAcceptance
	err := e.store.Get(ctx, docstore.ColAgentTerms,
		termsSlotID(actor.UID, actor.Mode, actor.Credential(), e.termsVersion), &acc)
	var notFound *docstore.ErrNotFound
	if errors.As(err, &notFound) {
		return apperr.TermsRequired("TERMS_NOT_ACCEPTED",
			"current terms version %s has not been accepted", e.termsVersion).
			WithDetail("termsVersion", e.termsVersion)
	}
	return err
}
