// Package identity turns an incoming request into an actor context and
// provides the two authorization predicates the engines depend on:
// HasScopes and Authorize. Token verification itself is an external
// collaborator; this package consumes its already-verified output.
package identity

import (
	"context"

	"github.com/mudflat/studio/control-plane/internal/apperr"
	"github.com/mudflat/studio/control-plane/pkg/models"
)

// Actor is the authenticated caller of a request.
type Actor struct {
	Mode          models.AuthMode
	UID           string
	Scopes        []string
	AgentClientID string // delegated-agent mode only
	TokenID       string // PAT mode only
	Staff         bool

	// Delegation is the set of (ownerUid, scope) grants a delegated agent
	// carries; nil for other modes.
	Delegation []Grant
}

// Grant is one delegated permission.
type Grant struct {
	OwnerUID string
	Scope    string
}

// Credential returns the terms-gate credential for the actor's mode.
func (a *Actor) Credential() string {
	if a.Mode == models.ModeDelegatedAgent {
		return a.AgentClientID
	}
	return a.TokenID
}

// HasScopes reports whether the actor carries every required scope.
// Session actors implicitly carry every scope.
func (a *Actor) HasScopes(required ...string) bool {
	if a.Mode == models.ModeSession {
		return true
	}
	for _, want := range required {
		found := false
		for _, got := range a.Scopes {
			if got == want || got == "*" {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Authorize checks whether the actor may act on a resource owned by
// ownerUID under the given scope. Staff bypass is honored only when
// allowStaff is set. Delegated agents must additionally hold a delegation
// grant for (ownerUID, scope).
func (a *Actor) Authorize(ownerUID, scope, resource string, allowStaff bool) *apperr.Error {
	if a.UID == "" {
		return apperr.Unauthenticated("UNAUTHENTICATED", "no verified identity")
	}
	if allowStaff && a.Staff {
		return nil
	}
	if a.UID != ownerUID {
		return apperr.Forbidden("NOT_RESOURCE_OWNER", "not authorized for %s", resource)
	}
	if !a.HasScopes(scope) {
		return apperr.Forbidden("SCOPE_MISSING", "missing scope %s", scope).
			WithDetail("requiredScope", scope)
	}
	if a.Mode == models.ModeDelegatedAgent && !a.hasGrant(ownerUID, scope) {
		return apperr.Forbidden("DELEGATION_INSUFFICIENT",
			"delegation does not grant %s for this owner", scope).
			WithDetail("requiredScope", scope)
	}
	return nil
}

func (a *Actor) hasGrant(ownerUID, scope string) bool {
	for _, g := range a.Delegation {
		if g.OwnerUID == ownerUID && (g.Scope == scope || g.Scope == "*") {
			return true
		}
	}
	return false
}

// ── Rollout phases (library routes) ─────────────────────────

// Phase is the library rollout phase gate.
type Phase int

const (
	Phase1ReadOnly Phase = 1 + iota
	Phase2MemberWrites
	Phase3AdminFull
)

// ParsePhase maps the configured phase name onto its gate level.
func ParsePhase(s string) Phase {
	switch s {
	case "phase_1_read_only":
		return Phase1ReadOnly
	case "phase_3_admin_full":
		return Phase3AdminFull
	default:
		return Phase2MemberWrites
	}
}

func (p Phase) String() string {
	switch p {
	case Phase1ReadOnly:
		return "phase_1_read_only"
	case Phase3AdminFull:
		return "phase_3_admin_full"
	default:
		return "phase_2_member_writes"
	}
}

// RequirePhase rejects the request when the current rollout phase is below
// the route's minimum.
func RequirePhase(current, minimum Phase) *apperr.Error {
	if current < minimum {
		return apperr.Forbidden("ROLLOUT_PHASE_BLOCKED",
			"route requires %s", minimum.String()).
			WithDetail("requiredPhase", minimum.String())
	}
	return nil
}

// ── Context plumbing ────────────────────────────────────────

type ctxKey int

const actorKey ctxKey = iota

// WithActor attaches the actor to the request context.
func WithActor(ctx context.Context, a *Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// FromContext returns the actor, or an anonymous session actor when the
// middleware did not run (tests).
func FromContext(ctx context.Context) *Actor {
	if a, ok := ctx.Value(actorKey).(*Actor); ok {
		return a
	}
	return &Actor{Mode: models.ModeSession}
}
