package rateguard

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mudflat/studio/control-plane/internal/apperr"
	"github.com/mudflat/studio/control-plane/internal/audit"
	"github.com/mudflat/studio/control-plane/internal/docstore"
	"github.com/mudflat/studio/control-plane/pkg/models"
)

// Per-route limits (requests per minute). Routes not listed use the default.
const (
	limitEventsFeed    = 600
	limitBatchesFiring = 300
	limitDefault       = 120
	limitAgentActor    = 90
)

// Config controls the delegated-agent cooldown policy.
type Config struct {
	AutoCooldownOnRateLimit bool
	AutoCooldownMinutes     int
}

// Guard enforces the two bucket layers and records abusive delegated agents.
type Guard struct {
	buckets Buckets
	store   docstore.Store
	cfg     Config
}

// New creates a guard over the given bucket backend.
func New(buckets Buckets, store docstore.Store, cfg Config) *Guard {
	if cfg.AutoCooldownMinutes < 1 {
		cfg.AutoCooldownMinutes = 5
	}
	return &Guard{buckets: buckets, store: store, cfg: cfg}
}

// routeLimit returns the per-minute limit for a route.
func routeLimit(route string) int {
	switch {
	case strings.Contains(route, "events.feed"):
		return limitEventsFeed
	case strings.Contains(route, "batches") || strings.Contains(route, "firings"):
		return limitBatchesFiring
	default:
		return limitDefault
	}
}

// Check applies (a) the per-route bucket keyed by route+uid and (b) for
// PAT/delegated actors, the per-actor agent bucket. On exhaustion it returns
// RATE_LIMITED with the retry hint; delegated-agent exhaustion additionally
// records an audit row and, when configured, suspends the client.
func (g *Guard) Check(ctx context.Context, route, uid string, mode models.AuthMode, agentClientID string) *apperr.Error {
	allowed, retry, err := g.buckets.Allow(ctx, "route:"+route+":"+uid, routeLimit(route), time.Minute)
	if err != nil {
		log.Warn().Err(err).Str("route", route).Msg("rate bucket backend error, failing open")
	}
	if !allowed {
		return apperr.RateLimited(retry.Milliseconds())
	}

	if mode == models.ModeSession {
		return nil
	}
	actorKey := "agent:" + uid
	if agentClientID != "" {
		actorKey = "agent:" + agentClientID
	}
	allowed, retry, err = g.buckets.Allow(ctx, actorKey, limitAgentActor, time.Minute)
	if err != nil {
		log.Warn().Err(err).Str("actor", actorKey).Msg("rate bucket backend error, failing open")
	}
	if !allowed {
		if mode == models.ModeDelegatedAgent && agentClientID != "" {
			g.recordAgentExhaustion(ctx, agentClientID, route)
		}
		return apperr.RateLimited(retry.Milliseconds())
	}
	return nil
}

// recordAgentExhaustion audits the event and applies the auto-cooldown when
// the ops flag is set. Best-effort: failures here never change the caller's
// 429.
func (g *Guard) recordAgentExhaustion(ctx context.Context, agentClientID, route string) {
	now := time.Now().UTC()
	event := models.AuditEvent{
		ID:           agentClientID + ":" + now.Format(time.RFC3339Nano),
		Action:       "agent.rate_limit_exhausted",
		Outcome:      "deny",
		ReasonCode:   "RATE_LIMITED",
		ResourceType: "agentClient",
		ResourceID:   agentClientID,
		Route:        route,
		RouteFamily:  audit.RouteFamily(ctx),
		At:           now,
	}
	if err := g.store.Put(ctx, docstore.ColAgentAuditLogs, event.ID, event); err != nil {
		log.Warn().Err(err).Str("client", agentClientID).Msg("rate-limit audit write failed")
	}

	if !g.cfg.AutoCooldownOnRateLimit {
		return
	}
	until := now.Add(time.Duration(g.cfg.AutoCooldownMinutes) * time.Minute)
	err := g.store.RunTxn(ctx, func(tx docstore.Txn) error {
		var client models.AgentClient
		if err := tx.Get(docstore.ColAgentClients, agentClientID, &client); err != nil {
			return err
		}
		client.CooldownUntil = &until
		client.Status = "suspended"
		client.UpdatedAt = now
		return tx.Put(docstore.ColAgentClients, agentClientID, client)
	})
	if err != nil {
		log.Warn().Err(err).Str("client", agentClientID).Msg("auto-cooldown write failed")
		return
	}
	log.Info().
		Str("client", agentClientID).
		Time("until", until).
		Msg("delegated agent auto-cooled after rate exhaustion")
}
