package agentcommerce

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mudflat/studio/control-plane/internal/apperr"
	"github.com/mudflat/studio/control-plane/internal/docstore"
	"github.com/mudflat/studio/control-plane/internal/identity"
	"github.com/mudflat/studio/control-plane/pkg/models"
)

const (
	denialSuspendThreshold = 6
	denialSuspendDuration  = 30 * time.Minute
	denialWindow           = 24 * time.Hour
	orderRateWindow        = time.Hour
)

// riskDenyCodes are the policy denials that count toward the 24h denial
// window. AGENT_CLIENT_UNKNOWN is excluded: there is no client row to count
// against.
var riskDenyCodes = map[string]bool{
	"AGENT_COOLDOWN_ACTIVE": true,
	"AGENT_SUSPENDED":       true,
	"ORDER_LIMIT_EXCEEDED":  true,
	"ORDER_RATE_EXCEEDED":   true,
}

// checkRisk enforces the delegated-agent spend policy inside the pay
// transaction: cooldown (with auto-resume), per-order ceiling, and hourly
// order rate. It only reads on the deny path; a deny aborts the pay
// transaction, so the denial bookkeeping runs afterwards in its own
// transaction (recordRiskDenial) where it survives the rollback.
func (e *Engine) checkRisk(tx docstore.Txn, actor *identity.Actor, orderCents int64, now time.Time) error {
	clientID := actor.AgentClientID
	if clientID == "" {
		return apperr.Forbidden("AGENT_CLIENT_UNKNOWN", "delegated agent carries no client id")
	}

	client, err := loadClient(tx, clientID)
	if err != nil {
		return err
	}

	// Cooldown auto-resumes once elapsed.
	if client.CooldownUntil != nil {
		if client.CooldownUntil.After(now) {
			return apperr.Forbidden("AGENT_COOLDOWN_ACTIVE", "client is cooling down until %s",
				client.CooldownUntil.Format(time.RFC3339)).
				WithDetail("cooldownUntil", client.CooldownUntil.Format(time.RFC3339))
		}
		client.CooldownUntil = nil
		client.Status = "active"
	}
	if client.Status == "suspended" {
		return apperr.Forbidden("AGENT_SUSPENDED", "client is suspended")
	}

	limits := client.TierLimits()
	if orderCents > limits.MaxOrderCents {
		return apperr.Forbidden("ORDER_LIMIT_EXCEEDED", "order exceeds the per-order ceiling").
			WithDetail("maxOrderCents", limits.MaxOrderCents)
	}

	recent, err := e.countRecentOrders(tx, clientID, now)
	if err != nil {
		return err
	}
	if recent >= limits.MaxOrdersPerHour {
		return apperr.Forbidden("ORDER_RATE_EXCEEDED", "too many orders in the last hour").
			WithDetail("maxOrdersPerHour", limits.MaxOrdersPerHour)
	}

	client.UpdatedAt = now
	return tx.Put(docstore.ColAgentClients, clientID, client)
}

// recordRiskDenial books one policy denial after the pay transaction has
// rolled back: the 24h denial counter, the auto-suspend once the threshold
// is crossed, and the audit row. Best-effort: a bookkeeping failure is
// logged and never changes the caller's deny.
func (e *Engine) recordRiskDenial(ctx context.Context, actor *identity.Actor, requestID string, deny *apperr.Error) {
	clientID := actor.AgentClientID
	if clientID == "" {
		return
	}
	now := e.now()
	err := e.store.RunTxn(ctx, func(tx docstore.Txn) error {
		client, err := loadClient(tx, clientID)
		if err != nil {
			return err
		}
		if client.DenialWindowAt == nil || now.Sub(*client.DenialWindowAt) > denialWindow {
			windowStart := now
			client.DenialWindowAt = &windowStart
			client.DenialsLast24h = 0
		}
		client.DenialsLast24h++
		if client.DenialsLast24h >= denialSuspendThreshold {
			until := now.Add(denialSuspendDuration)
			client.CooldownUntil = &until
			client.Status = "suspended"
		}
		client.UpdatedAt = now
		return tx.Put(docstore.ColAgentClients, clientID, client)
	})
	if err != nil {
		log.Warn().Err(err).Str("client", clientID).Msg("risk denial bookkeeping failed")
	}

	e.emitAudit(ctx, actor, requestID, "agent.pay.risk", "deny", deny.Code, "agentClient", clientID)
}

// loadClient reads the client row, defaulting a fresh low-trust record for
// clients the store has never seen.
func loadClient(tx docstore.Txn, clientID string) (models.AgentClient, error) {
	var client models.AgentClient
	err := tx.Get(docstore.ColAgentClients, clientID, &client)
	var notFound *docstore.ErrNotFound
	if errors.As(err, &notFound) {
		return models.AgentClient{AgentClientID: clientID, Status: "active", TrustTier: models.RiskLow}, nil
	}
	if err != nil {
		return models.AgentClient{}, err
	}
	return client, nil
}

func (e *Engine) countRecentOrders(tx docstore.Txn, clientID string, now time.Time) (int, error) {
	cutoff := now.Add(-orderRateWindow)
	count := 0
	err := tx.List(docstore.ColAgentOrders, func(_ string, raw []byte) error {
		var o models.Order
		if err := json.Unmarshal(raw, &o); err != nil {
			return err
		}
		if o.AgentClientID == clientID && o.CreatedAt.After(cutoff) {
			count++
		}
		return nil
	})
	return count, err
}
