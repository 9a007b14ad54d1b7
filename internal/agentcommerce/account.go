package agentcommerce

import (
	"context"
	"errors"

	"github.com/mudflat/studio/control-plane/internal/apperr"
	"github.com/mudflat/studio/control-plane/internal/docstore"
	"github.com/mudflat/studio/control-plane/internal/identity"
	"github.com/mudflat/studio/control-plane/pkg/models"
)

// AccountGet returns the prepaid account for an agent client. Agents may
// read their own; staff may read any.
func (e *Engine) AccountGet(ctx context.Context, actor *identity.Actor, agentClientID string) (*models.AgentAccount, error) {
	if agentClientID == "" {
		agentClientID = actor.AgentClientID
	}
	if agentClientID == "" {
		return nil, apperr.InvalidArgument("MISSING_AGENT_CLIENT_ID", "agentClientId is required")
	}
	if !actor.Staff && actor.AgentClientID != agentClientID {
		return nil, apperr.Forbidden("NOT_RESOURCE_OWNER", "not authorized for this account")
	}
	var account models.AgentAccount
	if err := e.store.Get(ctx, docstore.ColAgentAccounts, agentClientID, &account); err != nil {
		return nil, notFoundAs(err, "ACCOUNT_NOT_FOUND", "account %s not found", agentClientID)
	}
	return &account, nil
}

// AccountUpdateRequest is the staff ops surface for one account. Nil fields
// are left unchanged; TopUpCents credits the prepaid balance.
type AccountUpdateRequest struct {
	AgentClientID      string           `json:"agentClientId"`
	Status             *string          `json:"status,omitempty"` // active | on_hold
	IndependentEnabled *bool            `json:"independentEnabled,omitempty"`
	PrepayRequired     *bool            `json:"prepayRequired,omitempty"`
	TopUpCents         int64            `json:"topUpCents,omitempty"`
	DailySpendCapCents *int64           `json:"dailySpendCapCents,omitempty"`
	CategoryCaps       map[string]int64 `json:"categoryCaps,omitempty"`
}

// AccountUpdate applies staff changes to an account, creating it on first
// touch.
func (e *Engine) AccountUpdate(ctx context.Context, actor *identity.Actor, requestID string, req AccountUpdateRequest) (*models.AgentAccount, error) {
	if !actor.Staff {
		return nil, apperr.Forbidden("STAFF_ONLY", "account update is staff-only")
	}
	if req.AgentClientID == "" {
		return nil, apperr.InvalidArgument("MISSING_AGENT_CLIENT_ID", "agentClientId is required")
	}
	if req.TopUpCents < 0 {
		return nil, apperr.InvalidArgument("INVALID_TOP_UP", "topUpCents must be non-negative")
	}

	var updated *models.AgentAccount
	err := e.store.RunTxn(ctx, func(tx docstore.Txn) error {
		var account models.AgentAccount
		err := tx.Get(docstore.ColAgentAccounts, req.AgentClientID, &account)
		var notFound *docstore.ErrNotFound
		if errors.As(err, &notFound) {
			account = models.AgentAccount{
				AgentClientID: req.AgentClientID,
				Status:        "active",
			}
		} else if err != nil {
			return err
		}

		if req.Status != nil {
			if *req.Status != "active" && *req.Status != "on_hold" {
				return apperr.InvalidArgument("INVALID_STATUS", "status must be active or on_hold")
			}
			account.Status = *req.Status
		}
		if req.IndependentEnabled != nil {
			account.IndependentEnabled = *req.IndependentEnabled
		}
		if req.PrepayRequired != nil {
			account.PrepayRequired = *req.PrepayRequired
		}
		account.PrepaidBalanceCents += req.TopUpCents
		if req.DailySpendCapCents != nil {
			if *req.DailySpendCapCents < 0 {
				return apperr.InvalidArgument("INVALID_CAP", "dailySpendCapCents must be non-negative")
			}
			account.DailySpendCapCents = *req.DailySpendCapCents
		}
		for category, cap := range req.CategoryCaps {
			if cap < 0 {
				return apperr.InvalidArgument("INVALID_CAP", "category cap must be non-negative")
			}
			if account.SpentByCategoryCents == nil {
				account.SpentByCategoryCents = map[string]int64{}
			}
			account.SpentByCategoryCents["cap:"+category] = cap
		}

		account.UpdatedAt = e.now()
		if err := tx.Put(docstore.ColAgentAccounts, account.AgentClientID, account); err != nil {
			return err
		}
		updated = &account
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emitAudit(ctx, actor, requestID, "agent.account.update", "ok", "", "agentAccount", updated.AgentClientID)
	return updated, nil
}
