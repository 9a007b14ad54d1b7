package agentcommerce

import (
	"errors"
	"time"

	"github.com/mudflat/studio/control-plane/internal/apperr"
	"github.com/mudflat/studio/control-plane/internal/docstore"
	"github.com/mudflat/studio/control-plane/pkg/models"
)

// settlePrepaid attempts to settle the order from the independent-agent
// prepaid ledger. Returns false when the client has no independent account;
// the caller then falls back to the external checkout path. All ledger
// mutations live in the caller's transaction.
func (e *Engine) settlePrepaid(tx docstore.Txn, order *models.Order, now time.Time) (bool, error) {
	if order.AgentClientID == "" {
		return false, nil
	}

	var account models.AgentAccount
	err := tx.Get(docstore.ColAgentAccounts, order.AgentClientID, &account)
	var notFound *docstore.ErrNotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !account.IndependentEnabled {
		return false, nil
	}

	if account.Status == "on_hold" {
		return false, apperr.FailedPrecondition("ACCOUNT_ON_HOLD", "agent account is on hold")
	}

	// A new UTC day resets the daily spend.
	today := now.UTC().Format("2006-01-02")
	if account.SpendDayKey != today {
		account.SpendDayKey = today
		account.SpentTodayCents = 0
	}

	amount := order.AmountCents
	if account.PrepaidBalanceCents < amount {
		return false, apperr.FailedPrecondition("INSUFFICIENT_PREPAY", "prepaid balance cannot cover this order").
			WithDetail("prepaidBalanceCents", account.PrepaidBalanceCents).
			WithDetail("amountCents", amount)
	}
	if account.DailySpendCapCents > 0 && account.SpentTodayCents+amount > account.DailySpendCapCents {
		return false, apperr.FailedPrecondition("DAILY_CAP_EXCEEDED", "daily spend cap would be breached").
			WithDetail("dailySpendCapCents", account.DailySpendCapCents)
	}
	if cap, ok := account.CategoryCap(order.Category); ok {
		if account.SpentByCategoryCents[order.Category]+amount > cap {
			return false, apperr.FailedPrecondition("CATEGORY_CAP_EXCEEDED",
				"spend cap for category %s would be breached", order.Category).
				WithDetail("category", order.Category).
				WithDetail("categoryCapCents", cap)
		}
	}

	account.PrepaidBalanceCents -= amount
	account.SpentTodayCents += amount
	if order.Category != "" {
		if account.SpentByCategoryCents == nil {
			account.SpentByCategoryCents = map[string]int64{}
		}
		account.SpentByCategoryCents[order.Category] += amount
	}
	account.UpdatedAt = now
	if err := tx.Put(docstore.ColAgentAccounts, account.AgentClientID, account); err != nil {
		return false, err
	}

	entry := models.LedgerEntry{
		OrderID:       order.OrderID,
		AgentClientID: account.AgentClientID,
		AmountCents:   amount,
		Category:      order.Category,
		BalanceAfter:  account.PrepaidBalanceCents,
		CreatedAt:     now,
	}
	if err := tx.Put(docstore.ColAgentLedger, order.OrderID, entry); err != nil {
		return false, err
	}
	return true, nil
}
