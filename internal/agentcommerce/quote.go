package agentcommerce

import (
	"context"

	"github.com/mudflat/studio/control-plane/internal/apperr"
	"github.com/mudflat/studio/control-plane/internal/docstore"
	"github.com/mudflat/studio/control-plane/internal/identity"
	"github.com/mudflat/studio/control-plane/pkg/models"
)

// QuoteRequest prices a catalog service for the caller.
type QuoteRequest struct {
	ServiceID string `json:"serviceId"`
	Quantity  int    `json:"quantity,omitempty"`
}

// Quote prices a service and opens a 15-minute reservable hold.
func (e *Engine) Quote(ctx context.Context, actor *identity.Actor, requestID string, req QuoteRequest) (*models.Quote, error) {
	if actor.UID == "" {
		return nil, apperr.Unauthenticated("UNAUTHENTICATED", "no verified identity")
	}
	svc, ok := e.catalog.Lookup(req.ServiceID)
	if !ok {
		return nil, apperr.NotFound("SERVICE_NOT_FOUND", "unknown service %q", req.ServiceID)
	}
	qty := req.Quantity
	if qty == 0 {
		qty = 1
	}
	if qty < 1 || (svc.MaxQuantity > 0 && qty > svc.MaxQuantity) {
		return nil, apperr.InvalidArgument("INVALID_QUANTITY",
			"quantity must be within [1,%d] for %s", svc.MaxQuantity, svc.ServiceID)
	}

	now := e.now()
	quote := &models.Quote{
		QuoteID:              newID(),
		ServiceID:            svc.ServiceID,
		UID:                  actor.UID,
		AuthMode:             actor.Mode,
		AgentClientID:        actor.AgentClientID,
		Quantity:             qty,
		UnitPriceCents:       svc.UnitPriceCents,
		SubtotalCents:        svc.UnitPriceCents * int64(qty),
		Currency:             svc.Currency,
		RiskLevel:            svc.RiskLevel,
		RequiresManualReview: svc.RiskLevel == models.RiskHigh,
		Status:               models.QuoteQuoted,
		ExpiresAt:            now.Add(models.QuoteHoldDuration),
		CreatedAt:            now,
	}
	if err := e.store.Put(ctx, docstore.ColAgentQuotes, quote.QuoteID, quote); err != nil {
		return nil, err
	}
	e.emitAudit(ctx, actor, requestID, "agent.quote", "ok", "", "agentQuote", quote.QuoteID)
	return quote, nil
}
