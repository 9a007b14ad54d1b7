package agentcommerce

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/mudflat/studio/control-plane/internal/apperr"
	"github.com/mudflat/studio/control-plane/internal/docstore"
	"github.com/mudflat/studio/control-plane/internal/idempotency"
	"github.com/mudflat/studio/control-plane/internal/identity"
	"github.com/mudflat/studio/control-plane/pkg/models"
)

// ReserveRequest pins a quote while payment is arranged.
type ReserveRequest struct {
	QuoteID string `json:"quoteId"`
}

// ReserveResult carries the reservation and the replay flag.
type ReserveResult struct {
	Reservation      *models.AgentReservation `json:"reservation"`
	IdempotentReplay bool                     `json:"idempotentReplay"`
}

// Reserve converts a live quote into an agent reservation. The reservation
// id is deterministic over (quote.uid, quote_id), so duplicate reserve calls
// replay the existing reservation.
func (e *Engine) Reserve(ctx context.Context, actor *identity.Actor, requestID string, req ReserveRequest) (*ReserveResult, error) {
	if req.QuoteID == "" {
		return nil, apperr.InvalidArgument("MISSING_QUOTE_ID", "quoteId is required")
	}

	var result ReserveResult
	err := e.store.RunTxn(ctx, func(tx docstore.Txn) error {
		var quote models.Quote
		if err := tx.Get(docstore.ColAgentQuotes, req.QuoteID, &quote); err != nil {
			return notFoundAs(err, "QUOTE_NOT_FOUND", "quote %s not found", req.QuoteID)
		}
		if aerr := actor.Authorize(quote.UID, "agent:commerce", "quote", true); aerr != nil {
			return aerr
		}

		now := e.now()
		if quote.Status != models.QuoteQuoted && quote.Status != models.QuoteReserved {
			return apperr.Conflict("QUOTE_NOT_RESERVABLE", "quote is %s", quote.Status)
		}
		if !quote.ExpiresAt.After(now) {
			return apperr.Gone("QUOTE_EXPIRED", "quote expired at %s", quote.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
		}

		resID := idempotency.DeterministicID("agent-reservation", quote.UID, quote.QuoteID)
		var existing models.AgentReservation
		switch err := tx.Get(docstore.ColAgentReservations, resID, &existing); {
		case err == nil:
			result = ReserveResult{Reservation: &existing, IdempotentReplay: true}
			return nil
		case !isNotFound(err):
			return err
		}

		status := models.AgentResReserved
		if quote.RequiresManualReview {
			status = models.AgentResPendingReview
		}
		res := models.AgentReservation{
			ReservationID:        resID,
			QuoteID:              quote.QuoteID,
			UID:                  quote.UID,
			AgentClientID:        quote.AgentClientID,
			Status:               status,
			HoldExpiresAt:        quote.ExpiresAt,
			RequiresManualReview: quote.RequiresManualReview,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		quote.Status = models.QuoteReserved
		if err := tx.Put(docstore.ColAgentQuotes, quote.QuoteID, quote); err != nil {
			return err
		}
		if err := tx.Put(docstore.ColAgentReservations, resID, res); err != nil {
			return err
		}
		result = ReserveResult{Reservation: &res}
		return nil
	})
	if err != nil {
		e.emitAudit(ctx, actor, requestID, "agent.reserve", "deny", apperr.From(err).Code, "agentQuote", req.QuoteID)
		return nil, err
	}
	e.emitAudit(ctx, actor, requestID, "agent.reserve", "ok", "", "agentReservation", result.Reservation.ReservationID)
	return &result, nil
}

// PayRequest settles an agent reservation into an order.
type PayRequest struct {
	ReservationID  string `json:"reservationId"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// PayResult carries the order, the updated reservation, and the replay flag.
type PayResult struct {
	Order            *models.Order            `json:"order"`
	Reservation      *models.AgentReservation `json:"reservation"`
	IdempotentReplay bool                     `json:"idempotentReplay"`
}

// Pay writes the order inside the same transaction that transitions the
// reservation. Independent agents with prepay settle immediately from the
// prepaid ledger; everyone else gets a payment_required order pointing at
// the external checkout.
func (e *Engine) Pay(ctx context.Context, actor *identity.Actor, requestID string, req PayRequest) (*PayResult, error) {
	if req.ReservationID == "" {
		return nil, apperr.InvalidArgument("MISSING_RESERVATION_ID", "reservationId is required")
	}

	var result PayResult
	var riskDeny *apperr.Error
	err := e.store.RunTxn(ctx, func(tx docstore.Txn) error {
		riskDeny = nil
		var res models.AgentReservation
		if err := tx.Get(docstore.ColAgentReservations, req.ReservationID, &res); err != nil {
			return notFoundAs(err, "AGENT_RESERVATION_NOT_FOUND", "agent reservation %s not found", req.ReservationID)
		}
		if aerr := actor.Authorize(res.UID, "agent:commerce", "agent reservation", true); aerr != nil {
			return aerr
		}

		var quote models.Quote
		if err := tx.Get(docstore.ColAgentQuotes, res.QuoteID, &quote); err != nil {
			return notFoundAs(err, "QUOTE_NOT_FOUND", "quote %s not found", res.QuoteID)
		}

		orderKey := req.IdempotencyKey
		if orderKey == "" {
			orderKey = res.ReservationID
		}
		orderID := idempotency.DeterministicID("agent-order", res.UID, orderKey)

		var existing models.Order
		switch err := tx.Get(docstore.ColAgentOrders, orderID, &existing); {
		case err == nil:
			result = PayResult{Order: &existing, Reservation: &res, IdempotentReplay: true}
			return nil
		case !isNotFound(err):
			return err
		}

		now := e.now()
		switch res.Status {
		case models.AgentResReserved, models.AgentResPaymentRequired:
		case models.AgentResPendingReview:
			return apperr.FailedPrecondition("MANUAL_REVIEW_PENDING",
				"reservation is awaiting manual review")
		default:
			return apperr.Conflict("RESERVATION_NOT_PAYABLE", "reservation is %s", res.Status)
		}
		if !res.HoldExpiresAt.After(now) {
			return apperr.Gone("RESERVATION_HOLD_EXPIRED", "the quote hold has lapsed")
		}

		// Risk checks apply to delegated agents only. A policy deny aborts
		// this transaction; its bookkeeping runs after the rollback.
		if actor.Mode == models.ModeDelegatedAgent {
			if err := e.checkRisk(tx, actor, quote.SubtotalCents, now); err != nil {
				if ae := apperr.From(err); riskDenyCodes[ae.Code] {
					riskDeny = ae
				}
				return err
			}
		}

		svc, _ := e.catalog.Lookup(quote.ServiceID)
		order := models.Order{
			OrderID:       orderID,
			UID:           res.UID,
			ReservationID: res.ReservationID,
			AgentClientID: res.AgentClientID,
			ServiceID:     quote.ServiceID,
			Category:      svc.Category,
			AmountCents:   quote.SubtotalCents,
			Currency:      quote.Currency,
			PriceID:       svc.PriceID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		prepaid, err := e.settlePrepaid(tx, &order, now)
		if err != nil {
			return err
		}
		if prepaid {
			order.Status = models.OrderPaid
			order.PaymentStatus = "paid"
			order.PaymentProvider = "internal_prepay"
			order.FulfillmentStatus = "queued"
			order.CheckoutReady = true
			res.Status = models.AgentResPaid
		} else {
			order.Status = models.OrderPaymentRequired
			order.PaymentStatus = "awaiting_payment"
			order.PaymentProvider = "stripe"
			res.Status = models.AgentResPaymentRequired
			if order.PriceID == "" {
				// No price configured yet; the order persists but checkout
				// cannot start until a staff operator assigns one.
				order.CheckoutReady = false
				order.PaymentStatus = "awaiting_price"
			} else {
				order.CheckoutReady = true
			}
		}

		quote.Status = models.QuoteConsumed
		res.UpdatedAt = now
		if err := tx.Put(docstore.ColAgentQuotes, quote.QuoteID, quote); err != nil {
			return err
		}
		if err := tx.Put(docstore.ColAgentReservations, res.ReservationID, res); err != nil {
			return err
		}
		if err := tx.Put(docstore.ColAgentOrders, orderID, order); err != nil {
			return err
		}
		result = PayResult{Order: &order, Reservation: &res}
		return nil
	})
	if err != nil {
		if riskDeny != nil {
			e.recordRiskDenial(ctx, actor, requestID, riskDeny)
		}
		e.emitAudit(ctx, actor, requestID, "agent.pay", "deny", apperr.From(err).Code, "agentReservation", req.ReservationID)
		return nil, err
	}
	e.emitAudit(ctx, actor, requestID, "agent.pay", "ok", "", "agentOrder", result.Order.OrderID)
	return &result, nil
}

// StatusResult is the pipeline snapshot for one agent reservation.
type StatusResult struct {
	Quote       *models.Quote            `json:"quote,omitempty"`
	Reservation *models.AgentReservation `json:"reservation"`
	Order       *models.Order            `json:"order,omitempty"`
}

// Status reports where a reservation sits in the pipeline.
func (e *Engine) Status(ctx context.Context, actor *identity.Actor, reservationID string) (*StatusResult, error) {
	var res models.AgentReservation
	if err := e.store.Get(ctx, docstore.ColAgentReservations, reservationID, &res); err != nil {
		return nil, notFoundAs(err, "AGENT_RESERVATION_NOT_FOUND", "agent reservation %s not found", reservationID)
	}
	if aerr := actor.Authorize(res.UID, "agent:commerce", "agent reservation", true); aerr != nil {
		return nil, aerr
	}

	out := &StatusResult{Reservation: &res}
	var quote models.Quote
	if err := e.store.Get(ctx, docstore.ColAgentQuotes, res.QuoteID, &quote); err == nil {
		out.Quote = &quote
	}
	orderID := idempotency.DeterministicID("agent-order", res.UID, res.ReservationID)
	var order models.Order
	if err := e.store.Get(ctx, docstore.ColAgentOrders, orderID, &order); err == nil {
		out.Order = &order
	}
	return out, nil
}

// OrderGet loads one order, authorizing owner or staff.
func (e *Engine) OrderGet(ctx context.Context, actor *identity.Actor, orderID string) (*models.Order, error) {
	var order models.Order
	if err := e.store.Get(ctx, docstore.ColAgentOrders, orderID, &order); err != nil {
		return nil, notFoundAs(err, "ORDER_NOT_FOUND", "order %s not found", orderID)
	}
	if aerr := actor.Authorize(order.UID, "agent:commerce", "order", true); aerr != nil {
		return nil, aerr
	}
	return &order, nil
}

// OrdersListRequest filters the order listing.
type OrdersListRequest struct {
	UID           string `json:"uid,omitempty"`
	AgentClientID string `json:"agentClientId,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

// OrdersList returns orders newest-first for a uid or agent client.
func (e *Engine) OrdersList(ctx context.Context, actor *identity.Actor, req OrdersListRequest) ([]models.Order, error) {
	uid := req.UID
	if uid == "" && req.AgentClientID == "" {
		uid = actor.UID
	}
	if uid != "" {
		if aerr := actor.Authorize(uid, "agent:commerce", "orders", true); aerr != nil {
			return nil, aerr
		}
		if err := docstore.CheckIndex(docstore.ColAgentOrders, "uid"); err != nil {
			return nil, apperr.FailedPrecondition("MISSING_INDEX", "%s", err.Error())
		}
	} else {
		if !actor.Staff && actor.AgentClientID != req.AgentClientID {
			return nil, apperr.Forbidden("NOT_RESOURCE_OWNER", "not authorized for these orders")
		}
		if err := docstore.CheckIndex(docstore.ColAgentOrders, "agentClientId"); err != nil {
			return nil, apperr.FailedPrecondition("MISSING_INDEX", "%s", err.Error())
		}
	}

	var rows []models.Order
	err := e.store.List(ctx, docstore.ColAgentOrders, func(_ string, raw []byte) error {
		var o models.Order
		if err := json.Unmarshal(raw, &o); err != nil {
			return err
		}
		if uid != "" && o.UID != uid {
			return nil
		}
		if req.AgentClientID != "" && o.AgentClientID != req.AgentClientID {
			return nil
		}
		rows = append(rows, o)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].OrderID < rows[j].OrderID
		}
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})
	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}
