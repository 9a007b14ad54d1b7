package reservations

import (
	"context"
	"encoding/json"

	"github.com/mudflat/studio/control-plane/internal/apperr"
	"github.com/mudflat/studio/control-plane/internal/docstore"
	"github.com/mudflat/studio/control-plane/internal/identity"
	"github.com/mudflat/studio/control-plane/pkg/models"
)

// CheckInRequest identifies the reservation by id or arrival token.
type CheckInRequest struct {
	ReservationID string `json:"reservationId,omitempty"`
	ArrivalToken  string `json:"arrivalToken,omitempty"`
	Notes         string `json:"notes,omitempty"`
	PhotoPath     string `json:"photoPath,omitempty"`
}

// CheckInResult is the arrival outcome.
type CheckInResult struct {
	Reservation      *models.Reservation `json:"reservation"`
	IdempotentReplay bool                `json:"idempotentReplay"`
}

// CheckIn records one arrival event. Requires the reservation to be in
// {CONFIRMED, CONFIRMED_ARRIVED, LOADED}; CANCELLED fails with CONFLICT.
// Re-checking an already-arrived reservation with no new note or photo is
// an idempotent replay.
func (e *Engine) CheckIn(ctx context.Context, actor *identity.Actor, requestID string, req CheckInRequest) (*CheckInResult, error) {
	id := req.ReservationID
	if id == "" && req.ArrivalToken != "" {
		found, err := e.LookupArrival(ctx, req.ArrivalToken)
		if err != nil {
			return nil, err
		}
		id = found.ID
	}
	if id == "" {
		return nil, apperr.InvalidArgument("MISSING_IDENTIFIER",
			"either reservationId or arrivalToken is required")
	}

	var result CheckInResult
	err := e.store.RunTxn(ctx, func(tx docstore.Txn) error {
		var res models.Reservation
		if err := txGet(tx, id, &res); err != nil {
			return err
		}
		if aerr := actor.Authorize(res.OwnerUID, "reservations:write", "reservation", true); aerr != nil {
			return aerr
		}

		switch res.Status {
		case models.StatusCancelled:
			return apperr.Conflict("RESERVATION_CANCELLED", "cancelled reservations cannot check in")
		case models.StatusConfirmed, models.StatusConfirmedArrived, models.StatusLoaded:
		default:
			return apperr.Conflict("NOT_CHECKIN_ELIGIBLE",
				"reservation in status %s cannot check in", res.Status)
		}

		if res.ArrivalStatus == models.ArrivalArrived && req.Notes == "" && req.PhotoPath == "" {
			result = CheckInResult{Reservation: &res, IdempotentReplay: true}
			return nil
		}

		now := e.now()
		res.ArrivalStatus = models.ArrivalArrived
		if res.ArrivedAt == nil {
			arrived := now
			res.ArrivedAt = &arrived
		}
		if req.PhotoPath != "" {
			res.PhotoPath = req.PhotoPath
		}
		appendStage(&res, models.StageEntry{
			Stage:     stageFor(res.Status, res.LoadStatus),
			At:        now,
			Source:    "checkin",
			Reason:    "arrival_recorded",
			Notes:     req.Notes,
			ActorUID:  actor.UID,
			ActorRole: actorRole(actor),
		})
		res.UpdatedAt = now
		if err := tx.Put(docstore.ColReservations, res.ID, res); err != nil {
			return err
		}
		result = CheckInResult{Reservation: &res}
		return nil
	})
	if err != nil {
		e.emitAudit(ctx, actor, requestID, "reservations.checkIn", "deny", apperr.From(err).Code, nil)
		return nil, err
	}
	e.emitAudit(ctx, actor, requestID, "reservations.checkIn", "ok", "", result.Reservation)
	return &result, nil
}

// LookupArrival resolves an arrival token to its reservation. The token is
// normalized to uppercase alphanumerics first; if no row matches the lookup
// key, an exact-token pass runs as a fallback for rows written before
// normalization.
func (e *Engine) LookupArrival(ctx context.Context, token string) (*models.Reservation, error) {
	lookup := NormalizeArrivalToken(token)
	if lookup == "" {
		return nil, apperr.InvalidArgument("INVALID_ARRIVAL_TOKEN", "arrival token is empty")
	}

	var match *models.Reservation
	err := e.store.List(ctx, docstore.ColReservations, func(_ string, raw []byte) error {
		if match != nil {
			return nil
		}
		var r models.Reservation
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		if r.ArrivalTokenLookup == lookup || r.ArrivalToken == token {
			match = &r
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if match == nil {
		return nil, apperr.NotFound("ARRIVAL_TOKEN_NOT_FOUND", "no reservation matches the token")
	}
	return match, nil
}

// RotateArrivalToken issues a fresh token (staff only). Arrival state is
// preserved when the member already arrived, otherwise reset to expected.
func (e *Engine) RotateArrivalToken(ctx context.Context, actor *identity.Actor, requestID, reservationID string) (*models.Reservation, error) {
	if !actor.Staff {
		return nil, apperr.Forbidden("STAFF_ONLY", "token rotation is staff-only")
	}
	var updated *models.Reservation
	err := e.store.RunTxn(ctx, func(tx docstore.Txn) error {
		var res models.Reservation
		if err := txGet(tx, reservationID, &res); err != nil {
			return err
		}
		now := e.now()
		e.mintArrivalToken(&res, now)
		if res.ArrivalStatus != models.ArrivalArrived {
			res.ArrivalStatus = models.ArrivalExpected
		}
		appendStage(&res, models.StageEntry{
			Stage:     stageFor(res.Status, res.LoadStatus),
			At:        now,
			Source:    "staff",
			Reason:    "arrival_token_rotated",
			ActorUID:  actor.UID,
			ActorRole: "staff",
		})
		res.UpdatedAt = now
		if err := tx.Put(docstore.ColReservations, res.ID, res); err != nil {
			return err
		}
		updated = &res
		return nil
	})
	if err != nil {
		e.emitAudit(ctx, actor, requestID, "reservations.rotateArrivalToken", "deny", apperr.From(err).Code, nil)
		return nil, err
	}
	e.emitAudit(ctx, actor, requestID, "reservations.rotateArrivalToken", "ok", "", updated)
	return updated, nil
}
