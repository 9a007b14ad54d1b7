package reservations

import (
	"context"
	"strings"
	"time"

	"github.com/mudflat/studio/control-plane/internal/apperr"
	"github.com/mudflat/studio/control-plane/internal/docstore"
	"github.com/mudflat/studio/control-plane/internal/identity"
	"github.com/mudflat/studio/control-plane/pkg/models"
)

// allowedTransitions is the authoritative status matrix. A transition
// outside it fails with CONFLICT unless force=true is supplied by staff.
var allowedTransitions = map[models.ReservationStatus][]models.ReservationStatus{
	models.StatusRequested: {
		models.StatusRequested, models.StatusConfirmed, models.StatusWaitlisted, models.StatusCancelled,
	},
	models.StatusConfirmed: {
		models.StatusConfirmed, models.StatusWaitlisted, models.StatusCancelled, models.StatusLoaded,
	},
	models.StatusWaitlisted: {
		models.StatusWaitlisted, models.StatusConfirmed, models.StatusCancelled,
	},
	models.StatusCancelled: {
		models.StatusCancelled,
	},
	models.StatusLoaded: {
		models.StatusLoaded, models.StatusCancelled,
	},
	models.StatusConfirmedArrived: {
		models.StatusConfirmedArrived, models.StatusCancelled,
	},
}

// TransitionAllowed reports whether from→to is in the matrix.
func TransitionAllowed(from, to models.ReservationStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// UpdateRequest mutates status, load status, or staff notes.
type UpdateRequest struct {
	ReservationID string `json:"reservationId"`
	Status        string `json:"status,omitempty"`
	LoadStatus    string `json:"loadStatus,omitempty"`
	Notes         string `json:"notes,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Force         bool   `json:"force,omitempty"`
}

// Update applies a status/load-status/notes change under the transition
// matrix, minting arrival tokens and pickup side-effects where the
// transition demands them.
func (e *Engine) Update(ctx context.Context, actor *identity.Actor, requestID string, req UpdateRequest) (*models.Reservation, error) {
	if req.ReservationID == "" {
		return nil, apperr.InvalidArgument("MISSING_RESERVATION_ID", "reservationId is required")
	}
	if req.Force && !actor.Staff {
		return nil, apperr.Forbidden("FORCE_REQUIRES_STAFF", "force is a staff-only override")
	}

	var updated *models.Reservation
	err := e.store.RunTxn(ctx, func(tx docstore.Txn) error {
		var res models.Reservation
		if err := txGet(tx, req.ReservationID, &res); err != nil {
			return err
		}
		if aerr := actor.Authorize(res.OwnerUID, "reservations:write", "reservation", true); aerr != nil {
			return aerr
		}

		now := e.now()
		changed := false

		if req.Status != "" {
			to, ok := models.NormalizeStatus(req.Status)
			if !ok {
				return apperr.InvalidArgument("INVALID_STATUS", "unknown status %q", req.Status)
			}
			if to != res.Status {
				if !TransitionAllowed(res.Status, to) && !(req.Force && actor.Staff) {
					return apperr.Conflict(
						"INVALID_STATUS_TRANSITION:"+string(res.Status)+"->"+string(to),
						"status transition %s -> %s is not allowed", res.Status, to)
				}
				// First confirmation (or any entry into CONFIRMED) mints a
				// fresh arrival token.
				if to == models.StatusConfirmed && res.Status != models.StatusConfirmed {
					e.mintArrivalToken(&res, now)
					res.ArrivalStatus = models.ArrivalExpected
					res.ArrivedAt = nil
				}
				res.Status = to
				changed = true
			}
		}

		if req.LoadStatus != "" {
			to := models.LoadStatus(strings.ToLower(strings.TrimSpace(req.LoadStatus)))
			switch to {
			case models.LoadQueued, models.LoadLoading, models.LoadLoaded:
			default:
				return apperr.InvalidArgument("INVALID_LOAD_STATUS", "unknown load status %q", req.LoadStatus)
			}
			if to != res.LoadStatus {
				if to == models.LoadLoaded && res.ReadyForPickupAt == nil {
					e.markReadyForPickup(&res, now)
				}
				res.LoadStatus = to
				changed = true
			}
		}

		if req.Notes != "" {
			res.StaffNotes = truncateTrailing(res.StaffNotes+"\n"+req.Notes, models.MaxStaffNotes)
			changed = true
		}

		if changed {
			reason := req.Reason
			if reason == "" {
				reason = "Reservation updated"
			}
			appendStage(&res, models.StageEntry{
				Stage:     stageFor(res.Status, res.LoadStatus),
				At:        now,
				Source:    "update",
				Reason:    reason,
				Notes:     req.Notes,
				ActorUID:  actor.UID,
				ActorRole: actorRole(actor),
			})
			res.UpdatedAt = now
			if err := tx.Put(docstore.ColReservations, res.ID, res); err != nil {
				return err
			}
		}
		updated = &res
		return nil
	})
	if err != nil {
		e.emitAudit(ctx, actor, requestID, "reservations.update", "deny", apperr.From(err).Code, updated)
		return nil, err
	}

	e.emitAudit(ctx, actor, requestID, "reservations.update", "ok", "", updated)
	e.recomputeAsync(updated.AssignedStationID)
	return updated, nil
}

// markReadyForPickup applies the first-load side effects: stamp readiness,
// reset reminder counters, make sure the pickup window has a concrete
// confirmed range, and post the pickup_ready notice.
func (e *Engine) markReadyForPickup(res *models.Reservation, now time.Time) {
	ready := now
	res.ReadyForPickupAt = &ready
	res.StorageStatus = models.StorageActive
	if res.PickupWindow.ConfirmedStart == nil && res.PickupWindow.RequestedStart != nil {
		res.PickupWindow.ConfirmedStart = res.PickupWindow.RequestedStart
		res.PickupWindow.ConfirmedEnd = res.PickupWindow.RequestedEnd
	}
	appendStorageNotice(res, models.StorageNotice{
		Kind: "pickup_ready",
		At:   now,
	})
}
