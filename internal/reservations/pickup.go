package reservations

import (
	"context"
	"time"

	"github.com/mudflat/studio/control-plane/internal/apperr"
	"github.com/mudflat/studio/control-plane/internal/docstore"
	"github.com/mudflat/studio/control-plane/internal/identity"
	"github.com/mudflat/studio/control-plane/pkg/models"
)

// PickupRequest is one action against the pickup window machine.
type PickupRequest struct {
	ReservationID string     `json:"reservationId"`
	Action        string     `json:"action"`
	Start         *time.Time `json:"start,omitempty"`
	End           *time.Time `json:"end,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	Force         bool       `json:"force,omitempty"`
}

const (
	pickupActionSetOpen       = "staff_set_open_window"
	pickupActionConfirm       = "member_confirm_window"
	pickupActionReschedule    = "member_request_reschedule"
	pickupActionMarkMissed    = "staff_mark_missed"
	pickupActionMarkCompleted = "staff_mark_completed"
)

// PickupWindow applies one transition of the post-fire pickup machine.
// Staff actions require a staff actor; member actions accept owner or staff.
func (e *Engine) PickupWindow(ctx context.Context, actor *identity.Actor, requestID string, req PickupRequest) (*models.Reservation, error) {
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

		var reason string
		switch req.Action {
		case pickupActionSetOpen:
			if !actor.Staff {
				return apperr.Forbidden("STAFF_ONLY", "%s is staff-only", req.Action)
			}
			if res.LoadStatus != models.LoadLoaded && !req.Force {
				return apperr.Conflict("NOT_LOADED", "pickup window opens after the kiln is unloaded")
			}
			if req.Start == nil || req.End == nil || req.End.Before(*req.Start) {
				return apperr.InvalidArgument("INVALID_WINDOW", "a valid start/end range is required")
			}
			res.PickupWindow.Status = models.PickupOpen
			res.PickupWindow.ConfirmedStart = req.Start
			res.PickupWindow.ConfirmedEnd = req.End
			res.PickupWindow.ConfirmedAt = nil
			reason = "pickup_window_opened"

		case pickupActionConfirm:
			if res.PickupWindow.Status != models.PickupOpen {
				return apperr.Conflict("WINDOW_NOT_OPEN", "window is %s, not open", res.PickupWindow.Status)
			}
			if res.PickupWindow.ConfirmedEnd == nil || res.PickupWindow.ConfirmedEnd.Before(now) {
				return apperr.Conflict("WINDOW_EXPIRED", "the offered window has passed")
			}
			res.PickupWindow.Status = models.PickupConfirmed
			confirmed := now
			res.PickupWindow.ConfirmedAt = &confirmed
			reason = "pickup_window_confirmed"

		case pickupActionReschedule:
			if res.PickupWindow.RescheduleCount >= 1 && !req.Force {
				return apperr.Conflict("RESCHEDULE_LIMIT", "only one reschedule is allowed")
			}
			res.PickupWindow.RequestedStart = req.Start
			res.PickupWindow.RequestedEnd = req.End
			res.PickupWindow.ConfirmedStart = nil
			res.PickupWindow.ConfirmedEnd = nil
			res.PickupWindow.ConfirmedAt = nil
			res.PickupWindow.Status = models.PickupOpen
			res.PickupWindow.RescheduleCount++
			requested := now
			res.PickupWindow.LastRescheduleRequested = &requested
			reason = "pickup_window_reschedule_requested"

		case pickupActionMarkMissed:
			if !actor.Staff {
				return apperr.Forbidden("STAFF_ONLY", "%s is staff-only", req.Action)
			}
			if (res.PickupWindow.ConfirmedEnd == nil || res.PickupWindow.ConfirmedEnd.After(now)) && !req.Force {
				return apperr.Conflict("WINDOW_NOT_PASSED", "window has not passed yet")
			}
			res.PickupWindow.Status = models.PickupMissed
			res.PickupWindow.MissedCount++
			missed := now
			res.PickupWindow.LastMissedAt = &missed
			if res.PickupWindow.MissedCount >= 2 {
				res.StorageStatus = models.StorageStoredByPolicy
			} else {
				res.StorageStatus = models.StorageHoldPending
			}
			reason = "pickup_window_missed"

		case pickupActionMarkCompleted:
			if !actor.Staff {
				return apperr.Forbidden("STAFF_ONLY", "%s is staff-only", req.Action)
			}
			// Miss/reschedule tallies are monotonic; completion only
			// restores the storage state.
			res.PickupWindow.Status = models.PickupCompleted
			completed := now
			res.PickupWindow.CompletedAt = &completed
			res.StorageStatus = models.StorageActive
			reason = "pickup_window_completed"

		default:
			return apperr.InvalidArgument("INVALID_PICKUP_ACTION", "unknown action %q", req.Action)
		}

		appendStorageNotice(&res, models.StorageNotice{
			Kind:      reason,
			At:        now,
			ActorUID:  actor.UID,
			ActorRole: actorRole(actor),
			Notes:     req.Notes,
		})
		appendStage(&res, models.StageEntry{
			Stage:     stageFor(res.Status, res.LoadStatus),
			At:        now,
			Source:    "pickup",
			Reason:    reason,
			Notes:     req.Notes,
			ActorUID:  actor.UID,
			ActorRole: actorRole(actor),
		})
		res.UpdatedAt = now
		if err := tx.Put(docstore.ColReservations, res.ID, res); err != nil {
			return err
		}

		audit := models.StorageAudit{
			ID:            requestID + ":" + reason,
			ReservationID: res.ID,
			OwnerUID:      res.OwnerUID,
			Action:        reason,
			Notes:         req.Notes,
			ActorUID:      actor.UID,
			At:            now,
		}
		if err := tx.Put(docstore.ColStorageAudit, audit.ID, audit); err != nil {
			return err
		}

		updated = &res
		return nil
	})
	if err != nil {
		e.emitAudit(ctx, actor, requestID, "reservations.pickupWindow", "deny", apperr.From(err).Code, nil)
		return nil, err
	}
	e.emitAudit(ctx, actor, requestID, "reservations.pickupWindow", "ok", "", updated)
	return updated, nil
}
