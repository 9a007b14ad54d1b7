package reservations

import (
	"context"
	"time"

	"github.com/mudflat/studio/control-plane/internal/apperr"
	"github.com/mudflat/studio/control-plane/internal/docstore"
	"github.com/mudflat/studio/control-plane/internal/idempotency"
	"github.com/mudflat/studio/control-plane/internal/identity"
	"github.com/mudflat/studio/control-plane/pkg/models"
)

// computeFairnessPolicy derives the versioned policy snapshot from the raw
// counters:
//
//	penalty   = 2*no_show + late
//	boost     = override_boost while override_until is unset or >= now
//	effective = max(0, penalty - boost)
func computeFairnessPolicy(f models.QueueFairness, now time.Time) models.QueueFairnessPolicy {
	penalty := 2*f.NoShowCount + f.LateArrivalCount

	boost := f.OverrideBoost
	if boost > models.MaxOverrideBoost {
		boost = models.MaxOverrideBoost
	}
	if boost < 0 {
		boost = 0
	}
	if f.OverrideUntil != nil && f.OverrideUntil.Before(now) {
		boost = 0
	}

	effective := penalty - boost
	if effective < 0 {
		effective = 0
	}

	var reasons []string
	switch {
	case f.NoShowCount >= 2:
		reasons = append(reasons, "repeat_no_show")
	case f.NoShowCount == 1:
		reasons = append(reasons, "no_show")
	}
	if f.LateArrivalCount > 0 {
		reasons = append(reasons, "late_arrival")
	}
	if boost > 0 {
		reasons = append(reasons, "staff_override_boost")
	}
	if reasons == nil {
		reasons = []string{}
	}

	return models.QueueFairnessPolicy{
		NoShowCount:            f.NoShowCount,
		LateArrivalCount:       f.LateArrivalCount,
		PenaltyPoints:          penalty,
		EffectivePenaltyPoints: effective,
		OverrideBoostApplied:   boost,
		ReasonCodes:            reasons,
		PolicyVersion:          models.FairnessPolicyVersion,
		ComputedAt:             now,
	}
}

// FairnessRequest is one staff fairness action.
type FairnessRequest struct {
	ReservationID string     `json:"reservationId"`
	Action        string     `json:"action"` // record_no_show | record_late_arrival | set_override_boost | clear_override
	Reason        string     `json:"reason"`
	BoostPoints   int        `json:"boostPoints,omitempty"`
	OverrideUntil *time.Time `json:"overrideUntil,omitempty"`
}

// QueueFairness applies one staff fairness action, recomputes the policy
// snapshot, and writes the evidence record.
func (e *Engine) QueueFairness(ctx context.Context, actor *identity.Actor, requestID string, req FairnessRequest) (*models.Reservation, error) {
	if !actor.Staff {
		return nil, apperr.Forbidden("STAFF_ONLY", "queue fairness is staff-only")
	}
	if req.ReservationID == "" {
		return nil, apperr.InvalidArgument("MISSING_RESERVATION_ID", "reservationId is required")
	}
	if req.Reason == "" {
		return nil, apperr.InvalidArgument("FAIRNESS_REASON_REQUIRED", "every fairness action requires a reason")
	}

	var updated *models.Reservation
	err := e.store.RunTxn(ctx, func(tx docstore.Txn) error {
		var res models.Reservation
		if err := txGet(tx, req.ReservationID, &res); err != nil {
			return err
		}
		now := e.now()

		switch req.Action {
		case "record_no_show":
			res.QueueFairness.NoShowCount++
		case "record_late_arrival":
			res.QueueFairness.LateArrivalCount++
		case "set_override_boost":
			if req.BoostPoints < 0 || req.BoostPoints > models.MaxOverrideBoost {
				return apperr.InvalidArgument("INVALID_BOOST",
					"boost points must be within [0,%d]", models.MaxOverrideBoost)
			}
			res.QueueFairness.OverrideBoost = req.BoostPoints
			res.QueueFairness.OverrideReason = req.Reason
			res.QueueFairness.OverrideUntil = req.OverrideUntil
		case "clear_override":
			res.QueueFairness.OverrideBoost = 0
			res.QueueFairness.OverrideReason = ""
			res.QueueFairness.OverrideUntil = nil
		default:
			return apperr.InvalidArgument("INVALID_FAIRNESS_ACTION", "unknown action %q", req.Action)
		}

		evidenceID := idempotency.DeterministicID("reservation-fairness", res.ID, req.Action+":"+requestID)
		res.QueueFairness.UpdatedAt = &now
		res.QueueFairness.UpdatedByUID = actor.UID
		res.QueueFairness.UpdatedByRole = "staff"
		res.QueueFairness.LastPolicyNote = req.Reason
		res.QueueFairness.LastEvidenceID = evidenceID

		res.QueueFairnessPolicy = computeFairnessPolicy(res.QueueFairness, now)

		note := "[fairness:" + req.Action + "] " + req.Reason
		res.StaffNotes = truncateTrailing(res.StaffNotes+"\n"+note, models.MaxStaffNotes)

		appendStage(&res, models.StageEntry{
			Stage:     stageFor(res.Status, res.LoadStatus),
			At:        now,
			Source:    "fairness",
			Reason:    req.Action,
			Notes:     req.Reason,
			ActorUID:  actor.UID,
			ActorRole: "staff",
		})
		res.UpdatedAt = now
		if err := tx.Put(docstore.ColReservations, res.ID, res); err != nil {
			return err
		}

		evidence := models.FairnessAudit{
			EvidenceID:    evidenceID,
			ReservationID: res.ID,
			Action:        req.Action,
			Reason:        req.Reason,
			ActorUID:      actor.UID,
			ActorRole:     "staff",
			RequestID:     requestID,
			Policy:        res.QueueFairnessPolicy,
			At:            now,
		}
		if err := tx.Put(docstore.ColFairnessAudit, evidenceID, evidence); err != nil {
			return err
		}

		updated = &res
		return nil
	})
	if err != nil {
		e.emitAudit(ctx, actor, requestID, "reservations.queueFairness", "deny", apperr.From(err).Code, nil)
		return nil, err
	}

	e.emitAudit(ctx, actor, requestID, "reservations.queueFairness", "ok", "", updated)
	e.recomputeAsync(updated.AssignedStationID)
	return updated, nil
}
