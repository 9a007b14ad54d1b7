package reservations

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"strings"

	"github.com/mudflat/studio/control-plane/internal/apperr"
	"github.com/mudflat/studio/control-plane/internal/docstore"
	"github.com/mudflat/studio/control-plane/internal/identity"
	"github.com/mudflat/studio/control-plane/internal/stations"
	"github.com/mudflat/studio/control-plane/pkg/models"
)

// AssignRequest moves a reservation to a station.
type AssignRequest struct {
	ReservationID     string   `json:"reservationId"`
	AssignedStationID string   `json:"assignedStationId"`
	QueueClass        string   `json:"queueClass,omitempty"`
	RequiredResources []string `json:"requiredResources,omitempty"`
}

// AssignResult carries the written reservation and the replay flag.
type AssignResult struct {
	Reservation      *models.Reservation `json:"reservation"`
	IdempotentReplay bool                `json:"idempotentReplay"`
}

// AssignStation assigns a reservation to a station inside a transaction
// that enforces the capacity invariant. Assigning to the station the
// reservation already occupies is a no-op replay.
func (e *Engine) AssignStation(ctx context.Context, actor *identity.Actor, requestID string, req AssignRequest) (*AssignResult, error) {
	if req.ReservationID == "" {
		return nil, apperr.InvalidArgument("MISSING_RESERVATION_ID", "reservationId is required")
	}
	sid := stations.Normalize(req.AssignedStationID)
	if !e.stations.IsKnown(sid) {
		return nil, apperr.InvalidArgument("UNKNOWN_STATION", "unknown station %q", req.AssignedStationID)
	}

	var result AssignResult
	err := e.store.RunTxn(ctx, func(tx docstore.Txn) error {
		var res models.Reservation
		if err := txGet(tx, req.ReservationID, &res); err != nil {
			return err
		}
		if aerr := actor.Authorize(res.OwnerUID, "reservations:write", "reservation", true); aerr != nil {
			return aerr
		}

		queueClass := strings.ToLower(strings.TrimSpace(req.QueueClass))
		resources := normalizeResources(req.RequiredResources)
		if res.AssignedStationID == sid &&
			(queueClass == "" || queueClass == res.QueueClass) &&
			(len(resources) == 0 || slices.Equal(resources, res.RequiredResources)) {
			result = AssignResult{Reservation: &res, IdempotentReplay: true}
			return nil
		}

		if res.AssignedStationID != sid {
			used, err := e.stationUsage(tx, sid, res.ID)
			if err != nil {
				return err
			}
			if res.CountsAgainstCapacity() {
				used += res.EstimateHalfShelves()
			}
			if capacity, ok := e.stations.Capacity(sid); ok && used > float64(capacity) {
				return apperr.Conflict("STATION_CAPACITY_EXCEEDED", "Station is at capacity").
					WithDetail("stationId", sid).
					WithDetail("capacityHalfShelves", capacity).
					WithDetail("prospectiveHalfShelves", used)
			}
		}

		now := e.now()
		res.AssignedStationID = sid
		if queueClass != "" {
			res.QueueClass = queueClass
		}
		if len(resources) > 0 {
			res.RequiredResources = resources
		}
		appendStage(&res, models.StageEntry{
			Stage:     stageFor(res.Status, res.LoadStatus),
			At:        now,
			Source:    "assign",
			Reason:    "station_assigned",
			ActorUID:  actor.UID,
			ActorRole: actorRole(actor),
		})
		res.UpdatedAt = now
		if err := tx.Put(docstore.ColReservations, res.ID, res); err != nil {
			return err
		}
		result = AssignResult{Reservation: &res}
		return nil
	})
	if err != nil {
		e.emitAudit(ctx, actor, requestID, "reservations.assignStation", "deny", apperr.From(err).Code, nil)
		return nil, err
	}

	e.emitAudit(ctx, actor, requestID, "reservations.assignStation", "ok", "", result.Reservation)
	if !result.IdempotentReplay {
		e.recomputeAsync(sid)
	}
	return &result, nil
}

// normalizeResources lowercases, dedupes, and sorts the requested resource
// tags, dropping blanks.
func normalizeResources(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, r := range in {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// stationUsage sums the half-shelf estimates of every capacity-relevant
// reservation on the station, excluding the one being moved.
func (e *Engine) stationUsage(tx docstore.Txn, stationID, excludeID string) (float64, error) {
	var used float64
	err := tx.List(docstore.ColReservations, func(_ string, raw []byte) error {
		var r models.Reservation
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		if r.ID == excludeID || r.AssignedStationID != stationID {
			return nil
		}
		if r.CountsAgainstCapacity() {
			used += r.EstimateHalfShelves()
		}
		return nil
	})
	return used, err
}
