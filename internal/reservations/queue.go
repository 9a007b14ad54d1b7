package reservations

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/mudflat/studio/control-plane/internal/docstore"
	"github.com/mudflat/studio/control-plane/internal/stations"
	"github.com/mudflat/studio/control-plane/pkg/models"
)

const queueSlotDuration = 48 * time.Hour

// queueKey is the sort tuple for one station queue. Lower sorts earlier;
// id breaks the final tie.
type queueKey struct {
	community   int
	status      int
	rush        int
	wholeKiln   int
	fairness    int
	sizePenalty float64
	createdAtMs int64
	id          string
}

func queueKeyFor(r *models.Reservation) queueKey {
	k := queueKey{
		rush:        1,
		wholeKiln:   1,
		fairness:    r.QueueFairnessPolicy.EffectivePenaltyPoints,
		sizePenalty: r.EstimateHalfShelves(),
		createdAtMs: r.CreatedAt.UnixMilli(),
		id:          r.ID,
	}
	if r.IntakeMode == models.IntakeCommunityShelf {
		k.community = 1
	}
	switch r.Status {
	case models.StatusConfirmed:
		k.status = 0
	case models.StatusRequested:
		k.status = 1
	case models.StatusWaitlisted:
		k.status = 2
	default:
		k.status = 3
	}
	if r.AddOns.RushRequested {
		k.rush = 0
	}
	if r.IntakeMode == models.IntakeWholeKiln {
		k.wholeKiln = 0
	}
	return k
}

func (a queueKey) less(b queueKey) bool {
	if a.community != b.community {
		return a.community < b.community
	}
	if a.status != b.status {
		return a.status < b.status
	}
	if a.rush != b.rush {
		return a.rush < b.rush
	}
	if a.wholeKiln != b.wholeKiln {
		return a.wholeKiln < b.wholeKiln
	}
	if a.fairness != b.fairness {
		return a.fairness < b.fairness
	}
	if a.sizePenalty != b.sizePenalty {
		return a.sizePenalty < b.sizePenalty
	}
	if a.createdAtMs != b.createdAtMs {
		return a.createdAtMs < b.createdAtMs
	}
	return a.id < b.id
}

// RecomputeQueue reassigns queue-position hints and estimated windows for
// every reservation on the station. Cancelled rows lose their hint and get
// sla_state=unknown. Best-effort by contract; callers fire it concurrently
// and the last writer wins.
func (e *Engine) RecomputeQueue(ctx context.Context, stationID string) error {
	sid := stations.Normalize(stationID)
	if sid == "" {
		return nil
	}

	var rows []models.Reservation
	err := e.store.List(ctx, docstore.ColReservations, func(_ string, raw []byte) error {
		var r models.Reservation
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		if r.AssignedStationID == sid {
			rows = append(rows, r)
		}
		return nil
	})
	if err != nil {
		return err
	}

	now := e.now()

	var active []*models.Reservation
	for i := range rows {
		r := &rows[i]
		if r.Status == models.StatusCancelled {
			r.QueuePositionHint = nil
			r.EstimatedWindow = &models.EstimatedWindow{SLAState: "unknown"}
			if err := e.store.Put(ctx, docstore.ColReservations, r.ID, r); err != nil {
				return err
			}
			continue
		}
		active = append(active, r)
	}

	sort.Slice(active, func(i, j int) bool {
		return queueKeyFor(active[i]).less(queueKeyFor(active[j]))
	})

	for i, r := range active {
		pos := i + 1
		r.QueuePositionHint = &pos
		r.EstimatedWindow = estimateWindow(pos, now)
		if err := e.store.Put(ctx, docstore.ColReservations, r.ID, r); err != nil {
			return err
		}
	}
	return nil
}

// estimateWindow derives the firing estimate for rank pos. Two reservations
// share one two-day slot.
func estimateWindow(pos int, now time.Time) *models.EstimatedWindow {
	slot := (pos - 1) / 2
	start := now.Add(time.Duration(slot) * queueSlotDuration)
	end := start.Add(queueSlotDuration)

	w := &models.EstimatedWindow{Start: &start, End: &end}
	switch {
	case pos <= 2:
		w.Confidence = "high"
		w.SLAState = "on_track"
	case pos <= 5:
		w.Confidence = "medium"
		w.SLAState = "at_risk"
	default:
		w.Confidence = "low"
		w.SLAState = "delayed"
	}
	return w
}
