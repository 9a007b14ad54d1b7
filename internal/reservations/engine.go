// Package reservations implements the reservation lifecycle and
// queue-fairness engine: state machines, station capacity, arrival tokens,
// pickup windows, storage escalation, fairness policy, and continuity
// export. Every mutating operation is authorized by owner or staff and
// emits one audit event.
package reservations

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/mudflat/studio/control-plane/internal/apperr"
	"github.com/mudflat/studio/control-plane/internal/audit"
	"github.com/mudflat/studio/control-plane/internal/docstore"
	"github.com/mudflat/studio/control-plane/internal/identity"
	"github.com/mudflat/studio/control-plane/internal/stations"
	"github.com/mudflat/studio/control-plane/pkg/models"
)

// Engine owns all reservation state.
type Engine struct {
	store    docstore.Store
	stations *stations.Registry
	audit    *audit.Emitter

	// now is swappable for tests.
	now func() time.Time
}

// New creates the engine.
func New(store docstore.Store, registry *stations.Registry, emitter *audit.Emitter) *Engine {
	return &Engine{
		store:    store,
		stations: registry,
		audit:    emitter,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Get loads a reservation, authorizing owner or staff.
func (e *Engine) Get(ctx context.Context, actor *identity.Actor, id string) (*models.Reservation, error) {
	res, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if aerr := actor.Authorize(res.OwnerUID, "reservations:read", "reservation", true); aerr != nil {
		return nil, aerr
	}
	return res, nil
}

// ListRequest filters the owner-scoped listing.
type ListRequest struct {
	OwnerUID  string `json:"ownerUid,omitempty"`
	Status    string `json:"status,omitempty"`
	StationID string `json:"stationId,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// List returns reservations newest-first. Members may only list their own;
// staff may list anyone's.
func (e *Engine) List(ctx context.Context, actor *identity.Actor, req ListRequest) ([]models.Reservation, error) {
	owner := req.OwnerUID
	if owner == "" {
		owner = actor.UID
	}
	if aerr := actor.Authorize(owner, "reservations:read", "reservation", true); aerr != nil {
		return nil, aerr
	}
	if err := docstore.CheckIndex(docstore.ColReservations, "ownerUid,createdAt desc"); err != nil {
		return nil, apperr.FailedPrecondition("MISSING_INDEX", "%s", err.Error())
	}

	var statusFilter models.ReservationStatus
	if req.Status != "" {
		st, ok := models.NormalizeStatus(req.Status)
		if !ok {
			return nil, apperr.InvalidArgument("INVALID_STATUS", "unknown status %q", req.Status)
		}
		statusFilter = st
	}

	var rows []models.Reservation
	err := e.store.List(ctx, docstore.ColReservations, func(_ string, raw []byte) error {
		var r models.Reservation
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		if r.OwnerUID != owner {
			return nil
		}
		if statusFilter != "" && r.Status != statusFilter {
			return nil
		}
		if req.StationID != "" && r.AssignedStationID != stations.Normalize(req.StationID) {
			return nil
		}
		rows = append(rows, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})
	limit := req.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// ── Shared helpers ──────────────────────────────────────────

func (e *Engine) load(ctx context.Context, id string) (*models.Reservation, error) {
	var res models.Reservation
	err := e.store.Get(ctx, docstore.ColReservations, id, &res)
	var notFound *docstore.ErrNotFound
	if errors.As(err, &notFound) {
		return nil, apperr.NotFound("RESERVATION_NOT_FOUND", "reservation %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func txGet(tx docstore.Txn, id string, out *models.Reservation) error {
	err := tx.Get(docstore.ColReservations, id, out)
	var notFound *docstore.ErrNotFound
	if errors.As(err, &notFound) {
		return apperr.NotFound("RESERVATION_NOT_FOUND", "reservation %s not found", id)
	}
	return err
}

// appendStage pushes a stage-history entry, keeping the most recent
// MaxStageHistory entries. History is append-only and head-truncated.
func appendStage(res *models.Reservation, entry models.StageEntry) {
	res.StageStatus = entry
	res.StageHistory = append(res.StageHistory, entry)
	if len(res.StageHistory) > models.MaxStageHistory {
		res.StageHistory = res.StageHistory[len(res.StageHistory)-models.MaxStageHistory:]
	}
}

// appendStorageNotice pushes a storage notice, bounded at
// MaxStorageNoticeHistory entries.
func appendStorageNotice(res *models.Reservation, notice models.StorageNotice) {
	res.StorageNoticeHistory = append(res.StorageNoticeHistory, notice)
	if len(res.StorageNoticeHistory) > models.MaxStorageNoticeHistory {
		res.StorageNoticeHistory = res.StorageNoticeHistory[len(res.StorageNoticeHistory)-models.MaxStorageNoticeHistory:]
	}
}

// stageFor maps a status onto its coarse lifecycle stage.
func stageFor(status models.ReservationStatus, load models.LoadStatus) string {
	switch {
	case status == models.StatusCancelled:
		return "canceled"
	case load == models.LoadLoaded || status == models.StatusLoaded:
		return "loaded"
	case status == models.StatusConfirmed || status == models.StatusWaitlisted:
		return "queued"
	default:
		return "intake"
	}
}

func actorRole(actor *identity.Actor) string {
	if actor.Staff {
		return "staff"
	}
	return "client"
}

// truncateTrailing keeps the trailing max characters of s.
func truncateTrailing(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}

func (e *Engine) emitAudit(ctx context.Context, actor *identity.Actor, requestID, action, outcome, reasonCode string, res *models.Reservation) {
	event := models.AuditEvent{
		RequestID:    requestID,
		ActorUID:     actor.UID,
		ActorMode:    actor.Mode,
		Action:       action,
		Outcome:      outcome,
		ReasonCode:   reasonCode,
		ResourceType: "reservation",
	}
	if res != nil {
		event.ResourceID = res.ID
		event.OwnerUID = res.OwnerUID
	}
	e.audit.Emit(ctx, event)
}
