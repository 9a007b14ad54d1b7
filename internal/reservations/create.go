package reservations

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mudflat/studio/control-plane/internal/apperr"
	"github.com/mudflat/studio/control-plane/internal/docstore"
	"github.com/mudflat/studio/control-plane/internal/idempotency"
	"github.com/mudflat/studio/control-plane/internal/identity"
	"github.com/mudflat/studio/control-plane/internal/stations"
	"github.com/mudflat/studio/control-plane/pkg/models"
)

// CreateRequest is the full intake payload.
type CreateRequest struct {
	OwnerUID        string `json:"ownerUid,omitempty"`
	ClientRequestID string `json:"clientRequestId,omitempty"`

	IntakeMode string `json:"intakeMode,omitempty"`
	FiringType string `json:"firingType,omitempty"`

	FootprintHalfShelves int     `json:"footprintHalfShelves,omitempty"`
	Tiers                int     `json:"tiers,omitempty"`
	EstimatedHalfShelves float64 `json:"estimatedHalfShelves,omitempty"`
	ShelfEquivalent      float64 `json:"shelfEquivalent,omitempty"`
	HeightIn             float64 `json:"heightIn,omitempty"`

	PreferredWindow *models.TimeWindow `json:"preferredWindow,omitempty"`
	Pieces          []PieceInput       `json:"pieces,omitempty"`

	AssignedStationID string `json:"assignedStationId,omitempty"`
	QueueClass        string `json:"queueClass,omitempty"`

	AddOns    models.AddOns    `json:"addOns"`
	DropOff   *models.DropOff  `json:"dropOff,omitempty"`
	Delivery  *models.Delivery `json:"delivery,omitempty"`
	PhotoPath string           `json:"photoPath,omitempty"`

	StaffNotes string `json:"staffNotes,omitempty"`
}

// PieceInput is one piece in the intake payload.
type PieceInput struct {
	PieceID  string `json:"pieceId,omitempty"`
	Label    string `json:"pieceLabel,omitempty"`
	Count    int    `json:"pieceCount,omitempty"`
	PhotoURL string `json:"piecePhotoUrl,omitempty"`
}

// CreateResult carries the written reservation and the replay flag.
type CreateResult struct {
	Reservation      *models.Reservation `json:"reservation"`
	IdempotentReplay bool                `json:"idempotentReplay"`
}

// Create validates, normalizes, and writes a new reservation. When a
// client_request_id is supplied the document id is deterministic and a
// repeat call replays the existing reservation.
func (e *Engine) Create(ctx context.Context, actor *identity.Actor, requestID string, req CreateRequest) (*CreateResult, error) {
	owner := req.OwnerUID
	if owner == "" {
		owner = actor.UID
	}
	if aerr := actor.Authorize(owner, "reservations:write", "reservation", true); aerr != nil {
		e.emitAudit(ctx, actor, requestID, "reservations.create", "deny", aerr.Code, nil)
		return nil, aerr
	}

	if err := validateCreate(owner, &req); err != nil {
		e.emitAudit(ctx, actor, requestID, "reservations.create", "deny", err.Code, nil)
		return nil, err
	}

	// Deterministic id + replay when the caller supplies a request id.
	id := uuid.NewString()
	if req.ClientRequestID != "" {
		id = idempotency.DeterministicID("reservation", owner, req.ClientRequestID)
		if existing, err := e.load(ctx, id); err == nil {
			if existing.OwnerUID != owner {
				return nil, apperr.Conflict("CLIENT_REQUEST_ID_CONFLICT",
					"client request id is bound to a different owner")
			}
			return &CreateResult{Reservation: existing, IdempotentReplay: true}, nil
		}
	}

	now := e.now()
	res := &models.Reservation{
		ID:            id,
		OwnerUID:      owner,
		CreatedByUID:  actor.UID,
		CreatedByRole: createRole(actor),
		IntakeMode:    models.NormalizeIntakeMode(req.IntakeMode),
		FiringType:    normalizeFiring(req.FiringType),

		FootprintHalfShelves: req.FootprintHalfShelves,
		Tiers:                req.Tiers,
		EstimatedHalfShelves: req.EstimatedHalfShelves,
		ShelfEquivalent:      req.ShelfEquivalent,
		HeightIn:             req.HeightIn,

		Status:     models.StatusRequested,
		LoadStatus: models.LoadQueued,
		QueueClass: strings.ToLower(strings.TrimSpace(req.QueueClass)),

		PreferredWindow: req.PreferredWindow,
		AddOns:          req.AddOns,
		DropOff:         req.DropOff,
		Delivery:        req.Delivery,
		PhotoPath:       req.PhotoPath,
		StaffNotes:      truncateTrailing(req.StaffNotes, models.MaxStaffNotes),
		ClientRequestID: req.ClientRequestID,

		ArrivalStatus: models.ArrivalExpected,
		StorageStatus: models.StorageActive,
		PickupWindow:  models.PickupWindow{Status: models.PickupOpen},

		CreatedAt: now,
		UpdatedAt: now,
	}

	if req.AssignedStationID != "" {
		sid := stations.Normalize(req.AssignedStationID)
		if !e.stations.IsKnown(sid) {
			return nil, apperr.InvalidArgument("UNKNOWN_STATION", "unknown station %q", req.AssignedStationID)
		}
		res.AssignedStationID = sid
	}

	normalizeSize(res)

	// Community shelf is free fill-in: no paid add-ons survive.
	if res.IntakeMode == models.IntakeCommunityShelf {
		res.AddOns = models.AddOns{}
	}

	if err := attachPieces(res, req.Pieces); err != nil {
		return nil, err
	}

	res.QueueFairnessPolicy = computeFairnessPolicy(res.QueueFairness, now)

	// History starts empty; the intake entry lives on stage_status until the
	// first transition appends.
	res.StageStatus = models.StageEntry{
		Stage:     "intake",
		At:        now,
		Source:    "create",
		Reason:    "Reservation created",
		ActorUID:  actor.UID,
		ActorRole: createRole(actor),
	}
	res.StageHistory = []models.StageEntry{}

	// The write shares a transaction with the capacity check so concurrent
	// creates cannot overfill a pre-assigned station.
	err := e.store.RunTxn(ctx, func(tx docstore.Txn) error {
		if res.AssignedStationID != "" {
			used, uerr := e.stationUsage(tx, res.AssignedStationID, res.ID)
			if uerr != nil {
				return uerr
			}
			if res.CountsAgainstCapacity() {
				used += res.EstimateHalfShelves()
			}
			if capacity, ok := e.stations.Capacity(res.AssignedStationID); ok && used > float64(capacity) {
				return apperr.Conflict("STATION_CAPACITY_EXCEEDED", "Station is at capacity").
					WithDetail("stationId", res.AssignedStationID).
					WithDetail("capacityHalfShelves", capacity).
					WithDetail("prospectiveHalfShelves", used)
			}
		}
		if req.ClientRequestID != "" {
			return tx.Create(docstore.ColReservations, id, res)
		}
		return tx.Put(docstore.ColReservations, id, res)
	})
	var exists *docstore.ErrExists
	if errors.As(err, &exists) {
		// Lost the race with a concurrent identical create; replay it.
		existing, lerr := e.load(ctx, id)
		if lerr != nil {
			return nil, lerr
		}
		return &CreateResult{Reservation: existing, IdempotentReplay: true}, nil
	}
	if err != nil {
		e.emitAudit(ctx, actor, requestID, "reservations.create", "deny", apperr.From(err).Code, nil)
		return nil, err
	}

	e.emitAudit(ctx, actor, requestID, "reservations.create", "ok", "", res)
	e.recomputeAsync(res.AssignedStationID)

	return &CreateResult{Reservation: res, IdempotentReplay: false}, nil
}

// recomputeAsync fires a queue-hint recompute for the station; failure logs
// a warning and never fails the parent request.
func (e *Engine) recomputeAsync(stationID string) {
	if stationID == "" {
		return
	}
	go func() {
		if err := e.RecomputeQueue(context.Background(), stationID); err != nil {
			log.Warn().Err(err).Str("station", stationID).Msg("queue recompute failed")
		}
	}()
}

func createRole(actor *identity.Actor) string {
	if actor.Staff {
		return "staff"
	}
	return "client"
}

func normalizeFiring(s string) models.FiringType {
	switch models.FiringType(strings.ToLower(strings.TrimSpace(s))) {
	case models.FiringBisque:
		return models.FiringBisque
	case models.FiringGlaze:
		return models.FiringGlaze
	default:
		return models.FiringOther
	}
}

func validateCreate(owner string, req *CreateRequest) *apperr.Error {
	if w := req.PreferredWindow; w != nil && w.Earliest != nil && w.Latest != nil && w.Earliest.After(*w.Latest) {
		return apperr.InvalidArgument("INVALID_WINDOW", "preferred window earliest must not exceed latest")
	}
	if req.DropOff != nil && req.DropOff.Profile == "bisque-only" &&
		normalizeFiring(req.FiringType) != models.FiringBisque {
		return apperr.InvalidArgument("DROPOFF_PROFILE_MISMATCH",
			"bisque-only drop-off profile requires firing_type=bisque")
	}
	if req.AddOns.Delivery {
		if req.Delivery == nil || req.Delivery.Address == "" || req.Delivery.Instructions == "" {
			return apperr.InvalidArgument("DELIVERY_DETAILS_REQUIRED",
				"delivery add-on requires address and instructions")
		}
	}
	if req.PhotoPath != "" && !strings.HasPrefix(req.PhotoPath, "checkins/"+owner+"/") {
		return apperr.InvalidArgument("INVALID_PHOTO_PATH",
			"photo path must live under checkins/%s/", owner)
	}
	if len(req.Pieces) > models.MaxPieces {
		return apperr.InvalidArgument("TOO_MANY_PIECES",
			"at most %d pieces per reservation", models.MaxPieces)
	}
	return nil
}

// normalizeSize fills the derived size fields per the intake rules.
func normalizeSize(res *models.Reservation) {
	if res.ShelfEquivalent != 0 {
		res.ShelfEquivalent = clampFloat(res.ShelfEquivalent, models.MinShelfEquivalent, models.MaxShelfEquivalent)
	}
	if res.Tiers < 1 {
		if res.HeightIn > 0 {
			res.Tiers = 1 + int(math.Floor((res.HeightIn-1)/10))
		} else {
			res.Tiers = 1
		}
	}
	if res.EstimatedHalfShelves <= 0 {
		switch {
		case res.FootprintHalfShelves > 0:
			res.EstimatedHalfShelves = float64(res.FootprintHalfShelves * res.Tiers)
		case res.ShelfEquivalent > 0:
			res.EstimatedHalfShelves = res.ShelfEquivalent * 2
		default:
			res.EstimatedHalfShelves = 1
		}
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func attachPieces(res *models.Reservation, inputs []PieceInput) *apperr.Error {
	if len(inputs) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(inputs))
	pieces := make([]models.Piece, 0, len(inputs))
	for i, in := range inputs {
		count := in.Count
		if count == 0 {
			count = 1
		}
		if count < 1 || count > models.MaxPieceCount {
			return apperr.InvalidArgument("INVALID_PIECE_COUNT",
				"piece count must be within [1,%d]", models.MaxPieceCount)
		}
		id := strings.ToUpper(strings.TrimSpace(in.PieceID))
		if id == "" {
			id = generatePieceID(res.ID, i+1)
		} else if !validPieceID(id) {
			return apperr.InvalidArgument("INVALID_PIECE_ID",
				"piece id must be uppercase alphanumeric/dash/underscore, at most 120 chars")
		}
		if seen[id] {
			return apperr.Conflict("DUPLICATE_PIECE_ID", "piece id %s repeats", id).
				WithDetail("duplicateItemId", id)
		}
		seen[id] = true
		pieces = append(pieces, models.Piece{
			PieceID:  id,
			Label:    in.Label,
			Count:    count,
			PhotoURL: in.PhotoURL,
			Status:   models.PieceAwaitingPlacement,
		})
	}
	res.Pieces = pieces
	return nil
}
