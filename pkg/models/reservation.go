// Package models defines the persisted entities of the studio control plane.
// Documents are flat records stored by (collection, id); all timestamps are
// UTC. Handler and engine code depends on these shapes, never on storage
// internals.
package models

import (
	"strings"
	"time"
)

// ── Reservation enums ───────────────────────────────────────

// ReservationStatus is the coarse lifecycle state of a firing reservation.
type ReservationStatus string

const (
	StatusRequested        ReservationStatus = "REQUESTED"
	StatusConfirmed        ReservationStatus = "CONFIRMED"
	StatusWaitlisted       ReservationStatus = "WAITLISTED"
	StatusCancelled        ReservationStatus = "CANCELLED"
	StatusConfirmedArrived ReservationStatus = "CONFIRMED_ARRIVED"
	StatusLoaded           ReservationStatus = "LOADED"
)

// NormalizeStatus maps input aliases onto canonical statuses.
// "CANCELED" (single L) is accepted as an alias for CANCELLED.
func NormalizeStatus(s string) (ReservationStatus, bool) {
	switch ReservationStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusRequested:
		return StatusRequested, true
	case StatusConfirmed:
		return StatusConfirmed, true
	case StatusWaitlisted:
		return StatusWaitlisted, true
	case StatusCancelled, ReservationStatus("CANCELED"):
		return StatusCancelled, true
	case StatusConfirmedArrived:
		return StatusConfirmedArrived, true
	case StatusLoaded:
		return StatusLoaded, true
	}
	return "", false
}

// IntakeMode describes how material enters the studio pipeline.
type IntakeMode string

const (
	IntakeShelfPurchase  IntakeMode = "SHELF_PURCHASE"
	IntakeWholeKiln      IntakeMode = "WHOLE_KILN"
	IntakeCommunityShelf IntakeMode = "COMMUNITY_SHELF"
)

// NormalizeIntakeMode maps free-form input onto a canonical intake mode,
// defaulting to SHELF_PURCHASE.
func NormalizeIntakeMode(s string) IntakeMode {
	switch IntakeMode(strings.ToUpper(strings.TrimSpace(s))) {
	case IntakeWholeKiln:
		return IntakeWholeKiln
	case IntakeCommunityShelf:
		return IntakeCommunityShelf
	default:
		return IntakeShelfPurchase
	}
}

// FiringType is the kind of firing requested.
type FiringType string

const (
	FiringBisque FiringType = "bisque"
	FiringGlaze  FiringType = "glaze"
	FiringOther  FiringType = "other"
)

// LoadStatus tracks physical kiln loading progress.
type LoadStatus string

const (
	LoadQueued  LoadStatus = "queued"
	LoadLoading LoadStatus = "loading"
	LoadLoaded  LoadStatus = "loaded"
)

// ArrivalStatus tracks whether the member has checked in their ware.
type ArrivalStatus string

const (
	ArrivalExpected ArrivalStatus = "expected"
	ArrivalArrived  ArrivalStatus = "arrived"
)

// StorageStatus tracks post-fire storage escalation.
type StorageStatus string

const (
	StorageActive          StorageStatus = "active"
	StorageReminderPending StorageStatus = "reminder_pending"
	StorageHoldPending     StorageStatus = "hold_pending"
	StorageStoredByPolicy  StorageStatus = "stored_by_policy"
)

// PickupWindowStatus is the state of the post-fire pickup window machine.
type PickupWindowStatus string

const (
	PickupOpen      PickupWindowStatus = "open"
	PickupConfirmed PickupWindowStatus = "confirmed"
	PickupMissed    PickupWindowStatus = "missed"
	PickupExpired   PickupWindowStatus = "expired"
	PickupCompleted PickupWindowStatus = "completed"
)

// PieceStatus is per-piece progress through the firing.
type PieceStatus string

const (
	PieceAwaitingPlacement PieceStatus = "awaiting_placement"
	PieceLoaded            PieceStatus = "loaded"
	PieceFired             PieceStatus = "fired"
	PieceReady             PieceStatus = "ready"
	PiecePickedUp          PieceStatus = "picked_up"
)

// ── Bounded history sizes ───────────────────────────────────

const (
	MaxStageHistory         = 120
	MaxStorageNoticeHistory = 80
	MaxPieces               = 250
	MaxPieceCount           = 500
	MaxStaffNotes           = 1500
	MinShelfEquivalent      = 0.25
	MaxShelfEquivalent      = 32
	MaxOverrideBoost        = 20
)

// ── Reservation ─────────────────────────────────────────────

// Reservation is the central document of the reservation engine.
type Reservation struct {
	ID            string `json:"id"`
	OwnerUID      string `json:"ownerUid"`
	CreatedByUID  string `json:"createdByUid,omitempty"`
	CreatedByRole string `json:"createdByRole,omitempty"` // client | staff | dev

	IntakeMode IntakeMode `json:"intakeMode"`
	FiringType FiringType `json:"firingType"`

	FootprintHalfShelves int     `json:"footprintHalfShelves,omitempty"`
	Tiers                int     `json:"tiers,omitempty"`
	EstimatedHalfShelves float64 `json:"estimatedHalfShelves,omitempty"`
	ShelfEquivalent      float64 `json:"shelfEquivalent,omitempty"`
	HeightIn             float64 `json:"heightIn,omitempty"`

	Status            ReservationStatus `json:"status"`
	LoadStatus        LoadStatus        `json:"loadStatus,omitempty"`
	AssignedStationID string            `json:"assignedStationId,omitempty"`
	QueueClass        string            `json:"queueClass,omitempty"`
	RequiredResources []string          `json:"requiredResources,omitempty"`
	QueuePositionHint *int              `json:"queuePositionHint,omitempty"`
	EstimatedWindow   *EstimatedWindow  `json:"estimatedWindow,omitempty"`

	PreferredWindow *TimeWindow `json:"preferredWindow,omitempty"`

	Pieces []Piece `json:"pieces,omitempty"`

	ArrivalToken          string     `json:"arrivalToken,omitempty"`
	ArrivalTokenLookup    string     `json:"arrivalTokenLookup,omitempty"`
	ArrivalTokenVersion   int        `json:"arrivalTokenVersion"`
	ArrivalTokenIssuedAt  *time.Time `json:"arrivalTokenIssuedAt,omitempty"`
	ArrivalTokenExpiresAt *time.Time `json:"arrivalTokenExpiresAt,omitempty"`

	ArrivalStatus ArrivalStatus `json:"arrivalStatus,omitempty"`
	ArrivedAt     *time.Time    `json:"arrivedAt,omitempty"`

	PickupWindow  PickupWindow  `json:"pickupWindow"`
	StorageStatus StorageStatus `json:"storageStatus"`

	ReadyForPickupAt *time.Time `json:"readyForPickupAt,omitempty"`

	StageStatus          StageEntry     `json:"stageStatus"`
	StageHistory         []StageEntry   `json:"stageHistory"`
	StorageNoticeHistory []StorageNotice `json:"storageNoticeHistory,omitempty"`

	QueueFairness       QueueFairness       `json:"queueFairness"`
	QueueFairnessPolicy QueueFairnessPolicy `json:"queueFairnessPolicy"`

	AddOns          AddOns        `json:"addOns"`
	DropOff         *DropOff      `json:"dropOff,omitempty"`
	Delivery        *Delivery     `json:"delivery,omitempty"`
	PhotoPath       string        `json:"photoPath,omitempty"`
	StaffNotes      string        `json:"staffNotes,omitempty"`
	ClientRequestID string        `json:"clientRequestId,omitempty"`
	BatchID         string        `json:"batchId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TimeWindow is a [earliest, latest] pair; either side may be unset.
type TimeWindow struct {
	Earliest *time.Time `json:"earliest,omitempty"`
	Latest   *time.Time `json:"latest,omitempty"`
}

// EstimatedWindow is the queue-derived firing estimate.
type EstimatedWindow struct {
	Start      *time.Time `json:"start,omitempty"`
	End        *time.Time `json:"end,omitempty"`
	Confidence string     `json:"confidence,omitempty"` // high | medium | low
	SLAState   string     `json:"slaState"`             // on_track | at_risk | delayed | unknown
}

// Piece is a single item within a reservation.
type Piece struct {
	PieceID    string      `json:"pieceId"`
	Label      string      `json:"pieceLabel,omitempty"`
	Count      int         `json:"pieceCount"`
	PhotoURL   string      `json:"piecePhotoUrl,omitempty"`
	Status     PieceStatus `json:"pieceStatus"`
}

// PickupWindow is the post-fire pickup state machine.
type PickupWindow struct {
	RequestedStart           *time.Time         `json:"requestedStart,omitempty"`
	RequestedEnd             *time.Time         `json:"requestedEnd,omitempty"`
	ConfirmedStart           *time.Time         `json:"confirmedStart,omitempty"`
	ConfirmedEnd             *time.Time         `json:"confirmedEnd,omitempty"`
	Status                   PickupWindowStatus `json:"status"`
	ConfirmedAt              *time.Time         `json:"confirmedAt,omitempty"`
	CompletedAt              *time.Time         `json:"completedAt,omitempty"`
	MissedCount              int                `json:"missedCount"`
	RescheduleCount          int                `json:"rescheduleCount"`
	LastMissedAt             *time.Time         `json:"lastMissedAt,omitempty"`
	LastRescheduleRequested  *time.Time         `json:"lastRescheduleRequestedAt,omitempty"`
}

// StageEntry records one lifecycle stage change.
type StageEntry struct {
	Stage     string    `json:"stage"` // intake | queued | loaded | canceled
	At        time.Time `json:"at"`
	Source    string    `json:"source,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	ActorUID  string    `json:"actorUid,omitempty"`
	ActorRole string    `json:"actorRole,omitempty"`
}

// StorageNotice records one storage/pickup lifecycle notice.
type StorageNotice struct {
	Kind      string    `json:"kind"`
	At        time.Time `json:"at"`
	ActorUID  string    `json:"actorUid,omitempty"`
	ActorRole string    `json:"actorRole,omitempty"`
	Notes     string    `json:"notes,omitempty"`
}

// QueueFairness holds the raw fairness counters managed by staff.
type QueueFairness struct {
	NoShowCount      int        `json:"noShowCount"`
	LateArrivalCount int        `json:"lateArrivalCount"`
	OverrideBoost    int        `json:"overrideBoost"`
	OverrideReason   string     `json:"overrideReason,omitempty"`
	OverrideUntil    *time.Time `json:"overrideUntil,omitempty"`
	UpdatedAt        *time.Time `json:"updatedAt,omitempty"`
	UpdatedByUID     string     `json:"updatedByUid,omitempty"`
	UpdatedByRole    string     `json:"updatedByRole,omitempty"` // staff | dev | system
	LastPolicyNote   string     `json:"lastPolicyNote,omitempty"`
	LastEvidenceID   string     `json:"lastEvidenceId,omitempty"`
}

// QueueFairnessPolicy is the derived, versioned policy snapshot.
type QueueFairnessPolicy struct {
	NoShowCount           int       `json:"noShowCount"`
	LateArrivalCount      int       `json:"lateArrivalCount"`
	PenaltyPoints         int       `json:"penaltyPoints"`
	EffectivePenaltyPoints int      `json:"effectivePenaltyPoints"`
	OverrideBoostApplied  int       `json:"overrideBoostApplied"`
	ReasonCodes           []string  `json:"reasonCodes"`
	PolicyVersion         string    `json:"policyVersion"`
	ComputedAt            time.Time `json:"computedAt"`
}

// FairnessPolicyVersion is stamped onto every recomputed policy snapshot.
const FairnessPolicyVersion = "2026-02-24.v1"

// AddOns are paid extras attached to a reservation.
type AddOns struct {
	RushRequested bool `json:"rushRequested,omitempty"`
	Delivery      bool `json:"delivery,omitempty"`
	Insurance     bool `json:"insurance,omitempty"`
}

// DropOff captures the drop-off profile supplied at intake.
type DropOff struct {
	Profile         string `json:"profile,omitempty"` // e.g. bisque-only
	SpecialHandling bool   `json:"specialHandling,omitempty"`
}

// Delivery holds the delivery add-on destination.
type Delivery struct {
	Address      string `json:"address,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// EstimateHalfShelves returns the capacity contribution of a reservation.
// Falls back through the derivation chain used at create time so that rows
// written before normalization still count.
func (r *Reservation) EstimateHalfShelves() float64 {
	if r.EstimatedHalfShelves > 0 {
		return r.EstimatedHalfShelves
	}
	if r.FootprintHalfShelves > 0 {
		tiers := r.Tiers
		if tiers < 1 {
			tiers = 1
		}
		return float64(r.FootprintHalfShelves * tiers)
	}
	if r.ShelfEquivalent > 0 {
		return r.ShelfEquivalent * 2
	}
	return 1
}

// CountsAgainstCapacity reports whether the reservation consumes station
// capacity.
func (r *Reservation) CountsAgainstCapacity() bool {
	if r.Status == StatusCancelled {
		return false
	}
	if r.IntakeMode == IntakeCommunityShelf {
		return false
	}
	switch r.LoadStatus {
	case LoadQueued, LoadLoading, LoadLoaded:
		return true
	}
	return false
}
