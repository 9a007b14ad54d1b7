package models

import "time"

// AuditEvent is one structured audit row. Every deny/error path and every
// mutating success writes exactly one.
type AuditEvent struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"requestId"`
	Route        string    `json:"route,omitempty"`
	RouteFamily  string    `json:"routeFamily"` // v1 | legacy
	ActorUID     string    `json:"actorUid,omitempty"`
	ActorMode    AuthMode  `json:"actorMode,omitempty"`
	Action       string    `json:"action"`
	Outcome      string    `json:"outcome"` // ok | deny | error
	ReasonCode   string    `json:"reasonCode,omitempty"`
	ResourceType string    `json:"resourceType,omitempty"`
	ResourceID   string    `json:"resourceId,omitempty"`
	OwnerUID     string    `json:"ownerUid,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	At           time.Time `json:"at"`
}

// FairnessAudit is the evidence record emitted by every queue-fairness action.
// Stored under reservationQueueFairnessAudit/{evidence_id}.
type FairnessAudit struct {
	EvidenceID    string              `json:"evidenceId"`
	ReservationID string              `json:"reservationId"`
	Action        string              `json:"action"`
	Reason        string              `json:"reason"`
	ActorUID      string              `json:"actorUid"`
	ActorRole     string              `json:"actorRole"`
	RequestID     string              `json:"requestId"`
	Policy        QueueFairnessPolicy `json:"policy"`
	At            time.Time           `json:"at"`
}

// StorageAudit is a best-effort record of storage escalation actions.
// Stored under reservationStorageAudit.
type StorageAudit struct {
	ID            string    `json:"id"`
	ReservationID string    `json:"reservationId"`
	OwnerUID      string    `json:"ownerUid"`
	Action        string    `json:"action"`
	Notes         string    `json:"notes,omitempty"`
	ActorUID      string    `json:"actorUid,omitempty"`
	At            time.Time `json:"at"`
}

// Notification is a queued member notification; the engine only reads these
// for continuity export — delivery is external.
type Notification struct {
	ID        string    `json:"id"`
	UID       string    `json:"uid"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
