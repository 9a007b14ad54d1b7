package reservations

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mudflat/studio/control-plane/internal/docstore"
	"github.com/mudflat/studio/control-plane/internal/identity"
	"github.com/mudflat/studio/control-plane/pkg/models"
)

// ExportSchemaVersion is stamped on every continuity artifact.
const ExportSchemaVersion = "2026-02-24.v1"

const exportMaxRows = 1000

// ExportRequest selects the owner and row budget for a continuity export.
type ExportRequest struct {
	OwnerUID   string `json:"ownerUid,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	SkipCSV    bool   `json:"skipCsv,omitempty"`
}

// ExportHeader is the versioned artifact header.
type ExportHeader struct {
	ArtifactID    string    `json:"artifactId"`
	OwnerUID      string    `json:"ownerUid"`
	GeneratedAt   time.Time `json:"generatedAt"`
	SchemaVersion string    `json:"schemaVersion"`
	Format        []string  `json:"format"`
	Signature     string    `json:"signature"`
	RequestID     string    `json:"requestId"`
}

// ExportBundle is the full continuity artifact.
type ExportBundle struct {
	Header        ExportHeader           `json:"header"`
	Summary       map[string]any         `json:"summary"`
	Reservations  []models.Reservation   `json:"reservations"`
	StorageAudit  []models.StorageAudit  `json:"storageAudit,omitempty"`
	FairnessAudit []models.FairnessAudit `json:"fairnessAudit,omitempty"`
	Notifications []models.Notification  `json:"notifications,omitempty"`
	Warnings      []string               `json:"warnings,omitempty"`
	CSV           string                 `json:"csv,omitempty"`
}

// Redaction applied before export: piece photo URLs, the staff-notes body,
// and live arrival tokens never leave the studio.
func redactForExport(r models.Reservation) models.Reservation {
	r.ArrivalToken = ""
	r.ArrivalTokenLookup = ""
	r.StaffNotes = ""
	r.PhotoPath = ""
	pieces := make([]models.Piece, len(r.Pieces))
	for i, p := range r.Pieces {
		p.PhotoURL = ""
		pieces[i] = p
	}
	r.Pieces = pieces
	return r
}

// ExportContinuity aggregates the owner's reservation history into a signed,
// versioned artifact. Audit and notification reads are best-effort; failures
// become warnings instead of aborting the export.
func (e *Engine) ExportContinuity(ctx context.Context, actor *identity.Actor, requestID string, req ExportRequest) (*ExportBundle, error) {
	owner := req.OwnerUID
	if owner == "" {
		owner = actor.UID
	}
	if aerr := actor.Authorize(owner, "reservations:read", "reservation", true); aerr != nil {
		return nil, aerr
	}

	limit := req.Limit
	if limit <= 0 || limit > exportMaxRows {
		limit = exportMaxRows
	}

	rows, err := e.List(ctx, actor, ListRequest{OwnerUID: owner, Limit: limit})
	if err != nil {
		return nil, err
	}

	bundle := &ExportBundle{Summary: map[string]any{}}
	ids := make(map[string]bool, len(rows))
	byStatus := map[string]int{}
	for _, r := range rows {
		ids[r.ID] = true
		byStatus[string(r.Status)]++
		bundle.Reservations = append(bundle.Reservations, redactForExport(r))
	}
	bundle.Summary["reservationCount"] = len(rows)
	bundle.Summary["byStatus"] = byStatus

	// Best-effort side collections.
	if err := e.store.List(ctx, docstore.ColStorageAudit, func(_ string, raw []byte) error {
		var a models.StorageAudit
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		if ids[a.ReservationID] {
			bundle.StorageAudit = append(bundle.StorageAudit, a)
		}
		return nil
	}); err != nil {
		log.Warn().Err(err).Str("owner", owner).Msg("continuity export: storage audit read failed")
		bundle.Warnings = append(bundle.Warnings, "storage_audit_unavailable")
	}
	if err := e.store.List(ctx, docstore.ColFairnessAudit, func(_ string, raw []byte) error {
		var a models.FairnessAudit
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		if ids[a.ReservationID] {
			bundle.FairnessAudit = append(bundle.FairnessAudit, a)
		}
		return nil
	}); err != nil {
		log.Warn().Err(err).Str("owner", owner).Msg("continuity export: fairness audit read failed")
		bundle.Warnings = append(bundle.Warnings, "fairness_audit_unavailable")
	}
	if err := e.store.List(ctx, docstore.ColNotifications, func(_ string, raw []byte) error {
		var n models.Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			return err
		}
		if n.UID == owner {
			bundle.Notifications = append(bundle.Notifications, n)
		}
		return nil
	}); err != nil {
		log.Warn().Err(err).Str("owner", owner).Msg("continuity export: notification read failed")
		bundle.Warnings = append(bundle.Warnings, "notifications_unavailable")
	}

	sort.Slice(bundle.StorageAudit, func(i, j int) bool {
		return bundle.StorageAudit[i].At.Before(bundle.StorageAudit[j].At)
	})
	sort.Slice(bundle.FairnessAudit, func(i, j int) bool {
		return bundle.FairnessAudit[i].At.Before(bundle.FairnessAudit[j].At)
	})

	now := e.now()
	formats := []string{"json"}
	if !req.SkipCSV {
		bundle.CSV = exportCSV(bundle.Reservations)
		formats = append(formats, "csv")
	}

	bundle.Header = ExportHeader{
		ArtifactID:    uuid.NewString(),
		OwnerUID:      owner,
		GeneratedAt:   now,
		SchemaVersion: ExportSchemaVersion,
		Format:        formats,
		RequestID:     requestID,
	}
	bundle.Header.Signature = exportSignature(requestID, owner, now, bundle.Summary)

	e.emitAudit(ctx, actor, requestID, "reservations.exportContinuity", "ok", "", nil)
	return bundle, nil
}

// exportSignature builds "mfexp_" + fnv1a32(canonical fields).hex(8). The
// signature is a tamper-evidence checksum, not an authenticity proof.
func exportSignature(requestID, ownerUID string, generatedAt time.Time, summary map[string]any) string {
	summaryJSON, _ := json.Marshal(summary)
	canonical := strings.Join([]string{
		requestID,
		ownerUID,
		generatedAt.UTC().Format(time.RFC3339Nano),
		ExportSchemaVersion,
		string(summaryJSON),
	}, "\n")
	return fmt.Sprintf("mfexp_%08x", fnv1a32(canonical))
}

// exportCSV renders the reservation rows as a flat CSV table.
func exportCSV(rows []models.Reservation) string {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	_ = w.Write([]string{
		"id", "status", "loadStatus", "intakeMode", "firingType",
		"assignedStationId", "estimatedHalfShelves", "storageStatus",
		"pickupWindowStatus", "createdAt", "updatedAt",
	})
	for _, r := range rows {
		_ = w.Write([]string{
			r.ID,
			string(r.Status),
			string(r.LoadStatus),
			string(r.IntakeMode),
			string(r.FiringType),
			r.AssignedStationID,
			strconv.FormatFloat(r.EstimateHalfShelves(), 'f', -1, 64),
			string(r.StorageStatus),
			string(r.PickupWindow.Status),
			r.CreatedAt.UTC().Format(time.RFC3339),
			r.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	w.Flush()
	return sb.String()
}
