package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mudflat/studio/control-plane/internal/docstore"
	"github.com/mudflat/studio/control-plane/pkg/models"
)

func collectRows(t *testing.T, s *docstore.MemoryStore) []models.AuditEvent {
	t.Helper()
	var rows []models.AuditEvent
	err := s.List(context.Background(), docstore.ColAgentAuditLogs, func(_ string, raw []byte) error {
		var ev models.AuditEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return err
		}
		rows = append(rows, ev)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestEmit_FillsDefaults(t *testing.T) {
	s := docstore.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	em := New(s)

	em.Emit(context.Background(), models.AuditEvent{Action: "reservations.create", Outcome: "ok"})

	rows := collectRows(t, s)
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].ID == "" || rows[0].At.IsZero() {
		t.Errorf("row missing id/timestamp: %+v", rows[0])
	}
	if rows[0].RouteFamily != "v1" {
		t.Errorf("RouteFamily = %q, want v1 default", rows[0].RouteFamily)
	}
}

func TestEmit_RouteFamilyFromContext(t *testing.T) {
	s := docstore.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	em := New(s)

	ctx := WithRouteFamily(context.Background(), "legacy")
	em.Emit(ctx, models.AuditEvent{Action: "reservations.create", Outcome: "ok"})

	// An explicit family on the event wins over the marker.
	em.Emit(ctx, models.AuditEvent{Action: "reservations.create", Outcome: "ok", RouteFamily: "v1"})

	families := map[string]int{}
	for _, row := range collectRows(t, s) {
		families[row.RouteFamily]++
	}
	if families["legacy"] != 1 || families["v1"] != 1 {
		t.Errorf("families = %v, want one legacy and one v1", families)
	}
}

func TestRouteFamily_Default(t *testing.T) {
	if got := RouteFamily(context.Background()); got != "v1" {
		t.Errorf("RouteFamily(background) = %q, want v1", got)
	}
	ctx := WithRouteFamily(context.Background(), "legacy")
	if got := RouteFamily(ctx); got != "legacy" {
		t.Errorf("RouteFamily(marked) = %q, want legacy", got)
	}
}
