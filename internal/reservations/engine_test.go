package reservations

import (
	"context"
	"testing"
	"time"

	"github.com/mudflat/studio/control-plane/internal/apperr"
	"github.com/mudflat/studio/control-plane/internal/audit"
	"github.com/mudflat/studio/control-plane/internal/docstore"
	"github.com/mudflat/studio/control-plane/internal/identity"
	"github.com/mudflat/studio/control-plane/internal/stations"
	"github.com/mudflat/studio/control-plane/pkg/models"
)

func newTestEngine(t *testing.T, caps map[string]int) (*Engine, *docstore.MemoryStore) {
	t.Helper()
	s := docstore.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	e := New(s, stations.NewRegistry(caps), audit.New(s))
	return e, s
}

func memberActor(uid string) *identity.Actor {
	return &identity.Actor{Mode: models.ModeSession, UID: uid}
}

func staffActor(uid string) *identity.Actor {
	return &identity.Actor{Mode: models.ModeSession, UID: uid, Staff: true}
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %s, got nil", code)
	}
	if got := apperr.From(err).Code; got != code {
		t.Fatalf("error code = %q, want %q", got, code)
	}
}

// ─── Create ──────────────────────────────────────────────────

func TestCreate_Defaults(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	result, err := e.Create(ctx, memberActor("mem-1"), "req-1", CreateRequest{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	res := result.Reservation
	if res.Status != models.StatusRequested {
		t.Errorf("Status = %q, want REQUESTED", res.Status)
	}
	if res.LoadStatus != models.LoadQueued {
		t.Errorf("LoadStatus = %q, want queued", res.LoadStatus)
	}
	if res.IntakeMode != models.IntakeShelfPurchase {
		t.Errorf("IntakeMode = %q, want SHELF_PURCHASE", res.IntakeMode)
	}
	if res.EstimatedHalfShelves != 1 {
		t.Errorf("EstimatedHalfShelves = %v, want 1", res.EstimatedHalfShelves)
	}
	if res.StageStatus.Stage != "intake" {
		t.Errorf("StageStatus.Stage = %q, want intake", res.StageStatus.Stage)
	}
	if res.StageHistory == nil || len(res.StageHistory) != 0 {
		t.Errorf("StageHistory = %v, want empty at create", res.StageHistory)
	}
	if res.QueueFairnessPolicy.PolicyVersion != models.FairnessPolicyVersion {
		t.Errorf("PolicyVersion = %q, want %q", res.QueueFairnessPolicy.PolicyVersion, models.FairnessPolicyVersion)
	}
	if res.StorageStatus != models.StorageActive {
		t.Errorf("StorageStatus = %q, want active", res.StorageStatus)
	}
}

func TestCreate_ClientRequestIDReplay(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	actor := memberActor("mem-1")
	req := CreateRequest{ClientRequestID: "intake-2026-001", FiringType: "bisque"}

	first, err := e.Create(ctx, actor, "req-1", req)
	if err != nil {
		t.Fatalf("first Create() error = %v", err)
	}
	if first.IdempotentReplay {
		t.Fatal("first create flagged as replay")
	}

	second, err := e.Create(ctx, actor, "req-2", req)
	if err != nil {
		t.Fatalf("second Create() error = %v", err)
	}
	if !second.IdempotentReplay {
		t.Error("second create with same clientRequestId should replay")
	}
	if second.Reservation.ID != first.Reservation.ID {
		t.Errorf("replay returned id %s, want %s", second.Reservation.ID, first.Reservation.ID)
	}
}

func TestCreate_ClientRequestIDConflict(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	// Two owners, one key: the deterministic ids differ, so both succeed.
	a, err := e.Create(ctx, memberActor("mem-1"), "req-1", CreateRequest{ClientRequestID: "k1"})
	if err != nil {
		t.Fatalf("Create() owner 1 error = %v", err)
	}
	b, err := e.Create(ctx, memberActor("mem-2"), "req-2", CreateRequest{ClientRequestID: "k1"})
	if err != nil {
		t.Fatalf("Create() owner 2 error = %v", err)
	}
	if a.Reservation.ID == b.Reservation.ID {
		t.Error("different owners with the same clientRequestId collided")
	}
}

func TestCreate_Validation(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	actor := memberActor("mem-1")

	_, err := e.Create(ctx, actor, "r", CreateRequest{
		AddOns: models.AddOns{Delivery: true},
	})
	wantCode(t, err, "DELIVERY_DETAILS_REQUIRED")

	_, err = e.Create(ctx, actor, "r", CreateRequest{
		DropOff:    &models.DropOff{Profile: "bisque-only"},
		FiringType: "glaze",
	})
	wantCode(t, err, "DROPOFF_PROFILE_MISMATCH")

	_, err = e.Create(ctx, actor, "r", CreateRequest{PhotoPath: "checkins/other/shot.jpg"})
	wantCode(t, err, "INVALID_PHOTO_PATH")

	_, err = e.Create(ctx, actor, "r", CreateRequest{
		Pieces: []PieceInput{{PieceID: "P-1"}, {PieceID: "P-1"}},
	})
	wantCode(t, err, "DUPLICATE_PIECE_ID")

	_, err = e.Create(ctx, actor, "r", CreateRequest{AssignedStationID: "kiln-nope"})
	wantCode(t, err, "UNKNOWN_STATION")
}

func TestCreate_CommunityShelfDropsAddOns(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	result, err := e.Create(context.Background(), memberActor("mem-1"), "r", CreateRequest{
		IntakeMode: "COMMUNITY_SHELF",
		AddOns:     models.AddOns{RushRequested: true, Insurance: true},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if result.Reservation.AddOns != (models.AddOns{}) {
		t.Errorf("community shelf kept add-ons: %+v", result.Reservation.AddOns)
	}
}

// ─── Status transitions ──────────────────────────────────────

func TestUpdate_TransitionMatrix(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	actor := memberActor("mem-1")

	created, err := e.Create(ctx, actor, "r", CreateRequest{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	id := created.Reservation.ID

	res, err := e.Update(ctx, actor, "r", UpdateRequest{ReservationID: id, Status: "CONFIRMED"})
	if err != nil {
		t.Fatalf("Update(CONFIRMED) error = %v", err)
	}
	if res.Status != models.StatusConfirmed {
		t.Fatalf("Status = %q, want CONFIRMED", res.Status)
	}
	if res.ArrivalToken == "" {
		t.Error("confirmation did not mint an arrival token")
	}

	if _, err := e.Update(ctx, actor, "r", UpdateRequest{ReservationID: id, Status: "CANCELED"}); err != nil {
		t.Fatalf("Update(CANCELED alias) error = %v", err)
	}

	_, err = e.Update(ctx, actor, "r", UpdateRequest{ReservationID: id, Status: "CONFIRMED"})
	wantCode(t, err, "INVALID_STATUS_TRANSITION:CANCELLED->CONFIRMED")

	// Staff force overrides the matrix.
	forced, err := e.Update(ctx, staffActor("staff-1"), "r", UpdateRequest{
		ReservationID: id, Status: "CONFIRMED", Force: true,
	})
	if err != nil {
		t.Fatalf("forced Update() error = %v", err)
	}
	if forced.Status != models.StatusConfirmed {
		t.Errorf("forced Status = %q, want CONFIRMED", forced.Status)
	}
}

func TestUpdate_ForceRequiresStaff(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	_, err := e.Update(context.Background(), memberActor("mem-1"), "r", UpdateRequest{
		ReservationID: "whatever", Force: true,
	})
	wantCode(t, err, "FORCE_REQUIRES_STAFF")
}

func TestUpdate_LoadedSetsPickupReady(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	actor := memberActor("mem-1")

	created, _ := e.Create(ctx, actor, "r", CreateRequest{})
	id := created.Reservation.ID
	if _, err := e.Update(ctx, actor, "r", UpdateRequest{ReservationID: id, Status: "CONFIRMED"}); err != nil {
		t.Fatalf("confirm error = %v", err)
	}

	res, err := e.Update(ctx, staffActor("staff-1"), "r", UpdateRequest{ReservationID: id, LoadStatus: "loaded"})
	if err != nil {
		t.Fatalf("Update(loaded) error = %v", err)
	}
	if res.ReadyForPickupAt == nil {
		t.Error("loading did not stamp ReadyForPickupAt")
	}
	if len(res.StorageNoticeHistory) == 0 || res.StorageNoticeHistory[len(res.StorageNoticeHistory)-1].Kind != "pickup_ready" {
		t.Error("loading did not post the pickup_ready notice")
	}
}

// ─── Arrival tokens & check-in ───────────────────────────────

func TestArrivalToken_Roundtrip(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	actor := memberActor("mem-1")

	created, _ := e.Create(ctx, actor, "r", CreateRequest{})
	id := created.Reservation.ID
	confirmed, err := e.Update(ctx, actor, "r", UpdateRequest{ReservationID: id, Status: "CONFIRMED"})
	if err != nil {
		t.Fatalf("confirm error = %v", err)
	}

	token := confirmed.ArrivalToken
	if want := FormatArrivalToken(id, 1); token != want {
		t.Fatalf("token = %q, want %q", token, want)
	}

	found, err := e.LookupArrival(ctx, token)
	if err != nil {
		t.Fatalf("LookupArrival() error = %v", err)
	}
	if found.ID != id {
		t.Errorf("lookup resolved %s, want %s", found.ID, id)
	}

	// Normalization tolerates separators and case.
	mangled := "mf-arr-" + token[7:]
	if _, err := e.LookupArrival(ctx, mangled); err != nil {
		t.Errorf("LookupArrival(lowercase) error = %v", err)
	}

	_, err = e.LookupArrival(ctx, "---")
	wantCode(t, err, "INVALID_ARRIVAL_TOKEN")

	_, err = e.LookupArrival(ctx, "MF-ARR-ZZZZ-ZZZZ")
	wantCode(t, err, "ARRIVAL_TOKEN_NOT_FOUND")
}

func TestRotateArrivalToken(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	actor := memberActor("mem-1")

	created, _ := e.Create(ctx, actor, "r", CreateRequest{ClientRequestID: "rot-1"})
	id := created.Reservation.ID
	confirmed, _ := e.Update(ctx, actor, "r", UpdateRequest{ReservationID: id, Status: "CONFIRMED"})
	oldToken := confirmed.ArrivalToken

	_, err := e.RotateArrivalToken(ctx, actor, "r", id)
	wantCode(t, err, "STAFF_ONLY")

	rotated, err := e.RotateArrivalToken(ctx, staffActor("staff-1"), "r", id)
	if err != nil {
		t.Fatalf("RotateArrivalToken() error = %v", err)
	}
	if rotated.ArrivalTokenVersion != 2 {
		t.Errorf("token version = %d, want 2", rotated.ArrivalTokenVersion)
	}
	if rotated.ArrivalToken == oldToken {
		t.Error("rotation did not change the token")
	}
	if _, err := e.LookupArrival(ctx, oldToken); err == nil {
		t.Error("old token still resolves after rotation")
	}
	if _, err := e.LookupArrival(ctx, rotated.ArrivalToken); err != nil {
		t.Errorf("new token does not resolve: %v", err)
	}
}

func TestCheckIn_Lifecycle(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	actor := memberActor("mem-1")

	created, _ := e.Create(ctx, actor, "r", CreateRequest{})
	id := created.Reservation.ID

	// Not yet confirmed.
	_, err := e.CheckIn(ctx, actor, "r", CheckInRequest{ReservationID: id})
	wantCode(t, err, "NOT_CHECKIN_ELIGIBLE")

	confirmed, _ := e.Update(ctx, actor, "r", UpdateRequest{ReservationID: id, Status: "CONFIRMED"})

	first, err := e.CheckIn(ctx, actor, "r", CheckInRequest{ArrivalToken: confirmed.ArrivalToken})
	if err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
	if first.IdempotentReplay {
		t.Error("first check-in flagged as replay")
	}
	if first.Reservation.ArrivalStatus != models.ArrivalArrived {
		t.Errorf("ArrivalStatus = %q, want arrived", first.Reservation.ArrivalStatus)
	}
	if first.Reservation.ArrivedAt == nil {
		t.Fatal("ArrivedAt not stamped")
	}
	arrivedAt := *first.Reservation.ArrivedAt

	second, err := e.CheckIn(ctx, actor, "r", CheckInRequest{ReservationID: id})
	if err != nil {
		t.Fatalf("repeat CheckIn() error = %v", err)
	}
	if !second.IdempotentReplay {
		t.Error("repeat check-in with no new material should replay")
	}
	if !second.Reservation.ArrivedAt.Equal(arrivedAt) {
		t.Error("replay moved ArrivedAt")
	}

	// Cancelled reservations refuse check-in.
	if _, err := e.Update(ctx, actor, "r", UpdateRequest{ReservationID: id, Status: "CANCELLED", Force: false}); err != nil {
		// CONFIRMED -> CANCELLED is in the matrix.
		t.Fatalf("cancel error = %v", err)
	}
	_, err = e.CheckIn(ctx, actor, "r", CheckInRequest{ReservationID: id})
	wantCode(t, err, "RESERVATION_CANCELLED")
}

// ─── Fairness ────────────────────────────────────────────────

func TestComputeFairnessPolicy(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	p := computeFairnessPolicy(models.QueueFairness{NoShowCount: 2, LateArrivalCount: 1, OverrideBoost: 3}, now)
	if p.PenaltyPoints != 5 {
		t.Errorf("PenaltyPoints = %d, want 5", p.PenaltyPoints)
	}
	if p.EffectivePenaltyPoints != 2 {
		t.Errorf("EffectivePenaltyPoints = %d, want 2", p.EffectivePenaltyPoints)
	}
	wantReasons := []string{"repeat_no_show", "late_arrival", "staff_override_boost"}
	if len(p.ReasonCodes) != len(wantReasons) {
		t.Fatalf("ReasonCodes = %v, want %v", p.ReasonCodes, wantReasons)
	}
	for i, r := range wantReasons {
		if p.ReasonCodes[i] != r {
			t.Errorf("ReasonCodes[%d] = %q, want %q", i, p.ReasonCodes[i], r)
		}
	}

	// Expired override contributes nothing.
	past := now.Add(-time.Hour)
	p = computeFairnessPolicy(models.QueueFairness{NoShowCount: 1, OverrideBoost: 10, OverrideUntil: &past}, now)
	if p.OverrideBoostApplied != 0 {
		t.Errorf("expired override applied boost %d", p.OverrideBoostApplied)
	}
	if p.EffectivePenaltyPoints != 2 {
		t.Errorf("EffectivePenaltyPoints = %d, want 2", p.EffectivePenaltyPoints)
	}

	// Boost clamps to the cap, effective never goes negative.
	p = computeFairnessPolicy(models.QueueFairness{LateArrivalCount: 1, OverrideBoost: 99}, now)
	if p.OverrideBoostApplied != models.MaxOverrideBoost {
		t.Errorf("boost = %d, want clamp at %d", p.OverrideBoostApplied, models.MaxOverrideBoost)
	}
	if p.EffectivePenaltyPoints != 0 {
		t.Errorf("EffectivePenaltyPoints = %d, want 0", p.EffectivePenaltyPoints)
	}

	// Clean slate has an empty (not nil) reason list.
	p = computeFairnessPolicy(models.QueueFairness{}, now)
	if p.ReasonCodes == nil || len(p.ReasonCodes) != 0 {
		t.Errorf("clean ReasonCodes = %v, want []", p.ReasonCodes)
	}
}

func TestQueueFairness_Action(t *testing.T) {
	e, s := newTestEngine(t, nil)
	ctx := context.Background()
	member := memberActor("mem-1")
	staff := staffActor("staff-1")

	created, _ := e.Create(ctx, member, "r", CreateRequest{})
	id := created.Reservation.ID

	_, err := e.QueueFairness(ctx, member, "r", FairnessRequest{ReservationID: id, Action: "record_no_show", Reason: "x"})
	wantCode(t, err, "STAFF_ONLY")

	_, err = e.QueueFairness(ctx, staff, "r", FairnessRequest{ReservationID: id, Action: "record_no_show"})
	wantCode(t, err, "FAIRNESS_REASON_REQUIRED")

	_, err = e.QueueFairness(ctx, staff, "r", FairnessRequest{ReservationID: id, Action: "promote", Reason: "x"})
	wantCode(t, err, "INVALID_FAIRNESS_ACTION")

	for i, reqID := range []string{"fr-1", "fr-2"} {
		if _, err := e.QueueFairness(ctx, staff, reqID, FairnessRequest{
			ReservationID: id, Action: "record_no_show", Reason: "missed friday slot",
		}); err != nil {
			t.Fatalf("record_no_show #%d error = %v", i+1, err)
		}
	}
	if _, err := e.QueueFairness(ctx, staff, "fr-3", FairnessRequest{
		ReservationID: id, Action: "record_late_arrival", Reason: "arrived 40m late",
	}); err != nil {
		t.Fatalf("record_late_arrival error = %v", err)
	}
	res, err := e.QueueFairness(ctx, staff, "fr-4", FairnessRequest{
		ReservationID: id, Action: "set_override_boost", Reason: "hardship accommodation", BoostPoints: 3,
	})
	if err != nil {
		t.Fatalf("set_override_boost error = %v", err)
	}
	if res.QueueFairnessPolicy.EffectivePenaltyPoints != 2 {
		t.Errorf("effective penalty = %d, want 2", res.QueueFairnessPolicy.EffectivePenaltyPoints)
	}
	if res.QueueFairness.LastEvidenceID == "" {
		t.Error("fairness action recorded no evidence id")
	}

	// Each action writes an audit row.
	var auditRows int
	if err := s.List(ctx, docstore.ColFairnessAudit, func(_ string, _ []byte) error {
		auditRows++
		return nil
	}); err != nil {
		t.Fatalf("List(fairness audit) error = %v", err)
	}
	if auditRows != 4 {
		t.Errorf("fairness audit rows = %d, want 4", auditRows)
	}
}

// ─── Queue recompute ─────────────────────────────────────────

func TestRecomputeQueue_RankingAndEstimates(t *testing.T) {
	e, s := newTestEngine(t, nil)
	ctx := context.Background()
	staff := staffActor("staff-1")
	base := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	mk := func(owner string, req CreateRequest) string {
		created, err := e.Create(ctx, memberActor(owner), "r", req)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		return created.Reservation.ID
	}

	plain := mk("mem-1", CreateRequest{})
	rush := mk("mem-2", CreateRequest{AddOns: models.AddOns{RushRequested: true}})
	community := mk("mem-3", CreateRequest{IntakeMode: "COMMUNITY_SHELF"})
	cancelled := mk("mem-4", CreateRequest{})

	// Confirm the plain reservation so it outranks the other REQUESTED rows.
	if _, err := e.Update(ctx, memberActor("mem-1"), "r", UpdateRequest{ReservationID: plain, Status: "CONFIRMED"}); err != nil {
		t.Fatalf("confirm error = %v", err)
	}
	if _, err := e.Update(ctx, memberActor("mem-4"), "r", UpdateRequest{ReservationID: cancelled, Status: "CANCELLED"}); err != nil {
		t.Fatalf("cancel error = %v", err)
	}

	// Station assignment goes through the store directly so that the single
	// recompute below is the only queue writer.
	for _, id := range []string{plain, rush, community, cancelled} {
		var r models.Reservation
		if err := s.Get(ctx, docstore.ColReservations, id, &r); err != nil {
			t.Fatalf("Get(%s) error = %v", id, err)
		}
		r.AssignedStationID = "kiln-main"
		if err := s.Put(ctx, docstore.ColReservations, id, r); err != nil {
			t.Fatalf("Put(%s) error = %v", id, err)
		}
	}

	if err := e.RecomputeQueue(ctx, "kiln-main"); err != nil {
		t.Fatalf("RecomputeQueue() error = %v", err)
	}

	rank := func(id string) (int, *models.EstimatedWindow) {
		res, err := e.Get(ctx, staff, id)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", id, err)
		}
		if res.QueuePositionHint == nil {
			return 0, res.EstimatedWindow
		}
		return *res.QueuePositionHint, res.EstimatedWindow
	}

	if pos, _ := rank(plain); pos != 1 {
		t.Errorf("confirmed rank = %d, want 1", pos)
	}
	if pos, _ := rank(rush); pos != 2 {
		t.Errorf("rush rank = %d, want 2", pos)
	}
	if pos, _ := rank(community); pos != 3 {
		t.Errorf("community rank = %d, want 3 (community sorts last)", pos)
	}

	pos, w := rank(cancelled)
	if pos != 0 {
		t.Errorf("cancelled kept a queue position hint: %d", pos)
	}
	if w == nil || w.SLAState != "unknown" {
		t.Errorf("cancelled window = %+v, want slaState unknown", w)
	}

	// Ranks 1-2 share the first 48h slot at high confidence.
	_, w1 := rank(plain)
	if w1.Confidence != "high" || w1.SLAState != "on_track" {
		t.Errorf("rank-1 window = %s/%s, want high/on_track", w1.Confidence, w1.SLAState)
	}
	if !w1.Start.Equal(base) || !w1.End.Equal(base.Add(48*time.Hour)) {
		t.Errorf("rank-1 window [%v,%v], want [%v,%v]", w1.Start, w1.End, base, base.Add(48*time.Hour))
	}
	_, w3 := rank(community)
	if w3.Confidence != "medium" || w3.SLAState != "at_risk" {
		t.Errorf("rank-3 window = %s/%s, want medium/at_risk", w3.Confidence, w3.SLAState)
	}
	if !w3.Start.Equal(base.Add(48 * time.Hour)) {
		t.Errorf("rank-3 start = %v, want second slot", w3.Start)
	}
}

// ─── Station assignment ──────────────────────────────────────

func TestAssignStation_CapacityInvariant(t *testing.T) {
	e, _ := newTestEngine(t, map[string]int{"kiln-test": 2})
	ctx := context.Background()
	actor := memberActor("mem-1")

	occupant, _ := e.Create(ctx, actor, "r", CreateRequest{EstimatedHalfShelves: 2})
	if _, err := e.AssignStation(ctx, actor, "r", AssignRequest{
		ReservationID: occupant.Reservation.ID, AssignedStationID: "kiln-test",
	}); err != nil {
		t.Fatalf("first assignment error = %v", err)
	}

	second, _ := e.Create(ctx, actor, "r", CreateRequest{EstimatedHalfShelves: 1})
	_, err := e.AssignStation(ctx, actor, "r", AssignRequest{
		ReservationID: second.Reservation.ID, AssignedStationID: "kiln-test",
	})
	wantCode(t, err, "STATION_CAPACITY_EXCEEDED")
	details := apperr.From(err).Details
	if details["stationId"] != "kiln-test" {
		t.Errorf("details.stationId = %v, want kiln-test", details["stationId"])
	}

	_, err = e.AssignStation(ctx, actor, "r", AssignRequest{
		ReservationID: second.Reservation.ID, AssignedStationID: "kiln-missing",
	})
	wantCode(t, err, "UNKNOWN_STATION")
}

func TestCreate_StationCapacityEnforced(t *testing.T) {
	e, _ := newTestEngine(t, map[string]int{"kiln-test": 4})
	ctx := context.Background()
	actor := memberActor("mem-1")

	for i := 0; i < 2; i++ {
		if _, err := e.Create(ctx, actor, "r", CreateRequest{
			EstimatedHalfShelves: 2, AssignedStationID: "kiln-test",
		}); err != nil {
			t.Fatalf("create %d error = %v", i+1, err)
		}
	}

	// The station holds 4 half-shelves; a third 2-half-shelf intake must not fit.
	_, err := e.Create(ctx, actor, "r", CreateRequest{
		EstimatedHalfShelves: 2, AssignedStationID: "kiln-test",
	})
	wantCode(t, err, "STATION_CAPACITY_EXCEEDED")
	details := apperr.From(err).Details
	if details["stationId"] != "kiln-test" {
		t.Errorf("details.stationId = %v, want kiln-test", details["stationId"])
	}
}

func TestAssignStation_RequiredResourcesPersist(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	actor := memberActor("mem-1")

	created, _ := e.Create(ctx, actor, "r", CreateRequest{})
	result, err := e.AssignStation(ctx, actor, "r", AssignRequest{
		ReservationID:     created.Reservation.ID,
		AssignedStationID: "kiln-main",
		RequiredResources: []string{" Tall-Shelf ", "reduction", "reduction"},
	})
	if err != nil {
		t.Fatalf("AssignStation() error = %v", err)
	}
	got := result.Reservation.RequiredResources
	if len(got) != 2 || got[0] != "reduction" || got[1] != "tall-shelf" {
		t.Errorf("RequiredResources = %v, want [reduction tall-shelf]", got)
	}

	replay, err := e.AssignStation(ctx, actor, "r", AssignRequest{
		ReservationID:     created.Reservation.ID,
		AssignedStationID: "kiln-main",
		RequiredResources: []string{"reduction", "tall-shelf"},
	})
	if err != nil {
		t.Fatalf("AssignStation() replay error = %v", err)
	}
	if !replay.IdempotentReplay {
		t.Error("matching resources on the same station should replay")
	}
}

func TestAssignStation_SameStationReplays(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	actor := memberActor("mem-1")

	created, _ := e.Create(ctx, actor, "r", CreateRequest{AssignedStationID: "kiln-main"})
	result, err := e.AssignStation(ctx, actor, "r", AssignRequest{
		ReservationID: created.Reservation.ID, AssignedStationID: "KILN-MAIN",
	})
	if err != nil {
		t.Fatalf("AssignStation() error = %v", err)
	}
	if !result.IdempotentReplay {
		t.Error("re-assignment to the same station should replay")
	}
}

// ─── Pickup windows ──────────────────────────────────────────

func TestPickupWindow_Machine(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	member := memberActor("mem-1")
	staff := staffActor("staff-1")
	base := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	created, _ := e.Create(ctx, member, "r", CreateRequest{})
	id := created.Reservation.ID
	if _, err := e.Update(ctx, member, "r", UpdateRequest{ReservationID: id, Status: "CONFIRMED"}); err != nil {
		t.Fatalf("confirm error = %v", err)
	}

	// Window cannot open before the kiln is unloaded.
	start := base.Add(24 * time.Hour)
	end := base.Add(48 * time.Hour)
	_, err := e.PickupWindow(ctx, staff, "req-a", PickupRequest{
		ReservationID: id, Action: "staff_set_open_window", Start: &start, End: &end,
	})
	wantCode(t, err, "NOT_LOADED")

	if _, err := e.Update(ctx, staff, "r", UpdateRequest{ReservationID: id, LoadStatus: "loaded"}); err != nil {
		t.Fatalf("load error = %v", err)
	}

	_, err = e.PickupWindow(ctx, member, "req-b", PickupRequest{
		ReservationID: id, Action: "staff_set_open_window", Start: &start, End: &end,
	})
	wantCode(t, err, "STAFF_ONLY")

	res, err := e.PickupWindow(ctx, staff, "req-c", PickupRequest{
		ReservationID: id, Action: "staff_set_open_window", Start: &start, End: &end,
	})
	if err != nil {
		t.Fatalf("set_open_window error = %v", err)
	}
	if res.PickupWindow.Status != models.PickupOpen {
		t.Fatalf("window status = %q, want open", res.PickupWindow.Status)
	}

	res, err = e.PickupWindow(ctx, member, "req-d", PickupRequest{
		ReservationID: id, Action: "member_confirm_window",
	})
	if err != nil {
		t.Fatalf("confirm_window error = %v", err)
	}
	if res.PickupWindow.Status != models.PickupConfirmed {
		t.Fatalf("window status = %q, want confirmed", res.PickupWindow.Status)
	}

	// Missing before the window passes needs force.
	_, err = e.PickupWindow(ctx, staff, "req-e", PickupRequest{
		ReservationID: id, Action: "staff_mark_missed",
	})
	wantCode(t, err, "WINDOW_NOT_PASSED")

	// First miss escalates to hold_pending; second to stored_by_policy.
	e.now = func() time.Time { return end.Add(time.Hour) }
	res, err = e.PickupWindow(ctx, staff, "req-f", PickupRequest{
		ReservationID: id, Action: "staff_mark_missed",
	})
	if err != nil {
		t.Fatalf("mark_missed error = %v", err)
	}
	if res.StorageStatus != models.StorageHoldPending {
		t.Errorf("StorageStatus = %q, want hold_pending", res.StorageStatus)
	}
	res, err = e.PickupWindow(ctx, staff, "req-g", PickupRequest{
		ReservationID: id, Action: "staff_mark_missed", Force: true,
	})
	if err != nil {
		t.Fatalf("second mark_missed error = %v", err)
	}
	if res.StorageStatus != models.StorageStoredByPolicy {
		t.Errorf("StorageStatus = %q, want stored_by_policy", res.StorageStatus)
	}
	if res.PickupWindow.MissedCount != 2 {
		t.Errorf("MissedCount = %d, want 2", res.PickupWindow.MissedCount)
	}

	// Completion restores storage state but never rewinds the miss tally.
	res, err = e.PickupWindow(ctx, staff, "req-h", PickupRequest{
		ReservationID: id, Action: "staff_mark_completed",
	})
	if err != nil {
		t.Fatalf("mark_completed error = %v", err)
	}
	if res.StorageStatus != models.StorageActive {
		t.Errorf("StorageStatus = %q, want active after completion", res.StorageStatus)
	}
	if res.PickupWindow.MissedCount != 2 {
		t.Errorf("MissedCount = %d after completion, want 2 (tally is monotonic)", res.PickupWindow.MissedCount)
	}
}

func TestPickupWindow_RescheduleLimit(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	member := memberActor("mem-1")

	created, _ := e.Create(ctx, member, "r", CreateRequest{})
	id := created.Reservation.ID

	if _, err := e.PickupWindow(ctx, member, "r1", PickupRequest{
		ReservationID: id, Action: "member_request_reschedule",
	}); err != nil {
		t.Fatalf("first reschedule error = %v", err)
	}
	_, err := e.PickupWindow(ctx, member, "r2", PickupRequest{
		ReservationID: id, Action: "member_request_reschedule",
	})
	wantCode(t, err, "RESCHEDULE_LIMIT")
}

// ─── Continuity export ───────────────────────────────────────

func TestExportContinuity_RedactionAndSignature(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	actor := memberActor("mem-1")

	created, _ := e.Create(ctx, actor, "r", CreateRequest{
		StaffNotes: "internal note",
		Pieces:     []PieceInput{{Label: "mug", PhotoURL: "https://cdn/p.jpg"}},
	})
	if _, err := e.Update(ctx, actor, "r", UpdateRequest{ReservationID: created.Reservation.ID, Status: "CONFIRMED"}); err != nil {
		t.Fatalf("confirm error = %v", err)
	}

	bundle, err := e.ExportContinuity(ctx, actor, "req-exp", ExportRequest{})
	if err != nil {
		t.Fatalf("ExportContinuity() error = %v", err)
	}
	if bundle.Header.SchemaVersion != ExportSchemaVersion {
		t.Errorf("schema = %q, want %q", bundle.Header.SchemaVersion, ExportSchemaVersion)
	}
	if len(bundle.Header.Signature) < 7 || bundle.Header.Signature[:6] != "mfexp_" {
		t.Errorf("signature = %q, want mfexp_ prefix", bundle.Header.Signature)
	}
	if len(bundle.Reservations) != 1 {
		t.Fatalf("export rows = %d, want 1", len(bundle.Reservations))
	}
	row := bundle.Reservations[0]
	if row.ArrivalToken != "" || row.ArrivalTokenLookup != "" {
		t.Error("export leaked arrival token material")
	}
	if row.StaffNotes != "" {
		t.Error("export leaked staff notes")
	}
	if len(row.Pieces) > 0 && row.Pieces[0].PhotoURL != "" {
		t.Error("export leaked piece photo url")
	}
	if bundle.CSV == "" {
		t.Error("export carries no CSV rendering")
	}
	if len(bundle.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", bundle.Warnings)
	}
}

// ─── Listing ─────────────────────────────────────────────────

func TestList_OwnerScoped(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	e.Create(ctx, memberActor("mem-1"), "r", CreateRequest{})
	e.Create(ctx, memberActor("mem-1"), "r", CreateRequest{})
	e.Create(ctx, memberActor("mem-2"), "r", CreateRequest{})

	rows, err := e.List(ctx, memberActor("mem-1"), ListRequest{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("List() rows = %d, want 2", len(rows))
	}

	_, err = e.List(ctx, memberActor("mem-2"), ListRequest{OwnerUID: "mem-1"})
	wantCode(t, err, "NOT_RESOURCE_OWNER")

	// Staff may list anyone's.
	rows, err = e.List(ctx, staffActor("staff-1"), ListRequest{OwnerUID: "mem-1"})
	if err != nil {
		t.Fatalf("staff List() error = %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("staff List() rows = %d, want 2", len(rows))
	}
}
