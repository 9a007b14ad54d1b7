package idempotency

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mudflat/studio/control-plane/internal/docstore"
)

// ─── Deterministic ids ───────────────────────────────────────

func TestDeterministicID(t *testing.T) {
	id := DeterministicID("agent-order", "mem-1", "key-1")
	assert.Len(t, id, 40)
	assert.Equal(t, id, DeterministicID("agent-order", "mem-1", "key-1"), "same parts must hash identically")

	// The NUL joiner keeps part boundaries significant.
	assert.NotEqual(t, DeterministicID("ab", "c"), DeterministicID("a", "bc"))
	assert.NotEqual(t, DeterministicID("abc"), DeterministicID("ab", "c"))

	for _, r := range id {
		if !strings.ContainsRune("0123456789abcdef", r) {
			t.Fatalf("id %q contains non-hex rune %q", id, r)
		}
	}
}

func TestFingerprint_CanonicalOrdering(t *testing.T) {
	a, err := Fingerprint("library.checkout", map[string]any{"itemId": "it-1", "uid": "mem-1"})
	require.NoError(t, err)
	b, err := Fingerprint("library.checkout", map[string]any{"uid": "mem-1", "itemId": "it-1"})
	require.NoError(t, err)
	assert.Equal(t, a, b, "key order must not change the fingerprint")

	// Struct and map forms of the same payload canonicalize identically.
	c, err := Fingerprint("library.checkout", struct {
		ItemID string `json:"itemId"`
		UID    string `json:"uid"`
	}{ItemID: "it-1", UID: "mem-1"})
	require.NoError(t, err)
	assert.Equal(t, a, c)

	d, err := Fingerprint("library.checkout", map[string]any{"itemId": "it-2", "uid": "mem-1"})
	require.NoError(t, err)
	assert.NotEqual(t, a, d, "payload changes must change the fingerprint")

	e, err := Fingerprint("library.checkin", map[string]any{"itemId": "it-1", "uid": "mem-1"})
	require.NoError(t, err)
	assert.NotEqual(t, a, e, "operation changes must change the fingerprint")
}

// ─── Key normalization ───────────────────────────────────────

func TestNormalizeKey(t *testing.T) {
	key, aerr := NormalizeKey("  k-1  ", "")
	require.Nil(t, aerr)
	assert.Equal(t, "k-1", key)

	key, aerr = NormalizeKey("", "k-2")
	require.Nil(t, aerr)
	assert.Equal(t, "k-2", key, "header key is the fallback")

	key, aerr = NormalizeKey("k-3", "k-3")
	require.Nil(t, aerr)
	assert.Equal(t, "k-3", key)

	_, aerr = NormalizeKey("k-a", "k-b")
	require.NotNil(t, aerr)
	assert.Equal(t, "IDEMPOTENCY_KEY_MISMATCH", aerr.Code)

	_, aerr = NormalizeKey(strings.Repeat("x", MaxKeyLength+1), "")
	require.NotNil(t, aerr)
	assert.Equal(t, "IDEMPOTENCY_KEY_TOO_LONG", aerr.Code)

	// Exactly at the bound is fine.
	key, aerr = NormalizeKey(strings.Repeat("x", MaxKeyLength), "")
	require.Nil(t, aerr)
	assert.Len(t, key, MaxKeyLength)

	key, aerr = NormalizeKey("", "")
	require.Nil(t, aerr)
	assert.Empty(t, key)
}

// ─── Ledger ──────────────────────────────────────────────────

func TestLedger_CheckPersistReplay(t *testing.T) {
	s := docstore.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	ledger := NewLedger(s, docstore.ColLoanIdempotency, "library-loan")

	fp, err := Fingerprint("checkout", map[string]any{"itemId": "it-1"})
	require.NoError(t, err)

	outcome, rec, err := ledger.Check(ctx, "mem-1", "checkout", "key-1", fp)
	require.NoError(t, err)
	assert.Equal(t, Miss, outcome)
	assert.Nil(t, rec)

	ledger.Persist(ctx, "mem-1", "checkout", "key-1", fp, "req-1",
		map[string]any{"loan": map[string]any{"loanId": "ln-1"}})

	outcome, rec, err = ledger.Check(ctx, "mem-1", "checkout", "key-1", fp)
	require.NoError(t, err)
	assert.Equal(t, Replay, outcome)
	require.NotNil(t, rec)
	assert.Equal(t, "mem-1", rec.ActorUID)
	assert.Equal(t, fp, rec.RequestFingerprint)

	// Same key, different payload.
	otherFP, err := Fingerprint("checkout", map[string]any{"itemId": "it-2"})
	require.NoError(t, err)
	_, _, err = ledger.Check(ctx, "mem-1", "checkout", "key-1", otherFP)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IDEMPOTENCY_KEY_CONFLICT")

	// Slots are scoped per actor and operation.
	outcome, _, err = ledger.Check(ctx, "mem-2", "checkout", "key-1", fp)
	require.NoError(t, err)
	assert.Equal(t, Miss, outcome)
	outcome, _, err = ledger.Check(ctx, "mem-1", "checkin", "key-1", fp)
	require.NoError(t, err)
	assert.Equal(t, Miss, outcome)

	// Empty keys bypass the ledger entirely.
	outcome, rec, err = ledger.Check(ctx, "mem-1", "checkout", "", fp)
	require.NoError(t, err)
	assert.Equal(t, Miss, outcome)
	assert.Nil(t, rec)
}

func TestLedger_PersistIsCreateOnly(t *testing.T) {
	s := docstore.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	ledger := NewLedger(s, docstore.ColLoanIdempotency, "agent-op")

	ledger.Persist(ctx, "mem-1", "pay", "key-1", "fp", "req-1", map[string]any{"orderId": "o-1"})
	// A second writer racing on the same key must not clobber the slot.
	ledger.Persist(ctx, "mem-1", "pay", "key-1", "fp", "req-2", map[string]any{"orderId": "o-2"})

	var rec Record
	require.NoError(t, s.Get(ctx, docstore.ColLoanIdempotency, ledger.SlotID("pay", "mem-1", "key-1"), &rec))
	assert.Equal(t, "req-1", rec.RequestID, "first write wins")
	assert.JSONEq(t, `{"orderId":"o-1"}`, string(rec.ResponseData))
}

func TestOverlayReplay(t *testing.T) {
	rec := &Record{ResponseData: json.RawMessage(`{"loan":{"loanId":"ln-1"},"note":"x"}`)}

	data, err := OverlayReplay(rec, "loan")
	require.NoError(t, err)
	loan, ok := data["loan"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, loan["idempotentReplay"])
	_, topLevel := data["idempotentReplay"]
	assert.False(t, topLevel, "flag belongs under the channel when it is a map")

	// Channel missing (or not a map) falls back to the top level.
	rec = &Record{ResponseData: json.RawMessage(`{"orderId":"o-1"}`)}
	data, err = OverlayReplay(rec, "order")
	require.NoError(t, err)
	assert.Equal(t, true, data["idempotentReplay"])

	// Empty channel targets the top level directly.
	rec = &Record{ResponseData: json.RawMessage(`{"ok":true}`)}
	data, err = OverlayReplay(rec, "")
	require.NoError(t, err)
	assert.Equal(t, true, data["idempotentReplay"])
}
