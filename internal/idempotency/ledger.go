package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mudflat/studio/control-plane/internal/apperr"
	"github.com/mudflat/studio/control-plane/internal/docstore"
)

// MaxKeyLength bounds accepted idempotency keys.
const MaxKeyLength = 120

// Record is one ledger slot: (actor, operation, key) → fingerprint + reply.
type Record struct {
	ActorUID           string          `json:"actorUid"`
	Operation          string          `json:"operation"`
	Key                string          `json:"key"`
	RequestFingerprint string          `json:"requestFingerprint"`
	ResponseData       json.RawMessage `json:"responseData,omitempty"`
	ResponseVersion    int             `json:"responseVersion"`
	RequestID          string          `json:"requestId,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// Ledger provides at-most-once execution per (actor, operation, key).
type Ledger struct {
	store      docstore.Store
	collection string
	opPrefix   string // e.g. "library-loan" or "agent-op"
}

// NewLedger creates a ledger over the given collection. opPrefix namespaces
// the slot ids so distinct subsystems never collide.
func NewLedger(store docstore.Store, collection, opPrefix string) *Ledger {
	return &Ledger{store: store, collection: collection, opPrefix: opPrefix}
}

// NormalizeKey validates and canonicalizes a caller-supplied key.
// bodyKey and headerKey must agree when both are present.
func NormalizeKey(bodyKey, headerKey string) (string, *apperr.Error) {
	bodyKey = strings.TrimSpace(bodyKey)
	headerKey = strings.TrimSpace(headerKey)
	if bodyKey != "" && headerKey != "" && bodyKey != headerKey {
		return "", apperr.InvalidArgument("IDEMPOTENCY_KEY_MISMATCH",
			"body idempotencyKey and x-idempotency-key header disagree")
	}
	key := bodyKey
	if key == "" {
		key = headerKey
	}
	if len(key) > MaxKeyLength {
		return "", apperr.InvalidArgument("IDEMPOTENCY_KEY_TOO_LONG",
			"idempotency key exceeds %d characters", MaxKeyLength)
	}
	return key, nil
}

// SlotID derives the deterministic document id for a slot.
func (l *Ledger) SlotID(operation, actorUID, key string) string {
	return DeterministicID(l.opPrefix+"-"+operation, actorUID, key)
}

// Outcome of a ledger check.
type Outcome int

const (
	// Miss: no slot exists; caller proceeds and should Persist afterwards.
	Miss Outcome = iota
	// Replay: slot exists with a matching fingerprint; stored response returned.
	Replay
)

// Check looks up the slot for (actorUID, operation, key). A fingerprint
// mismatch fails with CONFLICT IDEMPOTENCY_KEY_CONFLICT.
func (l *Ledger) Check(ctx context.Context, actorUID, operation, key, fingerprint string) (Outcome, *Record, error) {
	if key == "" {
		return Miss, nil, nil
	}
	var rec Record
	err := l.store.Get(ctx, l.collection, l.SlotID(operation, actorUID, key), &rec)
	var notFound *docstore.ErrNotFound
	if errors.As(err, &notFound) {
		return Miss, nil, nil
	}
	if err != nil {
		return Miss, nil, err
	}
	if rec.RequestFingerprint != fingerprint {
		return Miss, nil, apperr.Conflict("IDEMPOTENCY_KEY_CONFLICT",
			"idempotency key was already used with a different payload")
	}
	return Replay, &rec, nil
}

// Persist stores the response under the slot. Writers use create semantics
// and treat already-exists as success (single-writer-per-key discipline).
// Persistence failures are logged, never returned: the business write is the
// source of truth and a lost slot only forfeits replay protection.
func (l *Ledger) Persist(ctx context.Context, actorUID, operation, key, fingerprint, requestID string, response any) {
	if key == "" {
		return
	}
	raw, err := json.Marshal(response)
	if err != nil {
		log.Warn().Err(err).Str("operation", operation).Msg("idempotency response marshal failed")
		return
	}
	now := time.Now().UTC()
	rec := Record{
		ActorUID:           actorUID,
		Operation:          operation,
		Key:                key,
		RequestFingerprint: fingerprint,
		ResponseData:       raw,
		ResponseVersion:    1,
		RequestID:          requestID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err = l.store.Create(ctx, l.collection, l.SlotID(operation, actorUID, key), rec)
	var exists *docstore.ErrExists
	if err != nil && !errors.As(err, &exists) {
		log.Warn().Err(err).
			Str("operation", operation).
			Str("actor", actorUID).
			Msg("idempotency ledger write failed; replay protection lost for this key")
	}
}

// OverlayReplay decodes the stored response and sets idempotent_replay=true
// under the given channel key ("loan", "fee", ...) or at the top level when
// channel is empty.
func OverlayReplay(rec *Record, channel string) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal(rec.ResponseData, &data); err != nil {
		return nil, err
	}
	if channel == "" {
		data["idempotentReplay"] = true
		return data, nil
	}
	if inner, ok := data[channel].(map[string]any); ok {
		inner["idempotentReplay"] = true
	} else {
		data["idempotentReplay"] = true
	}
	return data, nil
}
