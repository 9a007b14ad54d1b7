// Package idempotency implements the keyed at-most-once ledger and the
// deterministic document-id scheme shared by the engines.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// DeterministicID hashes the given parts into a stable 40-hex-char id.
// SHA-256 over the NUL-joined parts, hex-prefixed. Used for idempotency
// slots, agent reservations/orders, fairness evidence, and client-supplied
// reservation request ids.
func DeterministicID(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))[:40]
}

// Fingerprint produces the canonical JSON fingerprint of an operation
// intent. Map keys are emitted in sorted order so logically equal payloads
// fingerprint identically regardless of field order in the request body.
func Fingerprint(operation string, payload any) (string, error) {
	canonical, err := canonicalize(payload)
	if err != nil {
		return "", err
	}
	doc := map[string]any{"operation": operation, "payload": canonical}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize round-trips a value through JSON into map/slice form so that
// encoding/json's sorted map-key output makes the final marshal canonical.
func canonicalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return sortValue(out), nil
}

func sortValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			out[k] = sortValue(t[k])
		}
		return out
	case []any:
		for i := range t {
			t[i] = sortValue(t[i])
		}
		return t
	default:
		return v
	}
}
