package reservations

import (
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/mudflat/studio/control-plane/pkg/models"
)

// Arrival tokens are short deterministic codes presented at check-in:
// MF-ARR-{4 id-derived}-{4 hash-derived}. The hash is FNV-1a 32-bit over
// "{reservation_id}:{version}" — not cryptographic; only uniqueness within
// the reservation-version space is assumed. Staff may rotate.

const tokenValidity = 36 * time.Hour

// fnv1a32 hashes s with FNV-1a (32-bit).
func fnv1a32(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

// base36Fixed renders v in uppercase base-36, truncated or left-padded with
// '0' to width characters.
func base36Fixed(v uint32, width int) string {
	s := strings.ToUpper(strconv.FormatUint(uint64(v), 36))
	if len(s) > width {
		s = s[len(s)-width:]
	}
	for len(s) < width {
		s = "0" + s
	}
	return s
}

// alnumTail returns the last n alphanumeric characters of s, uppercased and
// left-padded with '0'.
func alnumTail(s string, n int) string {
	var keep []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' {
			keep = append(keep, c)
		}
	}
	tail := strings.ToUpper(string(keep))
	if len(tail) > n {
		tail = tail[len(tail)-n:]
	}
	for len(tail) < n {
		tail = "0" + tail
	}
	return tail
}

// FormatArrivalToken builds the token for a reservation id and version.
func FormatArrivalToken(reservationID string, version int) string {
	idPart := alnumTail(reservationID, 4)
	hashPart := base36Fixed(fnv1a32(reservationID+":"+strconv.Itoa(version)), 4)
	return "MF-ARR-" + idPart + "-" + hashPart
}

// NormalizeArrivalToken produces the lookup key: uppercase alphanumerics
// only; separators are dropped. Lowercase input is not accepted at the
// transport edge, but normalization is defensive about it anyway.
func NormalizeArrivalToken(token string) string {
	var out []byte
	for i := 0; i < len(token); i++ {
		c := token[i]
		switch {
		case c >= '0' && c <= '9', c >= 'A' && c <= 'Z':
			out = append(out, c)
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		}
	}
	return string(out)
}

// mintArrivalToken bumps the version and installs a fresh token on the
// reservation. Expiry is max(now+36h, preferred_window.latest).
func (e *Engine) mintArrivalToken(res *models.Reservation, now time.Time) {
	res.ArrivalTokenVersion++
	token := FormatArrivalToken(res.ID, res.ArrivalTokenVersion)
	res.ArrivalToken = token
	res.ArrivalTokenLookup = NormalizeArrivalToken(token)
	issued := now
	res.ArrivalTokenIssuedAt = &issued

	expires := now.Add(tokenValidity)
	if res.PreferredWindow != nil && res.PreferredWindow.Latest != nil && res.PreferredWindow.Latest.After(expires) {
		expires = *res.PreferredWindow.Latest
	}
	res.ArrivalTokenExpiresAt = &expires
}

// generatePieceID builds the deterministic fallback id for piece ordinal n:
// MF-RES-{6id}-{ordinal}{6hash}.
func generatePieceID(reservationID string, ordinal int) string {
	return "MF-RES-" + alnumTail(reservationID, 6) + "-" +
		strconv.Itoa(ordinal) + base36Fixed(fnv1a32(reservationID+":piece:"+strconv.Itoa(ordinal)), 6)
}

// validPieceID accepts caller-supplied ids: uppercase alphanumerics, dash,
// underscore, at most 120 characters.
func validPieceID(id string) bool {
	if id == "" || len(id) > 120 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}
