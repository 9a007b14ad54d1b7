package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mudflat/studio/control-plane/internal/identity"
	"github.com/mudflat/studio/control-plane/pkg/models"
)

// Identity builds the actor context from the verified-identity headers the
// auth gateway forwards. Token verification itself happens upstream; this
// middleware only shapes its output.
//
//	x-studio-uid         verified subject
//	x-auth-mode          session | delegated-agent | personal-access-token
//	x-studio-scopes      comma-separated scope list
//	x-agent-client-id    delegated-agent client id
//	x-token-id           PAT token id
//	x-studio-staff       "true" for staff sessions
//	x-delegation-grants  JSON [{"ownerUid":...,"scope":...}]
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := &identity.Actor{
			Mode:          parseMode(r.Header.Get("x-auth-mode")),
			UID:           r.Header.Get("x-studio-uid"),
			AgentClientID: r.Header.Get("x-agent-client-id"),
			TokenID:       r.Header.Get("x-token-id"),
			Staff:         r.Header.Get("x-studio-staff") == "true",
		}
		if raw := r.Header.Get("x-studio-scopes"); raw != "" {
			for _, s := range strings.Split(raw, ",") {
				if s = strings.TrimSpace(s); s != "" {
					actor.Scopes = append(actor.Scopes, s)
				}
			}
		}
		if raw := r.Header.Get("x-delegation-grants"); raw != "" {
			var grants []struct {
				OwnerUID string `json:"ownerUid"`
				Scope    string `json:"scope"`
			}
			if err := json.Unmarshal([]byte(raw), &grants); err == nil {
				for _, g := range grants {
					actor.Delegation = append(actor.Delegation, identity.Grant{
						OwnerUID: g.OwnerUID, Scope: g.Scope,
					})
				}
			}
		}
		next.ServeHTTP(w, r.WithContext(identity.WithActor(r.Context(), actor)))
	})
}

func parseMode(s string) models.AuthMode {
	switch models.AuthMode(s) {
	case models.ModeDelegatedAgent:
		return models.ModeDelegatedAgent
	case models.ModePAT:
		return models.ModePAT
	default:
		return models.ModeSession
	}
}
