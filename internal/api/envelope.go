package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/mudflat/studio/control-plane/internal/api/middleware"
	"github.com/mudflat/studio/control-plane/internal/apperr"
)

// envelope is the uniform response body. Success carries data; errors carry
// code, message, and optional details.
type envelope struct {
	OK        bool           `json:"ok"`
	RequestID string         `json:"requestId"`
	Data      any            `json:"data,omitempty"`
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details"`
}

func respondData(w http.ResponseWriter, r *http.Request, data any) {
	writeJSON(w, http.StatusOK, envelope{
		OK:        true,
		RequestID: middleware.GetRequestID(r.Context()),
		Data:      data,
	})
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.From(err)
	if e.HTTPStatus >= 500 {
		log.Error().Err(err).
			Str("requestId", middleware.GetRequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	if e.HTTPStatus == http.StatusTooManyRequests {
		if ms, ok := e.Details["retryAfterMs"].(int64); ok {
			secs := (ms + 999) / 1000
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		}
	}
	writeJSON(w, e.HTTPStatus, envelope{
		OK:        false,
		RequestID: middleware.GetRequestID(r.Context()),
		Code:      e.Code,
		Message:   e.Message,
		Details:   e.Details,
	})
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}

// decode reads the JSON request body into out. An empty body decodes into
// the zero value.
func decode(r *http.Request, out any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return apperr.InvalidArgument("INVALID_BODY", "request body is not valid JSON")
	}
	return nil
}
