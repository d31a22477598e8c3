package lti

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mattmallon/quickcheck/internal/lti/ags"
	"github.com/mattmallon/quickcheck/internal/lti/servicetoken"
	"github.com/mattmallon/quickcheck/pkg/common/httpx"
	"github.com/mattmallon/quickcheck/pkg/common/logger"
)

const (
	msgTryLater       = "The service is temporarily unavailable. Please try again later."
	msgInvalidRequest = "Invalid request."
	msgInternal       = "Something went wrong. Please try again."
)

// writeJSON writes v with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers {"errors": [msg]} plus any extra fields.
func writeError(w http.ResponseWriter, status int, msg string, extra map[string]any) {
	body := map[string]any{"errors": []string{msg}}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

// writePassbackError maps AGS and service token failures. Classified
// platform rejections reach the user with their specific message.
func writePassbackError(w http.ResponseWriter, r *http.Request, op string, err error) {
	l := logger.From(r.Context())
	if pe, ok := ags.AsPassbackError(err); ok {
		if pe.Retryable() {
			writeError(w, http.StatusServiceUnavailable, pe.Message, map[string]any{"retryable": true})
			return
		}
		writeError(w, http.StatusUnprocessableEntity, pe.Message, map[string]any{"retryable": false})
		return
	}
	switch {
	case errors.Is(err, servicetoken.ErrTokenExchange),
		errors.Is(err, servicetoken.ErrPlatformUnavailable),
		errors.Is(err, httpx.ErrUnavailable):
		l.Warn(op+": platform unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, msgTryLater, nil)
	default:
		l.Error(op+": failed", "error", err)
		writeError(w, http.StatusInternalServerError, msgInternal, nil)
	}
}
