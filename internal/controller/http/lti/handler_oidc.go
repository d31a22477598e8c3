package lti

import (
	"errors"
	"net/http"

	"github.com/mattmallon/quickcheck/internal/lti/oidc"
	"github.com/mattmallon/quickcheck/pkg/common/logger"
)

// loginInitiation handles the platform's third-party initiated login and
// redirects the browser to the platform authorization endpoint.
// Canvas sends it as GET or as a form POST.
func (h *Handler) loginInitiation(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, msgInvalidRequest, http.StatusBadRequest)
		return
	}
	req := oidc.LoginRequest{
		Issuer:        r.Form.Get("iss"),
		LoginHint:     r.Form.Get("login_hint"),
		TargetLinkURI: r.Form.Get("target_link_uri"),
		MessageHint:   r.Form.Get("lti_message_hint"),
		ClientID:      r.Form.Get("client_id"),
	}
	if req.Issuer == "" || req.LoginHint == "" || req.TargetLinkURI == "" {
		logger.From(r.Context()).Debug("login initiation: missing iss, login_hint or target_link_uri")
		http.Error(w, "missing required fields: iss, login_hint, target_link_uri", http.StatusBadRequest)
		return
	}

	u, err := h.initiator.BuildRedirect(r.Context(), req)
	switch {
	case errors.Is(err, oidc.ErrUntrustedIssuer), errors.Is(err, oidc.ErrClientMismatch):
		logger.Audit(r.Context(), "login initiation rejected", "iss", req.Issuer, "client_id", req.ClientID, "error", err)
		http.Error(w, msgInvalidRequest, http.StatusBadRequest)
		return
	case err != nil:
		logger.From(r.Context()).Error("login initiation failed", "error", err)
		http.Error(w, msgTryLater, http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, u.String(), http.StatusFound)
}
