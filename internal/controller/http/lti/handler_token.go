package lti

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"

	"github.com/mattmallon/quickcheck/internal/lti/trust"
	"github.com/mattmallon/quickcheck/pkg/common/logger"
)

type tokenRequest struct {
	Role   string      `json:"role"`
	UserID json.Number `json:"userId"`
	Nonce  string      `json:"nonce"`
}

// redeemToken exchanges the role, userId and nonce from a launch redirect for
// the user's API token. Each redemption works once.
func (h *Handler) redeemToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req tokenRequest
	if ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); ct == "application/json" {
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Authentication parameters not present.", nil)
			return
		}
	} else {
		_ = r.ParseForm()
		req.Role = r.Form.Get("role")
		req.UserID = json.Number(r.Form.Get("userId"))
		req.Nonce = r.Form.Get("nonce")
	}
	userID, err := strconv.ParseInt(req.UserID.String(), 10, 64)
	if req.Role == "" || req.Nonce == "" || err != nil {
		writeError(w, http.StatusBadRequest, "Authentication parameters not present.", nil)
		return
	}

	if err := h.trust.Redeem(ctx, req.Role, req.Nonce, userID); err != nil {
		if errors.Is(err, trust.ErrRedemptionRejected) {
			logger.Audit(ctx, "redemption rejected", "role", req.Role, "user_id", userID, "error", err)
			writeError(w, http.StatusForbidden, "Failed to authenticate, user mismatch.", nil)
			return
		}
		logger.From(ctx).Error("redeem token", "error", err)
		writeError(w, http.StatusServiceUnavailable, msgTryLater, nil)
		return
	}

	var apiToken string
	switch req.Role {
	case trust.RoleInstructor:
		u, err := h.accounts.InstructorByID(ctx, userID)
		if err == nil && u != nil {
			apiToken = u.APIToken
		}
	case trust.RoleStudent:
		s, err := h.accounts.StudentByID(ctx, userID)
		if err == nil && s != nil {
			apiToken = s.APIToken
		}
	}
	if apiToken == "" {
		// The redemption was issued for this id, so the account must exist.
		logger.From(ctx).Error("redeem token: account missing after redemption", "role", req.Role, "user_id", userID)
		writeError(w, http.StatusInternalServerError, msgInternal, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"apiToken": apiToken})
}
