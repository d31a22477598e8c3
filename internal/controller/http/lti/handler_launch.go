package lti

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mattmallon/quickcheck/internal/cas"
	"github.com/mattmallon/quickcheck/internal/lti/claims"
	"github.com/mattmallon/quickcheck/internal/lti/launch"
	"github.com/mattmallon/quickcheck/internal/lti/trust"
	"github.com/mattmallon/quickcheck/pkg/common/logger"
	"github.com/mattmallon/quickcheck/pkg/repositories/accounts"
	"github.com/mattmallon/quickcheck/pkg/repositories/lineitems"
)

type launchKind int

const (
	// launchHome is the course navigation launch; the SPA route depends on role.
	launchHome launchKind = iota
	launchAssessment
	launchSelect
)

const (
	msgInvalidLaunch   = "Invalid LTI launch. Please relaunch the tool from Canvas."
	msgMissingData     = "Invalid authentication request, required data not present."
	msgSessionExpired  = "Your session has expired. Please refresh the page."
	msgUnauthenticated = "Unauthorized: please launch the tool from an external tool launch in Canvas."
)

// launch validates a platform launch, records the user and course, and hands
// the browser a one-time redemption for its API token.
func (h *Handler) launch(kind launchKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if err := r.ParseForm(); err != nil {
			http.Error(w, msgInvalidRequest, http.StatusBadRequest)
			return
		}

		lc, err := h.validator.Validate(ctx, launch.Request{
			IDToken: r.PostForm.Get("id_token"),
			State:   r.PostForm.Get("state"),
		})
		if err != nil {
			h.writeLaunchError(w, r, err)
			return
		}
		if err := lc.RequireLaunchData(); err != nil {
			logger.Audit(ctx, "launch missing data", "iss", lc.Issuer, "error", err)
			http.Error(w, msgMissingData, http.StatusBadRequest)
			return
		}

		userID, err := h.recordLaunch(ctx, lc)
		if errors.Is(err, errUserNotFound) {
			logger.Audit(ctx, "instructor not found on launch", "login_id", lc.CanvasUserLoginID())
			http.Error(w, "User not found when attempting instructor LTI login", http.StatusForbidden)
			return
		}
		if err != nil {
			logger.From(ctx).Error("launch: record accounts", "error", err)
			http.Error(w, msgInternal, http.StatusInternalServerError)
			return
		}
		if kind == launchAssessment {
			h.mirrorLineItem(ctx, lc)
		}

		redirect, err := h.trust.IssueRedemption(ctx, trust.Grant{
			Role:      lc.Role(),
			UserID:    userID,
			Nonce:     lc.Nonce,
			ContextID: lc.ContextID(),
		})
		if err != nil {
			logger.From(ctx).Error("launch: issue redemption", "error", err)
			http.Error(w, msgTryLater, http.StatusServiceUnavailable)
			return
		}

		target, err := h.launchTarget(kind, lc, redirect, r.URL.Query())
		if err != nil {
			logger.Audit(ctx, "launch redirect rejected", "error", err)
			http.Error(w, "A valid redirect URL from Canvas must be provided.", http.StatusBadRequest)
			return
		}
		http.Redirect(w, r, target, http.StatusFound)
	}
}

func (h *Handler) writeLaunchError(w http.ResponseWriter, r *http.Request, err error) {
	var re *launch.RejectionError
	if !errors.As(err, &re) {
		logger.From(r.Context()).Error("launch: validation failed", "error", err)
		http.Error(w, msgTryLater, http.StatusServiceUnavailable)
		return
	}
	logger.Audit(r.Context(), "launch rejected", "reason", string(re.Reason), "stage", re.Stage.String(), "error", re.Err)
	if re.Reason == launch.KeysUnavailable {
		http.Error(w, msgTryLater, http.StatusServiceUnavailable)
		return
	}
	http.Error(w, msgInvalidLaunch, http.StatusBadRequest)
}

var errUserNotFound = errors.New("user not found")

// recordLaunch creates or refreshes the course context and the launching user
// and returns the user's local id.
func (h *Handler) recordLaunch(ctx context.Context, lc *claims.LaunchClaims) (int64, error) {
	if _, err := h.accounts.UpsertCourseContext(ctx, &accounts.CourseContext{
		LTIContextID:            lc.ContextID(),
		CanvasCourseID:          lc.CanvasCourseID(),
		CourseOfferingSourcedID: lc.CourseOfferingSourcedID(),
		Issuer:                  lc.Issuer,
		LineItemsURL:            lc.LineItemsURL(),
	}); err != nil {
		return 0, err
	}

	if lc.IsInstructor() {
		u, err := h.accounts.UpsertInstructor(ctx, lc.CanvasUserLoginID())
		if err != nil {
			return 0, err
		}
		if u == nil {
			return 0, errUserNotFound
		}
		if err := h.accounts.LinkInstructor(ctx, u.ID, lc.ContextID()); err != nil {
			return 0, err
		}
		return u.ID, nil
	}

	s, err := h.accounts.UpsertStudent(ctx, &accounts.Student{
		GivenName:       lc.GivenName,
		FamilyName:      lc.FamilyName,
		CanvasUserID:    lc.CanvasUserID(),
		CanvasLoginID:   lc.CanvasUserLoginID(),
		LTIUserID:       lc.Subject,
		PersonSourcedID: lc.PersonSourcedID(),
	})
	if err != nil {
		return 0, err
	}
	if s == nil {
		return 0, errUserNotFound
	}
	return s.ID, nil
}

// mirrorLineItem records the launch's line item locally the first time it is
// seen. Failures are logged; the launch itself still succeeds.
func (h *Handler) mirrorLineItem(ctx context.Context, lc *claims.LaunchClaims) {
	l := logger.From(ctx)
	liURL := lc.LineItemURL()
	if liURL == "" {
		return
	}
	existing, err := h.lineItems.FindByURL(ctx, liURL)
	if err != nil {
		l.Warn("launch: line item lookup", "error", err)
		return
	}
	if existing != nil {
		return
	}
	li, err := h.passback(lc.Issuer).GetLineItem(ctx, liURL)
	if err != nil {
		l.Warn("launch: fetch line item", "url", liURL, "error", err)
		return
	}
	mirror := &lineitems.LineItem{
		LineItemURL:  li.ID,
		LTIContextID: lc.ContextID(),
		Issuer:       lc.Issuer,
		Label:        li.Label,
		DueAt:        parseDueAt(lc.AssignmentDueAt()),
	}
	if mirror.LineItemURL == "" {
		mirror.LineItemURL = liURL
	}
	if err := h.lineItems.Save(ctx, mirror); err != nil {
		l.Warn("launch: save line item", "error", err)
	}
}

// parseDueAt reads Canvas's $Canvas.assignment.dueAt, which is empty or an
// ISO 8601 timestamp.
func parseDueAt(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}

// launchTarget is the SPA route the browser lands on with its redemption.
func (h *Handler) launchTarget(kind launchKind, lc *claims.LaunchClaims, rd trust.Redirect, query url.Values) (string, error) {
	switch kind {
	case launchAssessment:
		target := rd.URL("/assessment")
		if id := query.Get("id"); id != "" {
			target += "&id=" + url.QueryEscape(id)
		}
		return target, nil
	case launchSelect:
		returnURL := lc.DeepLinkReturnURL()
		if returnURL == "" {
			return "", fmt.Errorf("deep link return url missing")
		}
		q := url.Values{}
		q.Set("redirectUrl", returnURL)
		q.Set("launchUrlStem", h.appURL("/index.php/assessment?id="))
		return rd.URL("/select") + "&" + q.Encode(), nil
	}
	if rd.Role == trust.RoleInstructor {
		return rd.URL("/home"), nil
	}
	return rd.URL("/student"), nil
}

// home is the GET side of /home: the CAS return, the SPA once redemption
// parameters are present, or a CAS redirect for a first visit.
func (h *Handler) home(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if ticket := q.Get("casticket"); ticket != "" && h.cas != nil {
		h.casReturn(w, r, ticket)
		return
	}
	if q.Get("nonce") != "" && q.Get("userId") != "" && q.Get("role") != "" {
		h.serveSPA(w, r)
		return
	}
	if h.cas != nil {
		http.Redirect(w, r, h.cas.LoginURL(), http.StatusFound)
		return
	}
	logger.From(ctx).Debug("home: no launch, ticket or redemption parameters")
	http.Error(w, msgUnauthenticated, http.StatusForbidden)
}

// casReturn trades a CAS ticket for a redemption. Only instructors who have
// already launched from Canvas have an account to log in to.
func (h *Handler) casReturn(w http.ResponseWriter, r *http.Request, ticket string) {
	ctx := r.Context()
	username, err := h.cas.Username(ctx, ticket)
	switch {
	case errors.Is(err, cas.ErrCASUnavailable):
		logger.From(ctx).Warn("cas: validation unavailable", "error", err)
		http.Error(w, msgTryLater, http.StatusServiceUnavailable)
		return
	case err != nil:
		logger.Audit(ctx, "cas ticket rejected", "error", err)
		http.Error(w, msgUnauthenticated, http.StatusForbidden)
		return
	}

	u, err := h.accounts.InstructorByUsername(ctx, username)
	if err != nil {
		logger.From(ctx).Error("cas: instructor lookup", "error", err)
		http.Error(w, msgInternal, http.StatusInternalServerError)
		return
	}
	if u == nil {
		logger.Audit(ctx, "cas login for unknown instructor", "username", username)
		http.Error(w, "User not found when attempting instructor CAS login", http.StatusForbidden)
		return
	}

	rd, err := h.trust.IssueRedemption(ctx, trust.Grant{Role: trust.RoleInstructor, UserID: u.ID, Nonce: "cas-" + ticket})
	if err != nil {
		logger.From(ctx).Error("cas: issue redemption", "error", err)
		http.Error(w, msgTryLater, http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, rd.URL("/home"), http.StatusFound)
}

func (h *Handler) casLogin(w http.ResponseWriter, r *http.Request) {
	if h.cas == nil {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, h.cas.LoginURL(), http.StatusFound)
}

// serveSPA hands over to the front-end, which redeems the nonce itself.
func (h *Handler) serveSPA(w http.ResponseWriter, r *http.Request) {
	if h.cfg.App.SPAIndex == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	http.ServeFile(w, r, h.cfg.App.SPAIndex)
}

func (h *Handler) appURL(path string) string {
	return h.cfg.App.URL + path
}
