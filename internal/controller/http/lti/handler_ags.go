package lti

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/mattmallon/quickcheck/internal/lti/ags"
	"github.com/mattmallon/quickcheck/pkg/common/logger"
	"github.com/mattmallon/quickcheck/pkg/repositories/lineitems"
)

type createLineItemRequest struct {
	Context      string     `json:"context"`
	Label        string     `json:"label"`
	ScoreMaximum float64    `json:"scoreMaximum"`
	DueAt        *time.Time `json:"dueAt,omitempty"`
}

// createLineItem POST /api/lineitems adds a gradebook column in the course's
// platform and mirrors it locally. The line item container always comes from
// the course's last launch, never from the request.
func (h *Handler) createLineItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createLineItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", nil)
		return
	}
	req.Label = strings.TrimSpace(req.Label)
	if req.Context == "" || req.Label == "" || req.ScoreMaximum <= 0 {
		writeError(w, http.StatusBadRequest, "context, label and a positive scoreMaximum are required", nil)
		return
	}

	p, _ := principalFrom(ctx)
	if !h.teaches(w, r, p, req.Context) {
		return
	}
	course, err := h.accounts.CourseContextByLTIID(ctx, req.Context)
	if err != nil {
		logger.From(ctx).Error("create line item: course lookup", "error", err)
		writeError(w, http.StatusInternalServerError, msgInternal, nil)
		return
	}
	if course == nil || course.LineItemsURL == "" || course.Issuer == "" {
		writeError(w, http.StatusUnprocessableEntity, "This course has not granted gradebook access. Please relaunch from Canvas.", nil)
		return
	}

	li, err := h.passback(course.Issuer).CreateLineItem(ctx, course.LineItemsURL, req.ScoreMaximum, req.Label)
	if err != nil {
		writePassbackError(w, r, "create line item", err)
		return
	}
	mirror := &lineitems.LineItem{
		LineItemURL:  li.ID,
		LTIContextID: req.Context,
		Issuer:       course.Issuer,
		Label:        li.Label,
		DueAt:        req.DueAt,
	}
	if err := h.lineItems.Save(ctx, mirror); err != nil {
		logger.From(ctx).Error("create line item: save mirror", "error", err)
		writeError(w, http.StatusInternalServerError, msgInternal, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"lineItem": mirror})
}

type gradeRequest struct {
	LineItemURL      string   `json:"lineItemUrl"`
	UserID           string   `json:"userId"`
	ScoreGiven       *float64 `json:"scoreGiven"`
	ScoreMaximum     *float64 `json:"scoreMaximum"`
	Comment          string   `json:"comment"`
	ActivityProgress string   `json:"activityProgress"`
	GradingProgress  string   `json:"gradingProgress"`
}

// postGrade POST /api/grades sends a score for a mirrored line item. Only
// instructors of the line item's course may post.
func (h *Handler) postGrade(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req gradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", nil)
		return
	}
	if msg := checkScore(req.ScoreGiven, req.ScoreMaximum); msg != "" {
		writeError(w, http.StatusBadRequest, msg, nil)
		return
	}
	li, userID, ok := h.resolveGradeTarget(w, r, req.LineItemURL, req.UserID)
	if !ok {
		return
	}
	if req.ActivityProgress == "" {
		req.ActivityProgress = ags.ActivityCompleted
	}
	if req.GradingProgress == "" {
		req.GradingProgress = ags.GradingFullyGraded
	}

	err := h.passback(li.Issuer).PostScore(ctx, li.LineItemURL, ags.Score{
		UserID:           userID,
		ActivityProgress: req.ActivityProgress,
		GradingProgress:  req.GradingProgress,
		Timestamp:        h.now(),
		ScoreGiven:       req.ScoreGiven,
		ScoreMaximum:     req.ScoreMaximum,
		Comment:          req.Comment,
	})
	if err != nil {
		writePassbackError(w, r, "post grade", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"posted": true})
}

// getGrade GET /api/grades?lineItemUrl=..&userId=.. reads the platform's
// current result. score is null when the user has none.
func (h *Handler) getGrade(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	li, userID, ok := h.resolveGradeTarget(w, r, q.Get("lineItemUrl"), q.Get("userId"))
	if !ok {
		return
	}
	score, err := h.passback(li.Issuer).GetResult(r.Context(), li.LineItemURL, userID)
	if err != nil {
		writePassbackError(w, r, "get grade", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"score": score})
}

// resolveGradeTarget finds the mirrored line item and the AGS user id. It
// writes the error response itself and reports false on failure.
func (h *Handler) resolveGradeTarget(w http.ResponseWriter, r *http.Request, lineItemURL, userID string) (*lineitems.LineItem, string, bool) {
	ctx := r.Context()
	p, _ := principalFrom(ctx)
	if lineItemURL == "" {
		writeError(w, http.StatusBadRequest, "lineItemUrl is required", nil)
		return nil, "", false
	}
	li, err := h.lineItems.FindByURL(ctx, lineItemURL)
	if err != nil {
		logger.From(ctx).Error("grade: line item lookup", "error", err)
		writeError(w, http.StatusInternalServerError, msgInternal, nil)
		return nil, "", false
	}
	if li == nil || li.Issuer == "" {
		writeError(w, http.StatusNotFound, "Unknown line item.", nil)
		return nil, "", false
	}

	if p.Student != nil {
		if p.Student.LTIUserID == "" {
			writeError(w, http.StatusUnprocessableEntity, "Please relaunch the assignment from Canvas.", nil)
			return nil, "", false
		}
		if userID != "" && userID != p.Student.LTIUserID {
			logger.Audit(ctx, "student grade request for another user", "student_id", p.Student.ID)
			writeError(w, http.StatusForbidden, "Not allowed.", nil)
			return nil, "", false
		}
		return li, p.Student.LTIUserID, true
	}
	if !h.teaches(w, r, p, li.LTIContextID) {
		return nil, "", false
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required", nil)
		return nil, "", false
	}
	return li, userID, true
}

// teaches checks that the principal is an instructor who has launched into
// the context. It writes 403 itself and reports false otherwise.
func (h *Handler) teaches(w http.ResponseWriter, r *http.Request, p principal, ltiContextID string) bool {
	ctx := r.Context()
	if p.Instructor == nil || ltiContextID == "" {
		writeError(w, http.StatusForbidden, "Not allowed.", nil)
		return false
	}
	ok, err := h.accounts.InstructorInCourse(ctx, p.Instructor.ID, ltiContextID)
	if err != nil {
		logger.From(ctx).Error("course membership lookup", "error", err)
		writeError(w, http.StatusInternalServerError, msgInternal, nil)
		return false
	}
	if !ok {
		logger.Audit(ctx, "instructor outside course", "instructor_id", p.Instructor.ID, "context", ltiContextID)
		writeError(w, http.StatusForbidden, "Not allowed.", nil)
		return false
	}
	return true
}

// checkScore returns a message when the score pair is unusable: a given
// score needs a positive maximum and must lie within 0..maximum.
func checkScore(given, maximum *float64) string {
	if maximum != nil && *maximum <= 0 {
		return "scoreMaximum must be positive"
	}
	if given == nil {
		return ""
	}
	if maximum == nil {
		return "scoreMaximum is required with scoreGiven"
	}
	if *given < 0 || *given > *maximum {
		return "scoreGiven must be between 0 and scoreMaximum"
	}
	return ""
}
