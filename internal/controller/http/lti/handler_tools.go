package lti

import (
	"encoding/json"
	"net/http"

	"github.com/mattmallon/quickcheck/pkg/common/logger"
)

const toolID = "iu-eds-quickcheck"

// customFields are the Canvas variable substitutions every launch relies on.
var customFields = map[string]string{
	"canvas_assignment_dueat": "$Canvas.assignment.dueAt",
	"canvas_assignment_id":    "$Canvas.assignment.id",
	"canvas_assignment_title": "$Canvas.assignment.title",
	"canvas_course_id":        "$Canvas.course.id",
	"canvas_coursesection_id": "$CourseSection.sourcedId",
	"canvas_section_id":       "$Canvas.course.sectionIds",
	"canvas_user_id":          "$Canvas.user.id",
	"canvas_user_login_id":    "$Canvas.user.loginId",
}

type placement struct {
	Text          string `json:"text"`
	Enabled       bool   `json:"enabled"`
	IconURL       string `json:"icon_url,omitempty"`
	Placement     string `json:"placement"`
	MessageType   string `json:"message_type"`
	TargetLinkURI string `json:"target_link_uri"`
}

// toolConfig serves the Canvas developer key JSON for this deployment.
func (h *Handler) toolConfig(w http.ResponseWriter, r *http.Request) {
	title := h.cfg.App.Title
	if h.cfg.Env != "prod" {
		title += " (" + h.cfg.Env + ")"
	}
	launchURL := h.appURL("/index.php/assessment")

	pub, err := json.Marshal(h.toolKey.PublicJWK())
	if err != nil {
		logger.From(r.Context()).Error("tool config: public jwk", "error", err)
		http.Error(w, msgInternal, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"title":         title,
		"description":   "This tool allows embedding and taking quick checks, as well as reviewing student results through the left nav.",
		"scopes":        h.cfg.LTI.Scopes,
		"privacy_level": "public",
		"extensions": []map[string]any{{
			"platform":      "canvas.instructure.com",
			"domain":        h.cfg.App.URL,
			"tool_id":       toolID,
			"privacy_level": "public",
			"settings": map[string]any{
				"text":     title,
				"icon_url": h.cfg.App.IconURL,
				"placements": []placement{
					{Text: title, Enabled: true, IconURL: h.cfg.App.IconURL, Placement: "link_selection", MessageType: "LtiDeepLinkingRequest", TargetLinkURI: h.appURL("/index.php/select")},
					{Text: title, Enabled: true, IconURL: h.cfg.App.IconURL, Placement: "course_navigation", MessageType: "LtiResourceLinkRequest", TargetLinkURI: h.appURL("/index.php/home")},
					{Text: title, Enabled: true, IconURL: h.cfg.App.IconURL, Placement: "assignment_selection", MessageType: "LtiDeepLinkingRequest", TargetLinkURI: launchURL},
				},
				"selection_width":  "1000",
				"selection_height": "1000",
			},
		}},
		"public_jwk":          json.RawMessage(pub),
		"custom_fields":       customFields,
		"target_link_uri":     launchURL,
		"oidc_initiation_url": h.appURL("/index.php/logininitiations"),
	})
}
