// Package claims gives typed access to the body of an LTI 1.3 id_token.
package claims

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Claim names used by LTI 1.3 and LTI Advantage.
const (
	Version             = "https://purl.imsglobal.org/spec/lti/claim/version"
	MessageType         = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	DeploymentID        = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	TargetLinkURI       = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	Roles               = "https://purl.imsglobal.org/spec/lti/claim/roles"
	Context             = "https://purl.imsglobal.org/spec/lti/claim/context"
	Custom              = "https://purl.imsglobal.org/spec/lti/claim/custom"
	LIS                 = "https://purl.imsglobal.org/spec/lti/claim/lis"
	ResourceLink        = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	AGSEndpoint         = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"
	NamesRoleService    = "https://purl.imsglobal.org/spec/lti-nrps/claim/namesroleservice"
	DeepLinkingSettings = "https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"
)

const (
	SupportedLTIVersion = "1.3.0"
	ResourceLinkRequest = "LtiResourceLinkRequest"
	DeepLinkingRequest  = "LtiDeepLinkingRequest"
)

var ErrLaunchDataMissing = errors.New("claims: required launch data missing")

// Audience accepts both the string and array forms of "aud".
type Audience []string

func (a *Audience) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*a = Audience{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("claims: aud must be a string or an array of strings")
	}
	*a = many
	return nil
}

// Contains reports whether id is one of the audiences.
func (a Audience) Contains(id string) bool {
	for _, v := range a {
		if v == id {
			return true
		}
	}
	return false
}

type ContextClaim struct {
	ID    string   `json:"id"`
	Label string   `json:"label,omitempty"`
	Title string   `json:"title,omitempty"`
	Type  []string `json:"type,omitempty"`
}

type ResourceLinkClaim struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type LISClaim struct {
	PersonSourcedID         string `json:"person_sourcedid,omitempty"`
	CourseOfferingSourcedID string `json:"course_offering_sourcedid,omitempty"`
	CourseSectionSourcedID  string `json:"course_section_sourcedid,omitempty"`
}

// AGSClaim advertises the grade service endpoints for this launch.
type AGSClaim struct {
	Scope     []string `json:"scope,omitempty"`
	LineItems string   `json:"lineitems,omitempty"`
	LineItem  string   `json:"lineitem,omitempty"`
}

type DeepLinkingClaim struct {
	ReturnURL string `json:"deep_link_return_url"`
	Data      string `json:"data,omitempty"`
}

// LaunchClaims is the verified id_token body.
type LaunchClaims struct {
	Issuer          string   `json:"iss"`
	Subject         string   `json:"sub"`
	Audience        Audience `json:"aud"`
	AuthorizedParty string   `json:"azp,omitempty"`
	Nonce           string   `json:"nonce"`
	Name            string   `json:"name,omitempty"`
	GivenName       string   `json:"given_name,omitempty"`
	FamilyName      string   `json:"family_name,omitempty"`
	Email           string   `json:"email,omitempty"`

	Version       string             `json:"https://purl.imsglobal.org/spec/lti/claim/version"`
	MessageType   string             `json:"https://purl.imsglobal.org/spec/lti/claim/message_type"`
	DeploymentID  string             `json:"https://purl.imsglobal.org/spec/lti/claim/deployment_id,omitempty"`
	TargetLinkURI string             `json:"https://purl.imsglobal.org/spec/lti/claim/target_link_uri,omitempty"`
	Roles         []string           `json:"https://purl.imsglobal.org/spec/lti/claim/roles,omitempty"`
	Context       *ContextClaim      `json:"https://purl.imsglobal.org/spec/lti/claim/context,omitempty"`
	ResourceLink  *ResourceLinkClaim `json:"https://purl.imsglobal.org/spec/lti/claim/resource_link,omitempty"`
	LIS           *LISClaim          `json:"https://purl.imsglobal.org/spec/lti/claim/lis,omitempty"`
	Custom        map[string]any     `json:"https://purl.imsglobal.org/spec/lti/claim/custom,omitempty"`
	AGS           *AGSClaim          `json:"https://purl.imsglobal.org/spec/lti-ags/claim/endpoint,omitempty"`
	DeepLinking   *DeepLinkingClaim  `json:"https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings,omitempty"`
}

// FromMap builds LaunchClaims from a decoded token body.
func FromMap(m map[string]any) (*LaunchClaims, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("claims: %w", err)
	}
	var c LaunchClaims
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("claims: %w", err)
	}
	return &c, nil
}

// IsInstructor reports whether any role grants instructor access: course
// instructors, content developers and administrators.
func (c *LaunchClaims) IsInstructor() bool {
	for _, r := range c.Roles {
		r = strings.ToLower(r)
		if strings.Contains(r, "membership#instructor") ||
			strings.Contains(r, "membership#contentdeveloper") ||
			strings.Contains(r, "administrator") {
			return true
		}
	}
	return false
}

// Role returns "instructor" or "student".
func (c *LaunchClaims) Role() string {
	if c.IsInstructor() {
		return "instructor"
	}
	return "student"
}

// CustomValue returns a custom parameter as a string. Canvas sends some ids
// as JSON numbers.
func (c *LaunchClaims) CustomValue(name string) string {
	v, ok := c.Custom[name]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func (c *LaunchClaims) ContextID() string {
	if c.Context == nil {
		return ""
	}
	return c.Context.ID
}

func (c *LaunchClaims) ResourceLinkID() string {
	if c.ResourceLink == nil {
		return ""
	}
	return c.ResourceLink.ID
}

func (c *LaunchClaims) PersonSourcedID() string {
	if c.LIS == nil {
		return ""
	}
	return c.LIS.PersonSourcedID
}

func (c *LaunchClaims) CourseOfferingSourcedID() string {
	if c.LIS == nil {
		return ""
	}
	return c.LIS.CourseOfferingSourcedID
}

func (c *LaunchClaims) CanvasCourseID() string    { return c.CustomValue("canvas_course_id") }
func (c *LaunchClaims) CanvasUserID() string      { return c.CustomValue("canvas_user_id") }
func (c *LaunchClaims) CanvasUserLoginID() string { return c.CustomValue("canvas_user_login_id") }
func (c *LaunchClaims) AssignmentDueAt() string   { return c.CustomValue("canvas_assignment_dueat") }
func (c *LaunchClaims) AssignmentID() string      { return c.CustomValue("canvas_assignment_id") }
func (c *LaunchClaims) AssignmentTitle() string   { return c.CustomValue("canvas_assignment_title") }
func (c *LaunchClaims) SectionID() string         { return c.CustomValue("canvas_coursesection_id") }

// LineItemURL is the line item bound to this resource link, if any.
func (c *LaunchClaims) LineItemURL() string {
	if c.AGS == nil {
		return ""
	}
	return c.AGS.LineItem
}

// LineItemsURL is the course's line item container, if any.
func (c *LaunchClaims) LineItemsURL() string {
	if c.AGS == nil {
		return ""
	}
	return c.AGS.LineItems
}

// DeepLinkReturnURL is set on deep linking requests.
func (c *LaunchClaims) DeepLinkReturnURL() string {
	if c.DeepLinking == nil {
		return ""
	}
	return c.DeepLinking.ReturnURL
}

// RequireLaunchData checks the values needed to create course and user
// records. The error names the first missing value.
func (c *LaunchClaims) RequireLaunchData() error {
	checks := []struct {
		name  string
		value string
	}{
		{"context id", c.ContextID()},
		{"course id", c.CanvasCourseID()},
		{"user id", c.CanvasUserID()},
		{"user login id", c.CanvasUserLoginID()},
		{"given name", c.GivenName},
	}
	for _, ch := range checks {
		if ch.value == "" {
			return fmt.Errorf("%w: %s", ErrLaunchDataMissing, ch.name)
		}
	}
	return nil
}
