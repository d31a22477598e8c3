package claims

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func launchBody() map[string]any {
	return map[string]any{
		"iss":        "https://canvas.instructure.com",
		"sub":        "user-1",
		"aud":        "10000000000001",
		"nonce":      "n-1",
		"given_name": "Ada",
		Version:      SupportedLTIVersion,
		MessageType:  ResourceLinkRequest,
		Roles:        []any{"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner"},
		Context:      map[string]any{"id": "ctx-1", "title": "Biology 101"},
		ResourceLink: map[string]any{"id": "rl-1"},
		LIS: map[string]any{
			"person_sourcedid":          "0001234",
			"course_offering_sourcedid": "BIO-101-FA",
		},
		Custom: map[string]any{
			"canvas_course_id":     float64(1234),
			"canvas_user_id":       "55",
			"canvas_user_login_id": "ada",
		},
		AGSEndpoint: map[string]any{
			"scope":     []any{"https://purl.imsglobal.org/spec/lti-ags/scope/score"},
			"lineitems": "https://canvas.test/api/lti/courses/1234/line_items",
			"lineitem":  "https://canvas.test/api/lti/courses/1234/line_items/9",
		},
	}
}

func TestFromMap(t *testing.T) {
	c, err := FromMap(launchBody())
	require.NoError(t, err)

	require.Equal(t, "https://canvas.instructure.com", c.Issuer)
	require.Equal(t, Audience{"10000000000001"}, c.Audience)
	require.Equal(t, SupportedLTIVersion, c.Version)
	require.Equal(t, ResourceLinkRequest, c.MessageType)
	require.Equal(t, "ctx-1", c.ContextID())
	require.Equal(t, "rl-1", c.ResourceLinkID())
	require.Equal(t, "1234", c.CanvasCourseID())
	require.Equal(t, "55", c.CanvasUserID())
	require.Equal(t, "ada", c.CanvasUserLoginID())
	require.Equal(t, "0001234", c.PersonSourcedID())
	require.Equal(t, "BIO-101-FA", c.CourseOfferingSourcedID())
	require.Equal(t, "https://canvas.test/api/lti/courses/1234/line_items/9", c.LineItemURL())
	require.Equal(t, "https://canvas.test/api/lti/courses/1234/line_items", c.LineItemsURL())
	require.Empty(t, c.DeepLinkReturnURL())
	require.NoError(t, c.RequireLaunchData())
}

func TestAudience_ArrayForm(t *testing.T) {
	var a Audience
	require.NoError(t, json.Unmarshal([]byte(`["x","y"]`), &a))
	require.True(t, a.Contains("y"))
	require.False(t, a.Contains("z"))

	require.Error(t, json.Unmarshal([]byte(`42`), &a))
}

func TestIsInstructor(t *testing.T) {
	cases := []struct {
		role string
		want bool
	}{
		{"http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor", true},
		{"http://purl.imsglobal.org/vocab/lis/v2/membership#ContentDeveloper", true},
		{"http://purl.imsglobal.org/vocab/lis/v2/institution/person#Administrator", true},
		{"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner", false},
		{"http://purl.imsglobal.org/vocab/lis/v2/membership#Mentor", false},
	}
	for _, tc := range cases {
		c := &LaunchClaims{Roles: []string{tc.role}}
		require.Equal(t, tc.want, c.IsInstructor(), tc.role)
	}

	c := &LaunchClaims{Roles: []string{
		"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner",
		"http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor",
	}}
	require.Equal(t, "instructor", c.Role())
	require.Equal(t, "student", (&LaunchClaims{}).Role())
}

func TestRequireLaunchData_NamesMissingValue(t *testing.T) {
	body := launchBody()
	delete(body[Custom].(map[string]any), "canvas_user_login_id")

	c, err := FromMap(body)
	require.NoError(t, err)

	err = c.RequireLaunchData()
	require.ErrorIs(t, err, ErrLaunchDataMissing)
	require.Contains(t, err.Error(), "user login id")
}

func TestRequireLaunchData_NoContext(t *testing.T) {
	body := launchBody()
	delete(body, Context)

	c, err := FromMap(body)
	require.NoError(t, err)
	require.ErrorIs(t, c.RequireLaunchData(), ErrLaunchDataMissing)
}

func TestCustomValue_Types(t *testing.T) {
	c := &LaunchClaims{Custom: map[string]any{"a": true, "b": nil, "c": float64(1.5)}}
	require.Equal(t, "true", c.CustomValue("a"))
	require.Equal(t, "", c.CustomValue("b"))
	require.Equal(t, "1.5", c.CustomValue("c"))
	require.Equal(t, "", c.CustomValue("missing"))
}
