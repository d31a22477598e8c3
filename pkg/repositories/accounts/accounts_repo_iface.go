package accounts

import (
	"context"
	"crypto/rand"
	"time"
)

// APITokenLength is the length of the bearer token handed to the SPA.
const APITokenLength = 60

// Instructor is a staff account, created on the first instructor launch or
// looked up by CAS username.
type Instructor struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Admin     bool      `json:"admin"`
	APIToken  string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Student is keyed by the Canvas user id from the launch. LTIUserID is the
// launch subject, which AGS uses as the score userId.
type Student struct {
	ID              int64     `json:"id"`
	GivenName       string    `json:"given_name"`
	FamilyName      string    `json:"family_name"`
	CanvasUserID    string    `json:"canvas_user_id"`
	CanvasLoginID   string    `json:"canvas_login_id"`
	LTIUserID       string    `json:"lti_user_id,omitempty"`
	PersonSourcedID string    `json:"person_sourcedid,omitempty"`
	APIToken        string    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

// CourseContext maps an LTI context to its Canvas course. Issuer and
// LineItemsURL come from the most recent launch.
type CourseContext struct {
	ID                      int64  `json:"id"`
	LTIContextID            string `json:"lti_context_id"`
	CanvasCourseID          string `json:"canvas_course_id"`
	CourseOfferingSourcedID string `json:"course_offering_sourcedid,omitempty"`
	Issuer                  string `json:"issuer,omitempty"`
	LineItemsURL            string `json:"line_items_url,omitempty"`
}

// Repository stores the accounts a launch or CAS login resolves to.
// Lookups return nil, nil when nothing matches.
type Repository interface {
	// Health is a simple check to verify repository works.
	Health() error
	// Disconnect gracefully closes resources. Should be safe to call on shutdown.
	Disconnect()

	// UpsertInstructor finds the instructor by username, creating it if
	// missing, and gives it an API token if it has none.
	UpsertInstructor(ctx context.Context, username string) (*Instructor, error)
	InstructorByUsername(ctx context.Context, username string) (*Instructor, error)
	InstructorByID(ctx context.Context, id int64) (*Instructor, error)
	InstructorByAPIToken(ctx context.Context, token string) (*Instructor, error)

	// UpsertStudent finds the student by CanvasUserID, creating it from s if
	// missing. An existing row gains s.PersonSourcedID, s.LTIUserID and an
	// API token when it has none; its other fields are left alone.
	UpsertStudent(ctx context.Context, s *Student) (*Student, error)
	StudentByID(ctx context.Context, id int64) (*Student, error)
	StudentByAPIToken(ctx context.Context, token string) (*Student, error)

	// UpsertCourseContext finds the context by LTIContextID, creating it if
	// missing, backfills CourseOfferingSourcedID and refreshes Issuer and
	// LineItemsURL when c carries them.
	UpsertCourseContext(ctx context.Context, c *CourseContext) (*CourseContext, error)
	CourseContextByLTIID(ctx context.Context, ltiContextID string) (*CourseContext, error)

	// LinkInstructor records that the instructor launched into the context.
	// Linking twice is a no-op.
	LinkInstructor(ctx context.Context, instructorID int64, ltiContextID string) error
	// InstructorInCourse reports whether LinkInstructor was ever called for
	// the pair.
	InstructorInCourse(ctx context.Context, instructorID int64, ltiContextID string) (bool, error)
}

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewAPIToken returns APITokenLength random alphanumeric characters. Bytes at
// or above limit are skipped so every character is equally likely.
func NewAPIToken() (string, error) {
	const limit = 256 - 256%len(tokenAlphabet)
	out := make([]byte, 0, APITokenLength)
	buf := make([]byte, APITokenLength)
	for len(out) < APITokenLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit || len(out) == APITokenLength {
				continue
			}
			out = append(out, tokenAlphabet[int(b)%len(tokenAlphabet)])
		}
	}
	return string(out), nil
}
