package ags

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrEmptyResponse     = errors.New("ags: platform returned an empty response")
	ErrMalformedResponse = errors.New("ags: platform response is not valid JSON")
	ErrRequestFailed     = errors.New("ags: platform request failed")
	ErrTooManyPages      = errors.New("ags: line item container has too many pages")
)

// Kind classifies a failed score or result call.
type Kind int

const (
	GradebookTransactionFailed Kind = iota
	PlatformUnresponsive
	UserNotEnrolled
	AssignmentInvalid
)

func (k Kind) String() string {
	switch k {
	case PlatformUnresponsive:
		return "platform_unresponsive"
	case UserNotEnrolled:
		return "user_not_enrolled"
	case AssignmentInvalid:
		return "assignment_invalid"
	default:
		return "gradebook_transaction_failed"
	}
}

var messages = map[Kind]string{
	PlatformUnresponsive:       "Canvas is not responding right now. Please try again later.",
	UserNotEnrolled:            "This student is no longer enrolled in the course, so the grade could not be saved.",
	AssignmentInvalid:          "The Canvas assignment for this quick check is missing or closed, so the grade could not be saved.",
	GradebookTransactionFailed: "The grade could not be saved to the Canvas gradebook.",
}

// GradePassbackError is a classified platform failure. Message is safe to
// show to users; Detail carries the platform's own wording.
type GradePassbackError struct {
	Kind    Kind
	Message string
	Detail  string
	Status  int
	Err     error
}

func newPassbackError(k Kind, status int, detail string, err error) *GradePassbackError {
	return &GradePassbackError{Kind: k, Message: messages[k], Detail: detail, Status: status, Err: err}
}

func (e *GradePassbackError) Error() string {
	s := "ags: " + e.Kind.String()
	if e.Status != 0 {
		s += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Detail != "" {
		s += ": " + e.Detail
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *GradePassbackError) Unwrap() error { return e.Err }

// Retryable reports whether the same call may succeed later.
func (e *GradePassbackError) Retryable() bool { return e.Kind == PlatformUnresponsive }

// AsPassbackError extracts a *GradePassbackError from err.
func AsPassbackError(err error) (*GradePassbackError, bool) {
	var pe *GradePassbackError
	ok := errors.As(err, &pe)
	return pe, ok
}

var (
	unresponsivePhrases = []string{"gateway", "time-out", "timeout", "timed out", "service unavailable", "temporarily unavailable"}
	notEnrolledPhrases  = []string{"no longer in course", "not found in course", "not enrolled", "not a student", "user not found", "inactive enrollment"}
	assignmentPhrases   = []string{"assignment", "line item", "lineitem", "concluded", "closed", "locked", "deleted"}
)

// classify maps a platform response to a Kind. Gateway statuses win over the
// body text.
func classify(status int, detail string) Kind {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return PlatformUnresponsive
	}
	d := strings.ToLower(detail)
	switch {
	case containsAny(d, unresponsivePhrases):
		return PlatformUnresponsive
	case containsAny(d, notEnrolledPhrases):
		return UserNotEnrolled
	case containsAny(d, assignmentPhrases):
		return AssignmentInvalid
	case status == http.StatusNotFound:
		return AssignmentInvalid
	}
	return GradebookTransactionFailed
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// platformErrors returns the messages under an "errors" key. Canvas uses a
// list of strings, a list of {"message": ...} objects, or a single object.
func platformErrors(body []byte) ([]string, bool) {
	var env struct {
		Errors json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(body, &env); err != nil || len(env.Errors) == 0 || string(env.Errors) == "null" {
		return nil, false
	}

	var list []json.RawMessage
	if err := json.Unmarshal(env.Errors, &list); err != nil {
		list = []json.RawMessage{env.Errors}
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		var s string
		if json.Unmarshal(item, &s) == nil {
			out = append(out, s)
			continue
		}
		var obj struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		}
		if json.Unmarshal(item, &obj) == nil && (obj.Message != "" || obj.Type != "") {
			out = append(out, strings.TrimSpace(obj.Type+" "+obj.Message))
			continue
		}
		out = append(out, string(item))
	}
	return out, true
}
