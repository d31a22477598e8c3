package ags

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mattmallon/quickcheck/internal/lti/ltitest"
	"github.com/mattmallon/quickcheck/internal/lti/servicetoken"
	"github.com/mattmallon/quickcheck/internal/repositories/kvstore/memory"
	"github.com/mattmallon/quickcheck/pkg/common/httpx"
	"github.com/mattmallon/quickcheck/pkg/common/keys"
	"github.com/stretchr/testify/require"
)

const clientID = "10000000000001"

func setup(t *testing.T) (*ltitest.Platform, *Client) {
	t.Helper()
	tool, err := keys.Generate("tool-1")
	require.NoError(t, err)
	p := ltitest.New(t, clientID, tool)
	hc := httpx.New(2 * time.Second)
	tokens := servicetoken.NewManager(clientID, tool, p.Registry(), []string{"https://purl.imsglobal.org/spec/lti-ags/scope/score"}, memory.New(), hc)
	return p, NewClient(p.Issuer, tokens, hc)
}

func float(v float64) *float64 { return &v }

func TestCreateAndGetLineItem(t *testing.T) {
	p, c := setup(t)
	ctx := context.Background()

	li, err := c.CreateLineItem(ctx, p.LineItemsURL(), 10, "Quick Check 1")
	require.NoError(t, err)
	require.NotEmpty(t, li.ID)
	require.Equal(t, "Quick Check 1", li.Label)
	require.Equal(t, float64(10), li.ScoreMaximum)

	got, err := c.GetLineItem(ctx, li.ID)
	require.NoError(t, err)
	require.Equal(t, *li, *got)

	// One token serves every call.
	require.Equal(t, int32(1), p.TokenHits.Load())
}

func TestGetAllLineItems_FollowsNextLinks(t *testing.T) {
	p, c := setup(t)
	p.PageSize = 2
	ctx := context.Background()
	for _, label := range []string{"a", "b", "c", "d", "e"} {
		_, err := c.CreateLineItem(ctx, p.LineItemsURL(), 1, label)
		require.NoError(t, err)
	}

	items, err := c.GetAllLineItems(ctx, p.LineItemsURL())
	require.NoError(t, err)
	require.Len(t, items, 5)
	require.Equal(t, "e", items[4].Label)
}

func TestGetAllLineItems_EndlessPaging(t *testing.T) {
	var hits atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		w.Header().Set("Content-Type", MediaLineItemContainer)
		w.Header().Set("Link", fmt.Sprintf(`<%s/line_items?page=%d>; rel="next"`, srv.URL, n+1))
		_, _ = w.Write([]byte(`[{"id":"x","label":"loop","scoreMaximum":1}]`))
	}))
	t.Cleanup(srv.Close)
	c := NewClient("iss", staticToken("t"), httpx.New(time.Second))

	items, err := c.GetAllLineItems(context.Background(), srv.URL+"/line_items")
	require.ErrorIs(t, err, ErrTooManyPages)
	require.Nil(t, items)
	require.Equal(t, int32(maxPages), hits.Load())
}

func TestPostScoreThenGetResult(t *testing.T) {
	p, c := setup(t)
	ctx := context.Background()
	li, err := c.CreateLineItem(ctx, p.LineItemsURL(), 10, "Quick Check 1")
	require.NoError(t, err)

	err = c.PostScore(ctx, li.ID, Score{
		UserID:           "canvas-user-55",
		ActivityProgress: ActivityCompleted,
		GradingProgress:  GradingFullyGraded,
		ScoreGiven:       float(8),
		ScoreMaximum:     float(10),
	})
	require.NoError(t, err)

	sent := p.Scores()
	require.Len(t, sent, 1)
	require.Equal(t, "canvas-user-55", sent[0]["userId"])
	require.Equal(t, "Completed", sent[0]["activityProgress"])
	_, err = time.Parse(time.RFC3339, sent[0]["timestamp"].(string))
	require.NoError(t, err)

	got, err := c.GetResult(ctx, li.ID, "canvas-user-55")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, float64(8), *got)

	none, err := c.GetResult(ctx, li.ID, "someone-else")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestPostScore_Classification(t *testing.T) {
	cases := []struct {
		name  string
		reply ltitest.Reply
		kind  Kind
		retry bool
	}{
		{"gateway timeout text", ltitest.Reply{Status: 200, Body: `{"errors":["Gateway Time-out"]}`}, PlatformUnresponsive, true},
		{"not enrolled", ltitest.Reply{Status: 200, Body: `{"errors":["User is no longer in course"]}`}, UserNotEnrolled, false},
		{"assignment closed", ltitest.Reply{Status: 422, Body: `{"errors":[{"message":"This course has concluded"}]}`}, AssignmentInvalid, false},
		{"gateway status", ltitest.Reply{Status: 504, Body: `<html>upstream</html>`}, PlatformUnresponsive, true},
		{"unknown", ltitest.Reply{Status: 400, Body: `{"errors":{"type":"bad_request","message":"score is weird"}}`}, GradebookTransactionFailed, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, c := setup(t)
			p.SetScoreReply(&tc.reply)

			err := c.PostScore(context.Background(), p.LineItemsURL()+"/1", Score{UserID: "u", ActivityProgress: ActivityCompleted, GradingProgress: GradingFullyGraded})
			pe, ok := AsPassbackError(err)
			require.True(t, ok, "%v", err)
			require.Equal(t, tc.kind, pe.Kind)
			require.Equal(t, tc.retry, pe.Retryable())
			require.NotEmpty(t, pe.Message)
		})
	}
}

func TestPostScore_SuccessWithoutErrorsKey(t *testing.T) {
	p, c := setup(t)
	p.SetScoreReply(&ltitest.Reply{Status: 200, Body: `{"resultUrl":"x"}`})

	require.NoError(t, c.PostScore(context.Background(), p.LineItemsURL()+"/1", Score{UserID: "u"}))

	p.SetScoreReply(&ltitest.Reply{Status: 204})
	require.NoError(t, c.PostScore(context.Background(), p.LineItemsURL()+"/1", Score{UserID: "u"}))

	p.SetScoreReply(&ltitest.Reply{Status: 200, Body: `<html>`})
	err := c.PostScore(context.Background(), p.LineItemsURL()+"/1", Score{UserID: "u"})
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestPostScore_PlatformDown(t *testing.T) {
	p, c := setup(t)
	ctx := context.Background()
	li, err := c.CreateLineItem(ctx, p.LineItemsURL(), 10, "x")
	require.NoError(t, err)
	p.Server.Close()

	err = c.PostScore(ctx, li.ID, Score{UserID: "u"})
	pe, ok := AsPassbackError(err)
	require.True(t, ok, "%v", err)
	require.Equal(t, PlatformUnresponsive, pe.Kind)
}

func TestGetResult_EmptyAndMalformedBodies(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	c := NewClient("iss", staticToken("t"), httpx.New(time.Second))

	body = ""
	_, err := c.GetResult(context.Background(), srv.URL+"/li/1", "u")
	require.ErrorIs(t, err, ErrEmptyResponse)

	body = "HTTP/1.1 200 OK"
	_, err = c.GetResult(context.Background(), srv.URL+"/li/1", "u")
	require.ErrorIs(t, err, ErrMalformedResponse)

	_, err = c.GetLineItem(context.Background(), srv.URL+"/li/1")
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestTokenFailureIsNotClassified(t *testing.T) {
	c := NewClient("iss", failingToken{servicetoken.ErrTokenExchange}, httpx.New(time.Second))

	err := c.PostScore(context.Background(), "https://canvas.test/li/1", Score{UserID: "u"})
	require.ErrorIs(t, err, servicetoken.ErrTokenExchange)
	_, ok := AsPassbackError(err)
	require.False(t, ok)
}

func TestClassify(t *testing.T) {
	require.Equal(t, PlatformUnresponsive, classify(200, "Gateway Time-out"))
	require.Equal(t, UserNotEnrolled, classify(200, "User is no longer in course"))
	require.Equal(t, AssignmentInvalid, classify(404, ""))
	require.Equal(t, PlatformUnresponsive, classify(503, "User is no longer in course"))
	require.Equal(t, GradebookTransactionFailed, classify(500, "boom"))
}

func TestNextLink(t *testing.T) {
	h := http.Header{}
	h.Add("Link", `<https://c.test/li?page=1>; rel="current", <https://c.test/li?page=2>; rel="next"`)
	require.Equal(t, "https://c.test/li?page=2", nextLink(h))
	require.Empty(t, nextLink(http.Header{}))
}

func TestSubresourceKeepsQuery(t *testing.T) {
	u, err := subresource("https://c.test/api/lti/courses/1/line_items/9?foo=bar", "scores")
	require.NoError(t, err)
	require.Equal(t, "https://c.test/api/lti/courses/1/line_items/9/scores?foo=bar", u.String())

	_, err = subresource("not a url", "scores")
	require.Error(t, err)
}

type staticToken string

func (s staticToken) GetToken(context.Context, string) (string, error) { return string(s), nil }

type failingToken struct{ err error }

func (f failingToken) GetToken(context.Context, string) (string, error) {
	return "", errors.Join(f.err, errors.New("boom"))
}
