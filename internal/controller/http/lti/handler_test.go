package lti

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattmallon/quickcheck/internal/cas"
	"github.com/mattmallon/quickcheck/internal/config"
	"github.com/mattmallon/quickcheck/internal/lti/ags"
	"github.com/mattmallon/quickcheck/internal/lti/claims"
	"github.com/mattmallon/quickcheck/internal/lti/launch"
	"github.com/mattmallon/quickcheck/internal/lti/ltitest"
	"github.com/mattmallon/quickcheck/internal/lti/oidc"
	"github.com/mattmallon/quickcheck/internal/lti/servicetoken"
	"github.com/mattmallon/quickcheck/internal/lti/trust"
	accountssqlite "github.com/mattmallon/quickcheck/internal/repositories/accounts/sqlite"
	"github.com/mattmallon/quickcheck/internal/repositories/kvstore/memory"
	lineitemssqlite "github.com/mattmallon/quickcheck/internal/repositories/lineitems/sqlite"
	"github.com/mattmallon/quickcheck/pkg/common/httpx"
	"github.com/mattmallon/quickcheck/pkg/common/keys"
	"github.com/mattmallon/quickcheck/pkg/common/keystore"
	"github.com/mattmallon/quickcheck/pkg/common/metrics"
	"github.com/stretchr/testify/require"
)

const (
	clientID = "10000000000001"
	appURL   = "https://quickcheck.test"
)

type env struct {
	p      *ltitest.Platform
	cfg    *config.Config
	deps   Deps
	srv    *httptest.Server
	client *http.Client
}

type reply struct {
	status int
	header http.Header
	body   []byte
}

func (r reply) json(t *testing.T) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(r.body, &m), string(r.body))
	return m
}

func (r reply) location(t *testing.T) *url.URL {
	t.Helper()
	require.Equal(t, http.StatusFound, r.status, string(r.body))
	u, err := url.Parse(r.header.Get("Location"))
	require.NoError(t, err)
	return u
}

func newEnv(t *testing.T, opts ...func(*Deps)) *env {
	t.Helper()
	tool, err := keys.Generate("tool-1")
	require.NoError(t, err)
	p := ltitest.New(t, clientID, tool)
	reg := p.Registry()
	kv := memory.New()
	hc := httpx.New(2 * time.Second)
	m := metrics.New()

	cfg := &config.Config{
		Env:  "test",
		HTTP: config.HTTPConfig{AllowedOrigins: []string{"*"}},
		App:  config.AppConfig{URL: appURL, Title: "Quick Check"},
		LTI: config.LTIConfig{
			ClientID: clientID,
			Scopes:   []string{"https://purl.imsglobal.org/spec/lti-ags/scope/lineitem", "https://purl.imsglobal.org/spec/lti-ags/scope/score"},
		},
	}

	initiator, err := oidc.NewInitiator(clientID, appURL+"/index.php/home", reg, kv)
	require.NoError(t, err)
	ks := keystore.New(kv, hc, keystore.WithURLResolver(reg.JWKSURL))
	tokens := servicetoken.NewManager(clientID, tool, reg, cfg.LTI.Scopes, kv, hc)

	dir := t.TempDir()
	accts, err := accountssqlite.NewSQLiteRepo(filepath.Join(dir, "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(accts.Disconnect)
	items, err := lineitemssqlite.NewSQLiteRepo(filepath.Join(dir, "lineitems.db"))
	require.NoError(t, err)
	t.Cleanup(items.Disconnect)

	d := Deps{
		Config:    cfg,
		ToolKey:   tool,
		Initiator: initiator,
		Validator: launch.NewValidator(clientID, reg, ks, kv, launch.WithMetrics(m)),
		Trust:     trust.New(kv, trust.WithMetrics(m)),
		Accounts:  accts,
		LineItems: items,
		Passback: func(issuer string) Passback {
			return ags.NewClient(issuer, tokens, hc, ags.WithMetrics(m))
		},
		Metrics: m,
		Health:  map[string]Pinger{"accounts": accts, "lineitems": items},
	}
	for _, o := range opts {
		o(&d)
	}

	srv := httptest.NewServer(NewHandler(d).Router())
	t.Cleanup(srv.Close)
	return &env{
		p:    p,
		cfg:  cfg,
		deps: d,
		srv:  srv,
		client: &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}},
	}
}

// withCAS enables CAS in local mode, so the dev ticket logs in as username.
func withCAS(username string) func(*Deps) {
	return func(d *Deps) {
		d.CAS = cas.New(cas.Config{
			LoginURL:    "https://cas.test/cas/login",
			ValidateURL: "https://cas.test/cas/validate",
			Service:     "ANY",
			ReturnURL:   appURL + "/home",
			DevUsername: username,
			Local:       true,
		}, httpx.New(time.Second))
	}
}

func (e *env) do(t *testing.T, method, path string, body io.Reader, header http.Header) reply {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return reply{status: resp.StatusCode, header: resp.Header, body: b}
}

func (e *env) get(t *testing.T, path, token string) reply {
	t.Helper()
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return e.do(t, http.MethodGet, path, nil, h)
}

func (e *env) postForm(t *testing.T, path string, form url.Values) reply {
	t.Helper()
	h := http.Header{"Content-Type": {"application/x-www-form-urlencoded"}}
	return e.do(t, http.MethodPost, path, strings.NewReader(form.Encode()), h)
}

func (e *env) postJSON(t *testing.T, path, token string, v any) reply {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	h := http.Header{"Content-Type": {"application/json"}}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return e.do(t, http.MethodPost, path, bytes.NewReader(b), h)
}

// initiate runs login initiation and returns the state and nonce the
// platform would echo back.
func (e *env) initiate(t *testing.T) (string, string) {
	t.Helper()
	q := url.Values{
		"iss":             {e.p.Issuer},
		"login_hint":      {"hint-1"},
		"target_link_uri": {appURL + "/index.php/home"},
	}
	loc := e.get(t, "/index.php/logininitiations?"+q.Encode(), "").location(t)
	return loc.Query().Get("state"), loc.Query().Get("nonce")
}

// launch performs a complete login and launch against path.
func (e *env) launch(t *testing.T, path string, build func(nonce string) map[string]any) reply {
	t.Helper()
	state, nonce := e.initiate(t)
	return e.postForm(t, path, url.Values{"id_token": {e.p.Sign(t, build(nonce))}, "state": {state}})
}

// redeem trades the redemption in a launch redirect for an API token.
func (e *env) redeem(t *testing.T, launched reply) string {
	t.Helper()
	q := launched.location(t).Query()
	r := e.postJSON(t, "/api/users/token", "", map[string]any{
		"role":   q.Get("role"),
		"userId": json.Number(q.Get("userId")),
		"nonce":  q.Get("nonce"),
	})
	require.Equal(t, http.StatusOK, r.status, string(r.body))
	token, _ := r.json(t)["apiToken"].(string)
	require.NotEmpty(t, token)
	return token
}

func firstError(t *testing.T, r reply) string {
	t.Helper()
	errs, ok := r.json(t)["errors"].([]any)
	require.True(t, ok, string(r.body))
	require.NotEmpty(t, errs)
	return errs[0].(string)
}

func TestLoginInitiation(t *testing.T) {
	e := newEnv(t)

	q := url.Values{"iss": {e.p.Issuer}, "login_hint": {"hint-1"}, "target_link_uri": {appURL + "/index.php/assessment"}, "lti_message_hint": {"mh"}}
	loc := e.postForm(t, "/logininitiations", q).location(t)
	require.Equal(t, e.p.Issuer+"/api/lti/authorize_redirect", loc.Scheme+"://"+loc.Host+loc.Path)
	require.Equal(t, clientID, loc.Query().Get("client_id"))
	require.Equal(t, "form_post", loc.Query().Get("response_mode"))
	require.Equal(t, "mh", loc.Query().Get("lti_message_hint"))
	require.NotEmpty(t, loc.Query().Get("state"))
	require.NotEmpty(t, loc.Query().Get("nonce"))

	for name, form := range map[string]url.Values{
		"missing login hint": {"iss": {e.p.Issuer}, "target_link_uri": {appURL}},
		"untrusted issuer":   {"iss": {"https://evil.test"}, "login_hint": {"h"}, "target_link_uri": {appURL}},
		"other client":       {"iss": {e.p.Issuer}, "login_hint": {"h"}, "target_link_uri": {appURL}, "client_id": {"999"}},
	} {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, http.StatusBadRequest, e.postForm(t, "/index.php/logininitiations", form).status)
		})
	}
}

func TestLaunch_StudentRedeemsOnce(t *testing.T) {
	e := newEnv(t)

	launched := e.launch(t, "/index.php/home", e.p.LaunchClaims)
	loc := launched.location(t)
	require.Equal(t, "/student", loc.Path)
	require.Equal(t, trust.RoleStudent, loc.Query().Get("role"))
	require.Equal(t, "ctx-"+ltitest.CourseID, loc.Query().Get("context"))

	token := e.redeem(t, launched)
	require.Len(t, token, 60)

	q := loc.Query()
	again := e.postForm(t, "/api/users/token", url.Values{"role": {q.Get("role")}, "userId": {q.Get("userId")}, "nonce": {q.Get("nonce")}})
	require.Equal(t, http.StatusForbidden, again.status)
	require.Equal(t, "Failed to authenticate, user mismatch.", firstError(t, again))

	missing := e.postJSON(t, "/api/users/token", "", map[string]any{"role": "student"})
	require.Equal(t, http.StatusBadRequest, missing.status)
	require.Equal(t, "Authentication parameters not present.", firstError(t, missing))
}

func TestLaunch_InstructorLandsOnHome(t *testing.T) {
	e := newEnv(t)

	launched := e.launch(t, "/home", e.p.InstructorClaims)
	loc := launched.location(t)
	require.Equal(t, "/home", loc.Path)
	require.Equal(t, trust.RoleInstructor, loc.Query().Get("role"))

	// A second launch reuses the account and its token.
	first := e.redeem(t, launched)
	second := e.redeem(t, e.launch(t, "/home", e.p.InstructorClaims))
	require.Equal(t, first, second)
}

func TestLaunch_Assessment(t *testing.T) {
	e := newEnv(t)

	loc := e.launch(t, "/index.php/assessment?id=42", e.p.LaunchClaims).location(t)
	require.Equal(t, "/assessment", loc.Path)
	require.Equal(t, "42", loc.Query().Get("id"))
}

func TestLaunch_Select(t *testing.T) {
	e := newEnv(t)
	deepLink := func(nonce string) map[string]any {
		c := e.p.InstructorClaims(nonce)
		c[claims.MessageType] = claims.DeepLinkingRequest
		c[claims.DeepLinkingSettings] = map[string]any{"deep_link_return_url": "https://canvas.test/deep_link_return"}
		return c
	}

	loc := e.launch(t, "/index.php/select", deepLink).location(t)
	require.Equal(t, "/select", loc.Path)
	require.Equal(t, "https://canvas.test/deep_link_return", loc.Query().Get("redirectUrl"))
	require.Equal(t, appURL+"/index.php/assessment?id=", loc.Query().Get("launchUrlStem"))

	noReturn := e.launch(t, "/index.php/select", e.p.InstructorClaims)
	require.Equal(t, http.StatusBadRequest, noReturn.status)
}

func TestLaunch_Rejected(t *testing.T) {
	e := newEnv(t)

	state, nonce := e.initiate(t)
	r := e.postForm(t, "/home", url.Values{"id_token": {"not-a-jwt"}, "state": {state}})
	require.Equal(t, http.StatusBadRequest, r.status)

	// The state survived the malformed token and is consumed by this launch.
	token := e.p.Sign(t, e.p.LaunchClaims(nonce))
	require.Equal(t, http.StatusFound, e.postForm(t, "/home", url.Values{"id_token": {token}, "state": {state}}).status)
	require.Equal(t, http.StatusBadRequest, e.postForm(t, "/home", url.Values{"id_token": {token}, "state": {state}}).status)

	noLogin := e.launch(t, "/home", func(nonce string) map[string]any {
		c := e.p.LaunchClaims(nonce)
		c[claims.Custom] = map[string]any{"canvas_course_id": ltitest.CourseID, "canvas_user_id": "55"}
		return c
	})
	require.Equal(t, http.StatusBadRequest, noLogin.status)
}

func TestLaunch_KeysUnavailable(t *testing.T) {
	e := newEnv(t)

	state, nonce := e.initiate(t)
	token := e.p.Sign(t, e.p.LaunchClaims(nonce))
	e.p.Server.Close()

	r := e.postForm(t, "/home", url.Values{"id_token": {token}, "state": {state}})
	require.Equal(t, http.StatusServiceUnavailable, r.status)
}

func TestHome_WithoutCAS(t *testing.T) {
	e := newEnv(t)

	require.Equal(t, http.StatusForbidden, e.get(t, "/home", "").status)
	require.Equal(t, http.StatusOK, e.get(t, "/home?role=student&userId=1&nonce=abc", "").status)
	require.Equal(t, http.StatusNotFound, e.get(t, "/cas/login", "").status)
}

func TestHome_CASDevTicket(t *testing.T) {
	e := newEnv(t, withCAS("ghopper"))
	// The instructor account exists once they have launched from Canvas.
	e.redeem(t, e.launch(t, "/home", e.p.InstructorClaims))

	toCAS := e.get(t, "/index.php/home", "").location(t)
	require.Equal(t, cas.DevTicket, toCAS.Query().Get("casticket"))

	back := e.get(t, "/home?"+toCAS.RawQuery, "")
	loc := back.location(t)
	require.Equal(t, "/home", loc.Path)
	require.Equal(t, trust.RoleInstructor, loc.Query().Get("role"))
	require.Equal(t, "cas-"+cas.DevTicket, loc.Query().Get("nonce"))
	require.NotEmpty(t, e.redeem(t, back))
}

func TestHome_CASUnknownInstructor(t *testing.T) {
	e := newEnv(t, withCAS("nobody"))

	r := e.get(t, "/home?casticket="+cas.DevTicket, "")
	require.Equal(t, http.StatusForbidden, r.status)
}

func TestAPIAuth(t *testing.T) {
	e := newEnv(t)

	for _, token := range []string{"", "null", "unknown-token"} {
		r := e.postJSON(t, "/api/lineitems", token, map[string]any{})
		require.Equal(t, http.StatusForbidden, r.status, token)
		require.Equal(t, msgSessionExpired, firstError(t, r))
		require.NotContains(t, r.json(t), "casRedirectUrl")
	}

	student := e.redeem(t, e.launch(t, "/home", e.p.LaunchClaims))
	r := e.postJSON(t, "/api/lineitems", student, map[string]any{"context": "ctx-" + ltitest.CourseID, "label": "x", "scoreMaximum": 1})
	require.Equal(t, http.StatusForbidden, r.status)
}

func TestAPIAuth_CASRedirect(t *testing.T) {
	e := newEnv(t, withCAS("ghopper"))

	r := e.get(t, "/api/grades?lineItemUrl=x", "")
	require.Equal(t, http.StatusForbidden, r.status)
	require.Equal(t, appURL+"/home?casticket="+cas.DevTicket, r.json(t)["casRedirectUrl"])
}

// createLineItem launches an instructor into the default course and creates
// a line item there, returning the instructor token and the line item URL.
func (e *env) createLineItem(t *testing.T) (string, string) {
	t.Helper()
	instructor := e.redeem(t, e.launch(t, "/home", e.p.InstructorClaims))
	created := e.postJSON(t, "/api/lineitems", instructor, map[string]any{
		"context":      "ctx-" + ltitest.CourseID,
		"label":        "Quick Check 1",
		"scoreMaximum": 10,
	})
	require.Equal(t, http.StatusCreated, created.status, string(created.body))
	li := created.json(t)["lineItem"].(map[string]any)
	require.Equal(t, "Quick Check 1", li["label"])
	require.Equal(t, "ctx-"+ltitest.CourseID, li["lti_context_id"])
	liURL := li["line_item_url"].(string)
	require.True(t, strings.HasPrefix(liURL, e.p.LineItemsURL()), liURL)
	return instructor, liURL
}

// otherCourseInstructor launches a second instructor into a different course.
func (e *env) otherCourseInstructor(nonce string) map[string]any {
	c := e.p.InstructorClaims(nonce)
	c["sub"] = "canvas-user-9"
	c[claims.Context] = map[string]any{"id": "ctx-other", "title": "Chemistry 201"}
	c[claims.Custom] = map[string]any{"canvas_course_id": "5678", "canvas_user_id": "9", "canvas_user_login_id": "bsmith"}
	return c
}

func TestLineItemsAndGrades(t *testing.T) {
	e := newEnv(t)
	instructor, liURL := e.createLineItem(t)
	student := e.redeem(t, e.launch(t, "/home", e.p.LaunchClaims))

	posted := e.postJSON(t, "/api/grades", instructor, map[string]any{
		"lineItemUrl":  liURL,
		"userId":       "canvas-user-55",
		"scoreGiven":   8,
		"scoreMaximum": 10,
	})
	require.Equal(t, http.StatusOK, posted.status, string(posted.body))
	sent := e.p.Scores()
	require.Len(t, sent, 1)
	require.Equal(t, "canvas-user-55", sent[0]["userId"])
	require.Equal(t, ags.ActivityCompleted, sent[0]["activityProgress"])
	require.Equal(t, ags.GradingFullyGraded, sent[0]["gradingProgress"])

	// Students read their own result only.
	q := url.Values{"lineItemUrl": {liURL}}
	got := e.get(t, "/api/grades?"+q.Encode(), student)
	require.Equal(t, http.StatusOK, got.status, string(got.body))
	require.Equal(t, float64(8), got.json(t)["score"])

	other := url.Values{"lineItemUrl": {liURL}, "userId": {"canvas-user-7"}}
	require.Equal(t, http.StatusForbidden, e.get(t, "/api/grades?"+other.Encode(), student).status)

	require.Equal(t, http.StatusBadRequest, e.get(t, "/api/grades?"+q.Encode(), instructor).status)
	q.Set("userId", "canvas-user-55")
	got = e.get(t, "/api/grades?"+q.Encode(), instructor)
	require.Equal(t, http.StatusOK, got.status)
	require.Equal(t, float64(8), got.json(t)["score"])

	unknown := e.get(t, "/api/grades?lineItemUrl="+url.QueryEscape(e.p.LineItemsURL()+"/999"), student)
	require.Equal(t, http.StatusNotFound, unknown.status)
}

func TestPostGrade_StudentForbidden(t *testing.T) {
	e := newEnv(t)
	_, liURL := e.createLineItem(t)
	student := e.redeem(t, e.launch(t, "/home", e.p.LaunchClaims))

	r := e.postJSON(t, "/api/grades", student, map[string]any{"lineItemUrl": liURL, "scoreGiven": 1000, "scoreMaximum": 10})
	require.Equal(t, http.StatusForbidden, r.status)
	require.Empty(t, e.p.Scores())
}

func TestPostGrade_ScoreBounds(t *testing.T) {
	e := newEnv(t)
	instructor, liURL := e.createLineItem(t)

	for name, body := range map[string]map[string]any{
		"above maximum":      {"scoreGiven": 1000, "scoreMaximum": 10},
		"negative":           {"scoreGiven": -1, "scoreMaximum": 10},
		"zero maximum":       {"scoreGiven": 0, "scoreMaximum": 0},
		"given without max":  {"scoreGiven": 5},
		"negative max alone": {"scoreMaximum": -3},
	} {
		t.Run(name, func(t *testing.T) {
			body["lineItemUrl"] = liURL
			body["userId"] = "canvas-user-55"
			require.Equal(t, http.StatusBadRequest, e.postJSON(t, "/api/grades", instructor, body).status)
		})
	}
	require.Empty(t, e.p.Scores())
}

func TestInstructorOutsideCourse(t *testing.T) {
	e := newEnv(t)
	_, liURL := e.createLineItem(t)
	outsider := e.redeem(t, e.launch(t, "/home", e.otherCourseInstructor))

	r := e.postJSON(t, "/api/lineitems", outsider, map[string]any{"context": "ctx-" + ltitest.CourseID, "label": "x", "scoreMaximum": 1})
	require.Equal(t, http.StatusForbidden, r.status)

	r = e.postJSON(t, "/api/grades", outsider, map[string]any{"lineItemUrl": liURL, "userId": "canvas-user-55", "scoreGiven": 10, "scoreMaximum": 10})
	require.Equal(t, http.StatusForbidden, r.status)
	require.Empty(t, e.p.Scores())

	q := url.Values{"lineItemUrl": {liURL}, "userId": {"canvas-user-55"}}
	require.Equal(t, http.StatusForbidden, e.get(t, "/api/grades?"+q.Encode(), outsider).status)
}

func TestCreateLineItem_CourseChecks(t *testing.T) {
	e := newEnv(t)
	instructor := e.redeem(t, e.launch(t, "/home", e.p.InstructorClaims))

	r := e.postJSON(t, "/api/lineitems", instructor, map[string]any{"context": "ctx-other", "label": "x", "scoreMaximum": 1})
	require.Equal(t, http.StatusForbidden, r.status)

	r = e.postJSON(t, "/api/lineitems", instructor, map[string]any{"context": "ctx-" + ltitest.CourseID, "label": " ", "scoreMaximum": 1})
	require.Equal(t, http.StatusBadRequest, r.status)

	// A course launched without AGS access has no line item container.
	noAGS := newEnv(t)
	token := noAGS.redeem(t, noAGS.launch(t, "/home", func(nonce string) map[string]any {
		c := noAGS.p.InstructorClaims(nonce)
		delete(c, claims.AGSEndpoint)
		return c
	}))
	r = noAGS.postJSON(t, "/api/lineitems", token, map[string]any{"context": "ctx-" + ltitest.CourseID, "label": "x", "scoreMaximum": 1})
	require.Equal(t, http.StatusUnprocessableEntity, r.status)
}

func TestPostGrade_PassbackFailures(t *testing.T) {
	e := newEnv(t)
	instructor, liURL := e.createLineItem(t)
	grade := map[string]any{"lineItemUrl": liURL, "userId": "canvas-user-55", "scoreGiven": 1, "scoreMaximum": 10}

	e.p.SetScoreReply(&ltitest.Reply{Status: 200, Body: `{"errors":["User is no longer in course"]}`})
	r := e.postJSON(t, "/api/grades", instructor, grade)
	require.Equal(t, http.StatusUnprocessableEntity, r.status)
	require.Equal(t, false, r.json(t)["retryable"])
	require.NotEmpty(t, firstError(t, r))

	e.p.SetScoreReply(&ltitest.Reply{Status: 504, Body: `<html>gateway</html>`})
	r = e.postJSON(t, "/api/grades", instructor, grade)
	require.Equal(t, http.StatusServiceUnavailable, r.status)
	require.Equal(t, true, r.json(t)["retryable"])
}

func TestToolConfig(t *testing.T) {
	e := newEnv(t)

	r := e.get(t, "/lti/config", "")
	require.Equal(t, http.StatusOK, r.status)
	doc := r.json(t)
	require.Equal(t, "Quick Check (test)", doc["title"])
	require.Equal(t, appURL+"/index.php/logininitiations", doc["oidc_initiation_url"])
	require.Equal(t, appURL+"/index.php/assessment", doc["target_link_uri"])
	require.Equal(t, "$Canvas.user.loginId", doc["custom_fields"].(map[string]any)["canvas_user_login_id"])
	require.Equal(t, e.deps.ToolKey.Kid(), doc["public_jwk"].(map[string]any)["kid"])
}

func TestJWKS(t *testing.T) {
	e := newEnv(t)

	r := e.get(t, "/.well-known/jwks.json", "")
	require.Equal(t, http.StatusOK, r.status)
	ks := r.json(t)["keys"].([]any)
	require.Len(t, ks, 1)
	require.Equal(t, "tool-1", ks[0].(map[string]any)["kid"])
}

type pingFunc func() error

func (f pingFunc) Health() error { return f() }

func TestHealth(t *testing.T) {
	e := newEnv(t)
	require.Equal(t, http.StatusOK, e.get(t, "/api/health", "").status)

	down := newEnv(t, func(d *Deps) {
		d.Health = map[string]Pinger{"cache": pingFunc(func() error { return errors.New("down") })}
	})
	r := down.get(t, "/api/health", "")
	require.Equal(t, http.StatusServiceUnavailable, r.status)
	require.Equal(t, "cache", r.json(t)["component"])
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)
	e.launch(t, "/home", e.p.LaunchClaims)

	r := e.get(t, "/metrics", "")
	require.Equal(t, http.StatusOK, r.status)
	require.Contains(t, string(r.body), "quickcheck_")
}
