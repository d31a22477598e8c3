// Package ltitest runs a fake Canvas platform for tests: it publishes a JWKS,
// mints signed id_tokens, issues client-credentials tokens and serves the AGS
// line item, score and result resources.
package ltitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/mattmallon/quickcheck/internal/lti/claims"
	"github.com/mattmallon/quickcheck/internal/lti/platform"
	"github.com/mattmallon/quickcheck/pkg/common/jwtcodec"
	"github.com/mattmallon/quickcheck/pkg/common/keys"
)

const (
	CourseID      = "1234"
	DeploymentID  = "1:deployment"
	assertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// LineItem is the platform's stored gradebook column.
type LineItem struct {
	ID             string  `json:"id"`
	Label          string  `json:"label"`
	ScoreMaximum   float64 `json:"scoreMaximum"`
	ResourceLinkID string  `json:"resourceLinkId,omitempty"`
	Tag            string  `json:"tag,omitempty"`
	EndDateTime    string  `json:"endDateTime,omitempty"`
}

// Reply overrides the response of an endpoint.
type Reply struct {
	Status int
	Body   string
}

// Platform is a running fake. Issuer is the server URL, so a registry built
// from it resolves every endpoint back to this server.
type Platform struct {
	Server   *httptest.Server
	Issuer   string
	ClientID string
	Key      *keys.ToolKey

	toolKey *keys.ToolKey

	JWKSHits  atomic.Int32
	TokenHits atomic.Int32

	// ExpiresIn is the declared lifetime of issued service tokens.
	ExpiresIn int
	// PageSize limits line items per page; later pages are linked with rel="next".
	PageSize int
	// Now is the clock client assertions are validated against.
	Now func() time.Time

	mu         sync.Mutex
	tokens     map[string]string
	jtis       map[string]bool
	items      map[string]*LineItem
	order      []string
	results    map[string]map[string]float64
	scores     []map[string]any
	scoreReply *Reply
	tokenReply *Reply
	nextID     int
}

// New starts a platform trusting toolKey for client assertions from clientID.
func New(t testing.TB, clientID string, toolKey *keys.ToolKey) *Platform {
	t.Helper()
	key, err := keys.Generate("platform-" + uuid.NewString()[:8])
	if err != nil {
		t.Fatalf("ltitest: platform key: %v", err)
	}
	p := &Platform{
		ClientID:  clientID,
		Key:       key,
		toolKey:   toolKey,
		ExpiresIn: 3600,
		PageSize:  50,
		Now:       time.Now,
		tokens:    map[string]string{},
		jtis:      map[string]bool{},
		items:     map[string]*LineItem{},
		results:   map[string]map[string]float64{},
	}

	r := chi.NewRouter()
	r.Get("/api/lti/security/jwks", p.jwks)
	r.Post("/login/oauth2/token", p.token)
	r.Route("/api/lti/courses/{courseId}/line_items", func(r chi.Router) {
		r.Use(p.requireBearer)
		r.Get("/", p.listLineItems)
		r.Post("/", p.createLineItem)
		r.Get("/{itemId}", p.getLineItem)
		r.Post("/{itemId}/scores", p.postScore)
		r.Get("/{itemId}/results", p.listResults)
	})

	p.Server = httptest.NewServer(r)
	p.Issuer = p.Server.URL
	t.Cleanup(p.Server.Close)
	return p
}

// Registry trusts this platform only.
func (p *Platform) Registry() *platform.Registry {
	return platform.NewRegistry([]string{p.Issuer}, "")
}

// TokenURL is the OAuth2 token endpoint.
func (p *Platform) TokenURL() string { return p.Issuer + "/login/oauth2/token" }

// LineItemsURL is the course line item container.
func (p *Platform) LineItemsURL() string {
	return p.Issuer + "/api/lti/courses/" + CourseID + "/line_items"
}

// LaunchClaims returns a complete resource link launch for a learner.
func (p *Platform) LaunchClaims(nonce string) map[string]any {
	now := time.Now()
	return map[string]any{
		"iss":                p.Issuer,
		"sub":                "canvas-user-55",
		"aud":                p.ClientID,
		"azp":                p.ClientID,
		"iat":                now.Unix(),
		"exp":                now.Add(5 * time.Minute).Unix(),
		"nonce":              nonce,
		"given_name":         "Ada",
		"family_name":        "Lovelace",
		"name":               "Ada Lovelace",
		claims.Version:       claims.SupportedLTIVersion,
		claims.MessageType:   claims.ResourceLinkRequest,
		claims.DeploymentID:  DeploymentID,
		claims.TargetLinkURI: "https://quickcheck.test/index.php/assessment",
		claims.Roles:         []string{"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner"},
		claims.Context:       map[string]any{"id": "ctx-" + CourseID, "title": "Biology 101"},
		claims.ResourceLink:  map[string]any{"id": "rl-1"},
		claims.LIS:           map[string]any{"person_sourcedid": "0001234", "course_offering_sourcedid": "BIO-101"},
		claims.Custom:        map[string]any{"canvas_course_id": CourseID, "canvas_user_id": "55", "canvas_user_login_id": "ada"},
		claims.AGSEndpoint: map[string]any{
			"scope":     []string{"https://purl.imsglobal.org/spec/lti-ags/scope/score"},
			"lineitems": p.LineItemsURL(),
		},
	}
}

// InstructorClaims is LaunchClaims with the instructor role.
func (p *Platform) InstructorClaims(nonce string) map[string]any {
	c := p.LaunchClaims(nonce)
	c["sub"] = "canvas-user-7"
	c["given_name"] = "Grace"
	c["family_name"] = "Hopper"
	c[claims.Roles] = []string{"http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor"}
	c[claims.Custom] = map[string]any{"canvas_course_id": CourseID, "canvas_user_id": "7", "canvas_user_login_id": "ghopper"}
	return c
}

// Sign mints an id_token signed with the platform key.
func (p *Platform) Sign(t testing.TB, c map[string]any) string {
	t.Helper()
	tok, err := jwtcodec.Encode(c, p.Key.PrivateKey(), jwa.RS256, p.Key.Kid())
	if err != nil {
		t.Fatalf("ltitest: sign id_token: %v", err)
	}
	return tok
}

// SetScoreReply makes the score endpoint answer with r. nil restores normal
// behaviour.
func (p *Platform) SetScoreReply(r *Reply) {
	p.mu.Lock()
	p.scoreReply = r
	p.mu.Unlock()
}

// SetTokenReply makes the token endpoint answer with r.
func (p *Platform) SetTokenReply(r *Reply) {
	p.mu.Lock()
	p.tokenReply = r
	p.mu.Unlock()
}

// SetResult records a grade directly.
func (p *Platform) SetResult(lineItemID, userID string, score float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.results[lineItemID] == nil {
		p.results[lineItemID] = map[string]float64{}
	}
	p.results[lineItemID][userID] = score
}

// Scores returns every score body received, oldest first.
func (p *Platform) Scores() []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]map[string]any, len(p.scores))
	copy(out, p.scores)
	return out
}

func (p *Platform) jwks(w http.ResponseWriter, r *http.Request) {
	p.JWKSHits.Add(1)
	data, err := p.Key.JWKSJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// token implements client_credentials with a private_key_jwt assertion.
func (p *Platform) token(w http.ResponseWriter, r *http.Request) {
	p.TokenHits.Add(1)
	p.mu.Lock()
	reply := p.tokenReply
	p.mu.Unlock()
	if reply != nil {
		w.WriteHeader(reply.Status)
		_, _ = w.Write([]byte(reply.Body))
		return
	}

	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if r.Form.Get("grant_type") != "client_credentials" {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be client_credentials")
		return
	}
	if r.Form.Get("client_assertion_type") != assertionType {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid client_assertion_type")
		return
	}
	scope := r.Form.Get("scope")
	if scope == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "missing scope")
		return
	}
	parsed, err := jwt.ParseString(r.Form.Get("client_assertion"),
		jwt.WithKey(jwa.RS256, p.toolKey.PublicJWK()),
		jwt.WithValidate(true),
		jwt.WithAudience(p.TokenURL()),
		jwt.WithClock(jwt.ClockFunc(p.Now)),
	)
	if err != nil {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", err.Error())
		return
	}
	if parsed.Issuer() != p.ClientID || parsed.Subject() != p.ClientID {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "iss/sub do not match client_id")
		return
	}

	access := "tok-" + uuid.NewString()
	p.mu.Lock()
	if parsed.JwtID() == "" || p.jtis[parsed.JwtID()] {
		p.mu.Unlock()
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "client_assertion replay detected")
		return
	}
	p.jtis[parsed.JwtID()] = true
	p.tokens[access] = scope
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   p.ExpiresIn,
		"scope":        scope,
	})
}

func writeOAuthError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": code, "error_description": desc})
}

func (p *Platform) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		p.mu.Lock()
		_, ok := p.tokens[strings.TrimSpace(auth[len("Bearer "):])]
		p.mu.Unlock()
		if !ok {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (p *Platform) itemURL(id string) string { return p.LineItemsURL() + "/" + id }

func (p *Platform) createLineItem(w http.ResponseWriter, r *http.Request) {
	var li LineItem
	if err := json.NewDecoder(r.Body).Decode(&li); err != nil {
		http.Error(w, "invalidJson", http.StatusBadRequest)
		return
	}
	if li.ScoreMaximum == 0 {
		http.Error(w, "scoreMaximumIsRequired", http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	p.nextID++
	id := strconv.Itoa(p.nextID)
	li.ID = p.itemURL(id)
	p.items[id] = &li
	p.order = append(p.order, id)
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/vnd.ims.lis.v2.lineitem+json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(li)
}

func (p *Platform) listLineItems(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	p.mu.Lock()
	ids := append([]string(nil), p.order...)
	out := make([]LineItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, *p.items[id])
	}
	p.mu.Unlock()

	start := (page - 1) * p.PageSize
	if start > len(out) {
		start = len(out)
	}
	end := start + p.PageSize
	if end < len(out) {
		next := p.LineItemsURL() + "?page=" + strconv.Itoa(page+1)
		w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="next", <%s>; rel="first"`, next, p.LineItemsURL()))
	} else {
		end = len(out)
	}
	w.Header().Set("Content-Type", "application/vnd.ims.lis.v2.lineitemcontainer+json")
	_ = json.NewEncoder(w).Encode(out[start:end])
}

func (p *Platform) getLineItem(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	li, ok := p.items[chi.URLParam(r, "itemId")]
	var cp LineItem
	if ok {
		cp = *li
	}
	p.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.ims.lis.v2.lineitem+json")
	_ = json.NewEncoder(w).Encode(cp)
}

func (p *Platform) postScore(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	reply := p.scoreReply
	p.mu.Unlock()
	if reply != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(reply.Status)
		_, _ = w.Write([]byte(reply.Body))
		return
	}

	var s map[string]any
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		http.Error(w, "invalidJson", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "itemId")
	user, _ := s["userId"].(string)

	p.mu.Lock()
	p.scores = append(p.scores, s)
	if given, ok := s["scoreGiven"].(float64); ok && user != "" {
		if p.results[id] == nil {
			p.results[id] = map[string]float64{}
		}
		p.results[id][user] = given
	}
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"resultUrl": p.itemURL(id) + "/results?user_id=" + url.QueryEscape(user)})
}

func (p *Platform) listResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "itemId")
	only := r.URL.Query().Get("user_id")

	p.mu.Lock()
	users := make([]string, 0, len(p.results[id]))
	for u := range p.results[id] {
		if only == "" || only == u {
			users = append(users, u)
		}
	}
	sort.Strings(users)
	out := make([]map[string]any, 0, len(users))
	for _, u := range users {
		out = append(out, map[string]any{
			"id":          p.itemURL(id) + "/results/" + u,
			"scoreOf":     p.itemURL(id),
			"userId":      u,
			"resultScore": p.results[id][u],
		})
	}
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/vnd.ims.lis.v2.resultcontainer+json")
	_ = json.NewEncoder(w).Encode(out)
}
