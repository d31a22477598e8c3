package lti

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/mattmallon/quickcheck/internal/cas"
	"github.com/mattmallon/quickcheck/internal/config"
	"github.com/mattmallon/quickcheck/internal/lti/ags"
	"github.com/mattmallon/quickcheck/internal/lti/launch"
	"github.com/mattmallon/quickcheck/internal/lti/oidc"
	"github.com/mattmallon/quickcheck/internal/lti/trust"
	"github.com/mattmallon/quickcheck/pkg/common/keys"
	"github.com/mattmallon/quickcheck/pkg/common/logger"
	"github.com/mattmallon/quickcheck/pkg/common/metrics"
	"github.com/mattmallon/quickcheck/pkg/repositories/accounts"
	"github.com/mattmallon/quickcheck/pkg/repositories/lineitems"
)

// MaxRequestBody bounds inbound bodies; launch forms carry one signed JWT.
const MaxRequestBody = 1 << 20

// Passback is the subset of the AGS client the grade endpoints use.
type Passback interface {
	CreateLineItem(ctx context.Context, lineItemsURL string, maxScore float64, label string) (*ags.LineItem, error)
	GetLineItem(ctx context.Context, lineItemURL string) (*ags.LineItem, error)
	GetResult(ctx context.Context, lineItemURL, userID string) (*float64, error)
	PostScore(ctx context.Context, lineItemURL string, s ags.Score) error
}

// Pinger is anything /api/health should check.
type Pinger interface {
	Health() error
}

// Deps are the collaborators wired by cmd/server.
type Deps struct {
	Config    *config.Config
	ToolKey   *keys.ToolKey
	Initiator *oidc.Initiator
	Validator *launch.Validator
	Trust     *trust.Exchange
	// CAS is nil when the CAS login path is disabled.
	CAS       *cas.Client
	Accounts  accounts.Repository
	LineItems lineitems.Repository
	// Passback returns a grade client bound to an issuer.
	Passback func(issuer string) Passback
	Metrics  *metrics.Metrics
	Health   map[string]Pinger
}

type Handler struct {
	cfg       *config.Config
	toolKey   *keys.ToolKey
	initiator *oidc.Initiator
	validator *launch.Validator
	trust     *trust.Exchange
	cas       *cas.Client
	accounts  accounts.Repository
	lineItems lineitems.Repository
	passback  func(issuer string) Passback
	metrics   *metrics.Metrics
	health    map[string]Pinger
	now       func() time.Time
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		cfg:       d.Config,
		toolKey:   d.ToolKey,
		initiator: d.Initiator,
		validator: d.Validator,
		trust:     d.Trust,
		cas:       d.CAS,
		accounts:  d.Accounts,
		lineItems: d.LineItems,
		passback:  d.Passback,
		metrics:   d.Metrics,
		health:    d.Health,
		now:       time.Now,
	}
}

// Router returns the chi router for every inbound endpoint.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(MaxRequestBody))

	// Tool metadata
	r.Get("/.well-known/jwks.json", h.jwks)
	r.Get("/lti/config", h.toolConfig)
	r.Get("/api/health", h.healthCheck)
	r.Handle("/metrics", h.metrics.Handler())

	// Canvas registrations point at /index.php/...; both forms are served.
	r.Group(h.launchRoutes)
	r.Route("/index.php", h.launchRoutes)

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.cfg.HTTP.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
		r.Post("/users/token", h.redeemToken)
		r.With(h.authenticate(trust.RoleInstructor)).Post("/lineitems", h.createLineItem)
		r.With(h.authenticate(trust.RoleInstructor)).Post("/grades", h.postGrade)
		r.With(h.authenticate(trust.RoleInstructor, trust.RoleStudent)).Get("/grades", h.getGrade)
	})
	return r
}

func (h *Handler) launchRoutes(r chi.Router) {
	r.Get("/logininitiations", h.loginInitiation)
	r.Post("/logininitiations", h.loginInitiation)
	r.Post("/home", h.launch(launchHome))
	r.Post("/assessment", h.launch(launchAssessment))
	r.Post("/select", h.launch(launchSelect))
	r.Get("/home", h.home)
	r.Get("/cas/login", h.casLogin)
}

// requestLogger puts a request-scoped logger in the context and logs one
// line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		l := logger.Default().With("request_id", middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			l.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"remote", r.RemoteAddr,
			)
		}()

		next.ServeHTTP(ww, r.WithContext(logger.Into(r.Context(), l)))
	})
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	for name, p := range h.health {
		if err := p.Health(); err != nil {
			logger.From(r.Context()).Error("health check failed", "component", name, "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "unhealthy", "component": name})
			return
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// jwks serves the tool's public key so the platform can verify the client
// assertions signed for service tokens.
func (h *Handler) jwks(w http.ResponseWriter, r *http.Request) {
	data, err := h.toolKey.JWKSJSON()
	if err != nil {
		logger.From(r.Context()).Error("jwks: encode", "error", err)
		http.Error(w, "failed to get JWKS", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}
