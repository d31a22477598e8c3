package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattmallon/quickcheck/internal/cas"
	"github.com/mattmallon/quickcheck/internal/config"
	ltiHandler "github.com/mattmallon/quickcheck/internal/controller/http/lti"
	"github.com/mattmallon/quickcheck/internal/lti/ags"
	"github.com/mattmallon/quickcheck/internal/lti/launch"
	"github.com/mattmallon/quickcheck/internal/lti/oidc"
	"github.com/mattmallon/quickcheck/internal/lti/platform"
	"github.com/mattmallon/quickcheck/internal/lti/servicetoken"
	"github.com/mattmallon/quickcheck/internal/lti/trust"
	accountsSqlite "github.com/mattmallon/quickcheck/internal/repositories/accounts/sqlite"
	"github.com/mattmallon/quickcheck/internal/repositories/kvstore/memory"
	kvRedis "github.com/mattmallon/quickcheck/internal/repositories/kvstore/redis"
	kvSqlite "github.com/mattmallon/quickcheck/internal/repositories/kvstore/sqlite"
	lineItemsSqlite "github.com/mattmallon/quickcheck/internal/repositories/lineitems/sqlite"
	"github.com/mattmallon/quickcheck/pkg/common/httpx"
	"github.com/mattmallon/quickcheck/pkg/common/keys"
	"github.com/mattmallon/quickcheck/pkg/common/keystore"
	"github.com/mattmallon/quickcheck/pkg/common/logger"
	"github.com/mattmallon/quickcheck/pkg/common/metrics"
	"github.com/mattmallon/quickcheck/pkg/repositories/kvstore"
)

type pingFunc func() error

func (f pingFunc) Health() error { return f() }

// openCache returns the configured key-value store, a health check for it
// (nil for memory) and a close function.
func openCache(ctx context.Context, cfg config.CacheConfig) (kvstore.Store, ltiHandler.Pinger, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.New(), nil, func() {}, nil
	case "sqlite":
		s, err := kvSqlite.NewSQLiteRepo(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		return s, s, s.Disconnect, nil
	case "redis":
		s, err := kvRedis.NewStore(ctx, cfg.RedisURL, cfg.Prefix)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open redis cache: %w", err)
		}
		ping := pingFunc(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return s.Health(ctx)
		})
		return s, ping, func() { _ = s.Close() }, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg := config.MustLoad(*configPath)
	logger.Initialize(cfg.Log.Level)
	logger.Info("starting server env=%s", cfg.Env)

	toolKey, err := keys.Load(cfg.PrivateKeyPEM(), cfg.LTI.KeyID)
	if err != nil {
		logger.Error("load tool key: %v", err)
		os.Exit(1)
	}

	ctx := context.Background()
	kv, cachePing, closeCache, err := openCache(ctx, cfg.Cache)
	if err != nil {
		logger.Error("init cache: %v", err)
		os.Exit(1)
	}

	accountsRepo, err := accountsSqlite.NewSQLiteRepo(cfg.DB.Path)
	if err != nil {
		logger.Error("init accounts repo: %v", err)
		os.Exit(1)
	}
	lineItemsRepo, err := lineItemsSqlite.NewSQLiteRepo(cfg.DB.LineItemsPath)
	if err != nil {
		logger.Error("init line items repo: %v", err)
		os.Exit(1)
	}

	m := metrics.New()
	hc := httpx.New(cfg.Timeouts.Outbound)
	reg := platform.NewRegistry(cfg.LTI.Issuers, cfg.LTI.PlatformURL)

	initiator, err := oidc.NewInitiator(cfg.LTI.ClientID, cfg.App.URL+"/index.php/home", reg, kv, oidc.WithStateTTL(cfg.LTI.StateTTL))
	if err != nil {
		logger.Error("init login initiation: %v", err)
		os.Exit(1)
	}
	ks := keystore.New(kv, hc,
		keystore.WithURLResolver(reg.JWKSURL),
		keystore.WithTTL(cfg.LTI.KeyTTL),
		keystore.WithMetrics(m),
	)
	tokens := servicetoken.NewManager(cfg.LTI.ClientID, toolKey, reg, cfg.LTI.Scopes, kv, hc, servicetoken.WithMetrics(m))

	var casClient *cas.Client
	if cfg.CAS.Enabled {
		casClient = cas.New(cas.Config{
			LoginURL:    cfg.CAS.LoginURL,
			ValidateURL: cfg.CAS.ValidateURL,
			Service:     cfg.CAS.Service,
			ReturnURL:   cfg.App.URL + "/home",
			DevUsername: cfg.CAS.DevUsername,
			Local:       cfg.IsLocal(),
		}, hc)
	}

	health := map[string]ltiHandler.Pinger{
		"accounts":  accountsRepo,
		"lineitems": lineItemsRepo,
	}
	if cachePing != nil {
		health["cache"] = cachePing
	}

	h := ltiHandler.NewHandler(ltiHandler.Deps{
		Config:    cfg,
		ToolKey:   toolKey,
		Initiator: initiator,
		Validator: launch.NewValidator(cfg.LTI.ClientID, reg, ks, kv, launch.WithMetrics(m)),
		Trust:     trust.New(kv, trust.WithTTL(cfg.LTI.RedemptionTTL), trust.WithMetrics(m)),
		CAS:       casClient,
		Accounts:  accountsRepo,
		LineItems: lineItemsRepo,
		Passback: func(issuer string) ltiHandler.Passback {
			return ags.NewClient(issuer, tokens, hc, ags.WithMetrics(m))
		},
		Metrics: m,
		Health:  health,
	})

	addr := cfg.HTTP.Addr()
	server := &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen: %v", err)
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown: %v", err)
	}
	accountsRepo.Disconnect()
	lineItemsRepo.Disconnect()
	closeCache()
	logger.Info("server stopped")
}
