// Package config loads service configuration from a YAML file overlaid by
// environment variables.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the root configuration.
// Sources by priority:
//  1. explicit path from the --config flag;
//  2. path in CONFIG_PATH;
//  3. ./local.yaml;
//  4. environment variables only.
//
// Environment variables always override values read from a file.
type Config struct {
	Env      string        `yaml:"env" env:"APP_ENV" env-default:"local"`
	HTTP     HTTPConfig    `yaml:"http"`
	App      AppConfig     `yaml:"app"`
	LTI      LTIConfig     `yaml:"lti"`
	CAS      CASConfig     `yaml:"cas"`
	Cache    CacheConfig   `yaml:"cache"`
	DB       DBConfig      `yaml:"db"`
	Timeouts TimeoutConfig `yaml:"timeouts"`
	Log      LogConfig     `yaml:"log"`
}

// HTTPConfig holds listener settings.
type HTTPConfig struct {
	Host           string   `yaml:"host" env:"HTTP_HOST" env-default:"0.0.0.0"`
	Port           string   `yaml:"port" env:"PORT" env-default:"8080"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"HTTP_ALLOWED_ORIGINS" env-default:"*"`
}

// Addr returns host:port.
func (h HTTPConfig) Addr() string {
	return net.JoinHostPort(h.Host, h.Port)
}

// AppConfig describes how the tool presents itself to the platform.
type AppConfig struct {
	URL     string `yaml:"url" env:"APP_URL" env-default:"http://localhost:8080"`
	Title   string `yaml:"title" env:"APP_TITLE" env-default:"Quick Check"`
	IconURL string `yaml:"icon_url" env:"APP_ICON_URL"`
	// SPAIndex is the built front-end's index.html, served once a launch has
	// redirected back with its redemption parameters.
	SPAIndex string `yaml:"spa_index" env:"APP_SPA_INDEX"`
}

// LTIConfig carries the tool registration and protocol TTLs.
type LTIConfig struct {
	ClientID   string   `yaml:"client_id" env:"LTI_CLIENT_ID" env-required:"true"`
	PrivateKey string   `yaml:"private_key" env:"LTI_PRIVATE_KEY" env-required:"true"`
	KeyID      string   `yaml:"key_id" env:"LTI_KID" env-default:"quickcheck-1"`
	Issuers    []string `yaml:"issuers" env:"LTI_ISSUERS" env-default:"https://canvas.instructure.com,https://canvas.beta.instructure.com,https://canvas.test.instructure.com"`
	// PlatformURL is the institution's Canvas host; when set it serves the
	// authorization, token and key set endpoints for every trusted issuer.
	PlatformURL   string        `yaml:"platform_url" env:"LTI_PLATFORM_URL"`
	Scopes        []string      `yaml:"scopes" env:"LTI_SCOPES" env-default:"https://purl.imsglobal.org/spec/lti-ags/scope/lineitem,https://purl.imsglobal.org/spec/lti-ags/scope/lineitem.readonly,https://purl.imsglobal.org/spec/lti-ags/scope/result.readonly,https://purl.imsglobal.org/spec/lti-ags/scope/score"`
	StateTTL      time.Duration `yaml:"state_ttl" env:"LTI_STATE_TTL" env-default:"5m"`
	RedemptionTTL time.Duration `yaml:"redemption_ttl" env:"LTI_REDEMPTION_TTL" env-default:"5m"`
	KeyTTL        time.Duration `yaml:"key_ttl" env:"LTI_KEY_TTL" env-default:"168h"`
}

// CASConfig configures the legacy CAS login path.
type CASConfig struct {
	Enabled     bool   `yaml:"enabled" env:"CAS_ENABLED" env-default:"false"`
	LoginURL    string `yaml:"login_url" env:"CAS_LOGIN_URL" env-default:"https://cas.iu.edu/cas/login"`
	ValidateURL string `yaml:"validate_url" env:"CAS_VALIDATE_URL" env-default:"https://cas.iu.edu/cas/validate"`
	Service     string `yaml:"service" env:"CAS_SERVICE" env-default:"ANY"`
	DevUsername string `yaml:"dev_username" env:"CAS_DEV_USERNAME" env-default:"testinstructor"`
}

// CacheConfig selects the key-value store backend.
type CacheConfig struct {
	Driver     string `yaml:"driver" env:"CACHE_DRIVER" env-default:"memory"`
	RedisURL   string `yaml:"redis_url" env:"REDIS_URL"`
	Prefix     string `yaml:"prefix" env:"CACHE_PREFIX" env-default:"quickcheck:"`
	SQLitePath string `yaml:"sqlite_path" env:"CACHE_SQLITE_PATH" env-default:"./cache.db"`
}

// DBConfig points at the SQLite files for accounts and the line item mirror.
type DBConfig struct {
	Path          string `yaml:"path" env:"SQLITE_PATH" env-default:"./quickcheck.db"`
	LineItemsPath string `yaml:"line_items_path" env:"LINEITEMS_SQLITE_PATH" env-default:"./lineitems.db"`
}

// TimeoutConfig bounds outbound calls and shutdown.
type TimeoutConfig struct {
	Outbound time.Duration `yaml:"outbound" env:"OUTBOUND_TIMEOUT" env-default:"5s"`
	Shutdown time.Duration `yaml:"shutdown" env:"SHUTDOWN_TIMEOUT" env-default:"10s"`
}

// LogConfig controls verbosity.
type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

// IsLocal reports whether the service runs on a developer machine.
func (c *Config) IsLocal() bool { return c.Env == "local" }

// PrivateKeyPEM returns the tool key with escaped newlines restored, as keys
// are commonly stored on a single line in env files.
func (c *Config) PrivateKeyPEM() string {
	return strings.ReplaceAll(c.LTI.PrivateKey, `\n`, "\n")
}

// MustLoad wraps Load and panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}

	return cfg
}

// Load reads configuration by priority:
// 1) explicit path; 2) CONFIG_PATH; 3) ./local.yaml; 4) ENV.
func Load(path string) (*Config, error) {
	var cfg Config

	tryRead := func(p string) (*Config, error) {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("config file %q stat failed: %w", p, err)
		}

		// ReadConfig overlays env on top of the file.
		if err := cleanenv.ReadConfig(p, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}

		return &cfg, nil
	}

	if path != "" {
		return tryRead(path)
	}

	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return tryRead(envPath)
	}

	if _, err := os.Stat("local.yaml"); err == nil {
		return tryRead("local.yaml")
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config not found: provide --config, CONFIG_PATH, local.yaml or env vars: %w", err)
	}

	return &cfg, nil
}
