// Package config centralises runtime configuration for Axiom services.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/axiomtrade/axiom/errs"
)

// Environment identifies the runtime environment where Axiom operates.
type Environment string

const (
	// EnvDevelopment marks the development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProduction marks the production environment.
	EnvProduction Environment = "production"
)

const (
	defaultAuthorizeURL = "https://api.schwabapi.com/v1/oauth/authorize"
	defaultTokenURL     = "https://api.schwabapi.com/v1/oauth/token"
	defaultRESTBaseURL  = "https://api.schwabapi.com/trader/v1"
	defaultStreamerURL  = "wss://streamer-api.schwab.com/ws"
)

// SchwabSettings aggregates upstream credentials and endpoints.
type SchwabSettings struct {
	APIKey       string        `yaml:"api_key"`
	AppSecret    string        `yaml:"app_secret"`
	CallbackURL  string        `yaml:"callback_url"`
	AuthorizeURL string        `yaml:"authorize_url"`
	TokenURL     string        `yaml:"token_url"`
	RESTBaseURL  string        `yaml:"rest_base_url"`
	StreamerURL  string        `yaml:"streamer_url"`
	HTTPTimeout  time.Duration `yaml:"http_timeout"`
}

// SupabaseSettings configures the secret store project.
type SupabaseSettings struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
}

// StreamSettings tunes the supervisor, differ, and batchers.
type StreamSettings struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	WatchdogInterval   time.Duration `yaml:"watchdog_interval"`
	StaleAfter         time.Duration `yaml:"stale_after"`
	FullResubscribe    bool          `yaml:"full_resubscribe"`
	DeactivateOnExit   bool          `yaml:"deactivate_on_exit"`
	L1BatchSize        int           `yaml:"l1_batch_size"`
	L1FlushInterval    time.Duration `yaml:"l1_flush_interval"`
	L2BatchSize        int           `yaml:"l2_batch_size"`
	L2FlushInterval    time.Duration `yaml:"l2_flush_interval"`
	ChartBatchSize     int           `yaml:"chart_batch_size"`
	ChartFlushInterval time.Duration `yaml:"chart_flush_interval"`
}

// Settings contains the Axiom configuration tree loaded from defaults,
// optional file overrides, and the environment.
type Settings struct {
	Environment Environment      `yaml:"environment"`
	Debug       bool             `yaml:"debug"`
	APIURL      string           `yaml:"api_url"`
	AppURL      string           `yaml:"app_url"`
	DatabaseURL string           `yaml:"db_url"`
	OwnerID     string           `yaml:"owner_id"`
	Schwab      SchwabSettings   `yaml:"schwab"`
	Supabase    SupabaseSettings `yaml:"supabase"`
	Stream      StreamSettings   `yaml:"stream"`
}

// Default returns the default Axiom configuration.
func Default() Settings {
	return Settings{
		Environment: EnvDevelopment,
		APIURL:      "http://localhost:8000",
		AppURL:      "http://localhost:3000",
		Schwab: SchwabSettings{
			AuthorizeURL: defaultAuthorizeURL,
			TokenURL:     defaultTokenURL,
			RESTBaseURL:  defaultRESTBaseURL,
			StreamerURL:  defaultStreamerURL,
			HTTPTimeout:  10 * time.Second,
		},
		Stream: StreamSettings{
			PollInterval:       5 * time.Second,
			WatchdogInterval:   60 * time.Second,
			StaleAfter:         300 * time.Second,
			FullResubscribe:    true,
			L1BatchSize:        100,
			L1FlushInterval:    10 * time.Second,
			L2BatchSize:        100,
			L2FlushInterval:    10 * time.Second,
			ChartBatchSize:     50,
			ChartFlushInterval: 30 * time.Second,
		},
	}
}

// LoadOrDefault reads YAML overrides from path when the file exists, then
// applies environment variables on top. A missing file is not an error.
func LoadOrDefault(path string) (Settings, bool, error) {
	cfg := Default()
	loaded := false
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, false, errs.New("config", errs.CodeConfig,
					errs.WithMessage("parse "+path), errs.WithCause(err))
			}
			loaded = true
		case os.IsNotExist(err):
		default:
			return cfg, false, errs.New("config", errs.CodeConfig,
				errs.WithMessage("read "+path), errs.WithCause(err))
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, loaded, err
	}
	return cfg, loaded, nil
}

// FromEnv loads configuration values from environment variables, overriding
// defaults, and validates the result.
func FromEnv() (Settings, error) {
	cfg := Default()
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Settings) {
	if v := envString("ENVIRONMENT"); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := envString("DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = b
		}
	}
	setIfPresent(&cfg.APIURL, "API_URL")
	setIfPresent(&cfg.AppURL, "APP_URL")
	setIfPresent(&cfg.DatabaseURL, "DB_URL")
	setIfPresent(&cfg.OwnerID, "OWNER_ID")
	setIfPresent(&cfg.Schwab.APIKey, "SCHWAB_API_KEY")
	setIfPresent(&cfg.Schwab.AppSecret, "SCHWAB_APP_SECRET")
	setIfPresent(&cfg.Schwab.CallbackURL, "SCHWAB_CALLBACK_URL")
	setIfPresent(&cfg.Schwab.AuthorizeURL, "SCHWAB_AUTHORIZE_URL")
	setIfPresent(&cfg.Schwab.TokenURL, "SCHWAB_TOKEN_URL")
	setIfPresent(&cfg.Schwab.RESTBaseURL, "SCHWAB_REST_BASE_URL")
	setIfPresent(&cfg.Schwab.StreamerURL, "SCHWAB_STREAMER_URL")
	setIfPresent(&cfg.Supabase.URL, "SUPABASE_URL")
	setIfPresent(&cfg.Supabase.ServiceKey, "SUPABASE_SERVICE_KEY")
	if v := envString("STREAM_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Stream.PollInterval = d
		}
	}
}

// Validate reports the first missing required value as a CodeConfig error.
func (s Settings) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"DB_URL", s.DatabaseURL},
		{"OWNER_ID", s.OwnerID},
		{"SCHWAB_API_KEY", s.Schwab.APIKey},
		{"SCHWAB_APP_SECRET", s.Schwab.AppSecret},
		{"SCHWAB_CALLBACK_URL", s.Schwab.CallbackURL},
		{"SUPABASE_URL", s.Supabase.URL},
		{"SUPABASE_SERVICE_KEY", s.Supabase.ServiceKey},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return errs.New("config", errs.CodeConfig,
				errs.WithMessage("missing required environment value "+r.name))
		}
	}
	switch s.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return errs.New("config", errs.CodeConfig,
			errs.WithMessage("ENVIRONMENT must be one of development, staging, production"))
	}
	return nil
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func setIfPresent(dst *string, key string) {
	if v := envString(key); v != "" {
		*dst = v
	}
}
