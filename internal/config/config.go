package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults, then
// optionally overlaid by the YAML file named in CONFIG_FILE.
type Config struct {
	// Server
	Port     int    `yaml:"port" validate:"min=1,max=65535"`
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	// Store
	StoreDriver  string `yaml:"store_driver" validate:"oneof=memory postgrest postgres sqlite"`
	StoreDSN     string `yaml:"store_dsn"`
	PostgRESTURL string `yaml:"postgrest_url" validate:"omitempty,url"`
	PostgRESTKey string `yaml:"postgrest_api_key"`
	// Service key used as bearer token; falls back to the API key.
	PostgRESTServiceKey string `yaml:"postgrest_service_key"`

	// HTTP client
	HTTPTimeout time.Duration `yaml:"http_timeout" validate:"gt=0"`

	// Resilience
	MaxRetries     int           `yaml:"max_retries" validate:"min=0,max=10"`
	InitialBackoff time.Duration `yaml:"initial_backoff" validate:"gt=0"`
	MaxConcurrency int           `yaml:"max_concurrency" validate:"min=1"`

	// Cache
	Cache CacheConfig `yaml:"cache"`

	// View dedup
	Dedup DedupConfig `yaml:"dedup"`

	// Observability
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Admin routes (cache stats/clear, post edits)
	AdminJWTSecret string `yaml:"admin_jwt_secret" validate:"min=16"`

	// envErrs holds malformed environment values found by Load.
	envErrs []error
}

// CacheConfig configures the content caches. A nil per-namespace TTL
// falls back to DefaultTTL.
type CacheConfig struct {
	DefaultTTL    time.Duration  `yaml:"default_ttl" validate:"gte=0"`
	SweepInterval time.Duration  `yaml:"sweep_interval" validate:"gt=0"`
	PostTTL       *time.Duration `yaml:"post_ttl" validate:"omitempty,gte=0"`
	ListTTL       *time.Duration `yaml:"list_ttl" validate:"omitempty,gte=0"`
	TaxonomyTTL   *time.Duration `yaml:"taxonomy_ttl" validate:"omitempty,gte=0"`
}

// TTLs resolves the post, list and taxonomy TTLs.
func (c CacheConfig) TTLs() (post, list, taxonomy time.Duration) {
	or := func(d *time.Duration) time.Duration {
		if d == nil {
			return c.DefaultTTL
		}
		return *d
	}
	return or(c.PostTTL), or(c.ListTTL), or(c.TaxonomyTTL)
}

// DedupConfig configures the view dedup window.
type DedupConfig struct {
	ShortWindow   time.Duration `yaml:"short_window" validate:"gt=0"`
	LongHorizon   time.Duration `yaml:"long_horizon" validate:"gtefield=ShortWindow"`
	SweepMode     string        `yaml:"sweep_mode" validate:"oneof=periodic inline"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`
}

// Load reads configuration from environment variables with defaults.
// Malformed values are kept as defaults here and reported by Validate.
func Load() *Config {
	env := &envReader{}
	cfg := &Config{
		Port:     env.integer("PORT", 8080),
		LogLevel: env.str("LOG_LEVEL", "info"),

		StoreDriver:         env.str("STORE_DRIVER", "memory"),
		StoreDSN:            env.str("STORE_DSN", ""),
		PostgRESTURL:        env.str("POSTGREST_URL", ""),
		PostgRESTKey:        env.str("POSTGREST_API_KEY", ""),
		PostgRESTServiceKey: env.str("POSTGREST_SERVICE_KEY", ""),

		HTTPTimeout: env.duration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     env.integer("MAX_RETRIES", 3),
		InitialBackoff: env.duration("INITIAL_BACKOFF", 100*time.Millisecond),
		MaxConcurrency: env.integer("MAX_CONCURRENCY", 50),

		Cache: CacheConfig{
			DefaultTTL:    env.duration("CACHE_DEFAULT_TTL", 3600*time.Second),
			SweepInterval: env.duration("CACHE_SWEEP_INTERVAL", 600*time.Second),
			PostTTL:       env.optionalDuration("CACHE_POST_TTL"),
			ListTTL:       env.optionalDuration("CACHE_LIST_TTL"),
			TaxonomyTTL:   env.optionalDuration("CACHE_TAXONOMY_TTL"),
		},

		Dedup: DedupConfig{
			ShortWindow:   env.duration("DEDUP_SHORT_WINDOW", 5*time.Second),
			LongHorizon:   env.duration("DEDUP_LONG_HORIZON", 1800*time.Second),
			SweepMode:     env.str("DEDUP_SWEEP_MODE", "periodic"),
			SweepInterval: env.duration("DEDUP_SWEEP_INTERVAL", 600*time.Second),
		},

		OTLPEndpoint: env.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		AdminJWTSecret: env.str("ADMIN_JWT_SECRET", "blog-default-dev-secret-change-me"),
	}
	cfg.envErrs = env.errs
	return cfg
}

// LoadFile overlays the YAML file at path onto c. Keys missing from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate rejects configurations the caches and stores cannot run with.
func (c *Config) Validate() error {
	if len(c.envErrs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(c.envErrs...))
	}
	if c.StoreDriver == "postgrest" && c.PostgRESTURL == "" {
		return errors.New("invalid config: POSTGREST_URL is required for the postgrest store")
	}

	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// envReader reads typed environment values and collects the ones that do
// not parse.
type envReader struct {
	errs []error
}

func (r *envReader) str(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (r *envReader) integer(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s=%q is not an integer", key, v))
		return fallback
	}
	return i
}

func (r *envReader) duration(key string, fallback time.Duration) time.Duration {
	if d := r.optionalDuration(key); d != nil {
		return *d
	}
	return fallback
}

// optionalDuration accepts Go durations ("90s") or bare seconds ("3600").
// It returns nil when key is unset or malformed.
func (r *envReader) optionalDuration(key string) *time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return &d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		d := time.Duration(secs) * time.Second
		return &d
	}
	r.errs = append(r.errs, fmt.Errorf("%s=%q is not a duration", key, v))
	return nil
}
