package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultBaseURL           = "https://hubeau.eaufrance.fr/api/v1/hydrometrie"
	defaultDatabaseURL       = "hubeau.db"
	defaultConfigFile        = "hubeau.yaml"
	defaultPageSize          = 400
	defaultRetryAttempts     = 5
	defaultRetryInitial      = 500 * time.Millisecond
	defaultRetryMax          = 10 * time.Second
	defaultRequestTimeout    = 30 * time.Second
	defaultMaxConcurrent     = 4
	defaultRetentionDays     = 10
	defaultInitialWindowDays = 30
	defaultMaxPages          = 1000
	defaultPort              = 8080
	defaultUserAgent         = "hubeau-watcher/1.0"
)

var stationCodeRE = regexp.MustCompile(`^[A-Z][0-9]{9}$`)

// Config holds runtime configuration for the watcher and the API.
type Config struct {
	Stations              []string      `yaml:"stations"`
	DatabaseDriver        string        `yaml:"database_driver"`
	DatabaseURL           string        `yaml:"database_url"`
	BaseURL               string        `yaml:"base_url"`
	UserAgent             string        `yaml:"user_agent"`
	PageSize              int           `yaml:"page_size"`
	RetryAttempts         int           `yaml:"retry_attempts"`
	RetryInitialInterval  time.Duration `yaml:"retry_initial_interval"`
	RetryMaxInterval      time.Duration `yaml:"retry_max_interval"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
	MaxConcurrentStations int           `yaml:"max_concurrent_stations"`
	RetentionDays         int           `yaml:"retention_days"`
	InitialWindowDays     int           `yaml:"initial_window_days"`
	MaxPages              int           `yaml:"max_pages"`
	AbortOnAuthError      bool          `yaml:"abort_on_auth_error"`
	FailWhenAllFailed     bool          `yaml:"fail_when_all_failed"`
	DryRun                bool          `yaml:"dry_run"`
	MetricsFile           string        `yaml:"metrics_file"`
	Port                  int           `yaml:"port"`
	BearerToken           string        `yaml:"bearer_token"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		DatabaseDriver:        DriverSQLite,
		DatabaseURL:           defaultDatabaseURL,
		BaseURL:               defaultBaseURL,
		UserAgent:             defaultUserAgent,
		PageSize:              defaultPageSize,
		RetryAttempts:         defaultRetryAttempts,
		RetryInitialInterval:  defaultRetryInitial,
		RetryMaxInterval:      defaultRetryMax,
		RequestTimeout:        defaultRequestTimeout,
		MaxConcurrentStations: defaultMaxConcurrent,
		RetentionDays:         defaultRetentionDays,
		InitialWindowDays:     defaultInitialWindowDays,
		MaxPages:              defaultMaxPages,
		AbortOnAuthError:      true,
		FailWhenAllFailed:     true,
		Port:                  defaultPort,
	}
}

// Load reads configuration from .env, an optional YAML file and environment variables.
// An explicit path takes precedence over HUBEAU_CONFIG.
func Load(path string) (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Default()

	if path == "" {
		path = strings.TrimSpace(os.Getenv("HUBEAU_CONFIG"))
	}
	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}
	if err := loadFile(path, &cfg); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("HUBEAU_STATIONS")); v != "" {
		cfg.Stations = SplitStations(v)
	}
	if v := strings.TrimSpace(os.Getenv("HUBEAU_DB_DRIVER")); v != "" {
		cfg.DatabaseDriver = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("HUBEAU_BASE_URL")); v != "" {
		cfg.BaseURL = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(os.Getenv("HUBEAU_USER_AGENT")); v != "" {
		cfg.UserAgent = v
	}
	if v := strings.TrimSpace(os.Getenv("HUBEAU_METRICS_FILE")); v != "" {
		cfg.MetricsFile = v
	}
	cfg.BearerToken = firstNonEmpty(os.Getenv("API_BEARER_TOKEN"), cfg.BearerToken)

	ints := []struct {
		key string
		dst *int
	}{
		{"HUBEAU_PAGE_SIZE", &cfg.PageSize},
		{"HUBEAU_RETRY_ATTEMPTS", &cfg.RetryAttempts},
		{"HUBEAU_MAX_CONCURRENT", &cfg.MaxConcurrentStations},
		{"HUBEAU_RETENTION_DAYS", &cfg.RetentionDays},
		{"HUBEAU_INITIAL_WINDOW_DAYS", &cfg.InitialWindowDays},
		{"HUBEAU_MAX_PAGES", &cfg.MaxPages},
		{"PORT", &cfg.Port},
	}
	for _, it := range ints {
		if v := strings.TrimSpace(os.Getenv(it.key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", it.key, err)
			}
			*it.dst = n
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"HUBEAU_RETRY_INITIAL", &cfg.RetryInitialInterval},
		{"HUBEAU_RETRY_MAX", &cfg.RetryMaxInterval},
		{"HUBEAU_REQUEST_TIMEOUT", &cfg.RequestTimeout},
	}
	for _, it := range durations {
		if v := strings.TrimSpace(os.Getenv(it.key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", it.key, err)
			}
			*it.dst = d
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"HUBEAU_ABORT_ON_AUTH", &cfg.AbortOnAuthError},
		{"HUBEAU_FAIL_ON_ALL_FAILED", &cfg.FailWhenAllFailed},
		{"DRY_RUN", &cfg.DryRun},
	}
	for _, it := range bools {
		if v := strings.TrimSpace(os.Getenv(it.key)); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", it.key, err)
			}
			*it.dst = b
		}
	}

	return nil
}

// Validate checks option ranges and station codes.
func (c Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("invalid database driver %q: must be %s or %s", c.DatabaseDriver, DriverSQLite, DriverPostgres)
	}
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.BaseURL == "" {
		return errors.New("base URL is required")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("invalid page size: %d", c.PageSize)
	}
	if c.RetryAttempts <= 0 {
		return fmt.Errorf("invalid retry attempts: %d", c.RetryAttempts)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("invalid request timeout: %s", c.RequestTimeout)
	}
	if c.MaxConcurrentStations <= 0 {
		return fmt.Errorf("invalid max concurrent stations: %d", c.MaxConcurrentStations)
	}
	if c.RetentionDays <= 0 || c.InitialWindowDays <= 0 {
		return errors.New("retention and initial window must be positive")
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("invalid max pages: %d", c.MaxPages)
	}
	if c.Port <= 0 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	for _, code := range c.Stations {
		if !ValidStationCode(code) {
			return fmt.Errorf("invalid station code %q", code)
		}
	}
	return nil
}

// ListenAddr returns the host:port string for the HTTP server.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// RetentionWindow returns the default query window.
func (c Config) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// InitialWindow returns how far back a station without data is fetched.
func (c Config) InitialWindow() time.Duration {
	return time.Duration(c.InitialWindowDays) * 24 * time.Hour
}

// ValidStationCode reports whether code is one letter followed by nine digits.
func ValidStationCode(code string) bool {
	return stationCodeRE.MatchString(code)
}

// SplitStations parses a comma separated station list.
func SplitStations(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
