package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ajitpratap0/tap-salesforce/pkg/models"
)

// Defaults for the Salesforce Commerce Cloud Data API.
const (
	DefaultAPIVersion = "v23_1"
	DefaultTokenURL   = "https://account.demandware.com/dw/oauth2/access_token"
	// MaxPageSize is the largest count OCAPI accepts on a paged request.
	MaxPageSize = 200
)

// Config is the tap configuration. Salesforce settings live at the top level
// so that a plain Singer config.json is accepted unchanged; operational
// settings are grouped into sections.
type Config struct {
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"client_secret"`
	// Domain is the instance prefix of {domain}.dx.commercecloud.salesforce.com
	Domain string `yaml:"domain" json:"domain"`
	SiteID string `yaml:"site_id" json:"site_id"`
	// StartDate bounds the first INCREMENTAL sync of a stream without a bookmark
	StartDate     string   `yaml:"start_date" json:"start_date"`
	APIVersion    string   `yaml:"api_version" json:"api_version"`
	OrderPageSize int      `yaml:"order_page_size" json:"order_page_size"`
	UserAgent     string   `yaml:"user_agent" json:"user_agent"`
	OrderIDs      []string `yaml:"order_ids" json:"order_ids"`

	// BaseURL and TokenURL override the derived endpoints.
	BaseURL  string `yaml:"base_url" json:"base_url"`
	TokenURL string `yaml:"token_url" json:"token_url"`

	Engine        EngineConfig        `yaml:"engine" json:"engine"`
	Reliability   ReliabilityConfig   `yaml:"reliability" json:"reliability"`
	State         StateConfig         `yaml:"state" json:"state"`
	ChangeLog     ChangeLogConfig     `yaml:"change_log" json:"change_log"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// EngineConfig controls how the replication engine schedules streams.
type EngineConfig struct {
	// BatchSize is the number of records written between checkpoints
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// MaxWorkers bounds concurrently syncing streams; 1 is sequential
	MaxWorkers int `yaml:"max_workers" json:"max_workers"`
	// FailFast stops the run at the first failed stream
	FailFast bool `yaml:"fail_fast" json:"fail_fast"`
	// Timeout is the run deadline; zero means none
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// StreamOrder moves the named streams to the front of the run
	StreamOrder []string `yaml:"stream_order" json:"stream_order"`
}

// ReliabilityConfig contains retry and rate limiting settings.
type ReliabilityConfig struct {
	RetryAttempts   int           `yaml:"retry_attempts" json:"retry_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay" json:"retry_delay"`
	RetryMultiplier float64       `yaml:"retry_multiplier" json:"retry_multiplier"`
	MaxRetryDelay   time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
	// RetryJitter is the fraction of each delay randomized (0-1)
	RetryJitter float64 `yaml:"retry_jitter" json:"retry_jitter"`
	// RequestTimeout bounds a single page fetch
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	// RateLimitPerSec limits OCAPI requests per second (0 = unlimited)
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst" json:"rate_limit_burst"`
}

// State backend names.
const (
	StateBackendMemory   = "memory"
	StateBackendFile     = "file"
	StateBackendS3       = "s3"
	StateBackendGCS      = "gcs"
	StateBackendPostgres = "postgres"
)

// StateConfig selects where checkpoints are persisted between runs.
type StateConfig struct {
	Backend string `yaml:"backend" json:"backend"`
	// Path is the state file for the file backend
	Path string `yaml:"path" json:"path"`
	// Bucket and Key locate the state object for s3 and gcs
	Bucket string `yaml:"bucket" json:"bucket"`
	Key    string `yaml:"key" json:"key"`
	Region string `yaml:"region" json:"region"`
	// Endpoint overrides the object store endpoint (S3-compatible stores, emulators)
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// DSN and Table configure the postgres backend
	DSN   string `yaml:"dsn" json:"dsn"`
	Table string `yaml:"table" json:"table"`
	// TapID namespaces rows in a shared postgres table
	TapID string `yaml:"tap_id" json:"tap_id"`
}

// ChangeLogConfig configures the Kafka topic backing the order_changes stream.
type ChangeLogConfig struct {
	Brokers  []string `yaml:"brokers" json:"brokers"`
	Topic    string   `yaml:"topic" json:"topic"`
	ClientID string   `yaml:"client_id" json:"client_id"`
	// PollTimeout ends a read once no message arrived for this long
	PollTimeout time.Duration `yaml:"poll_timeout" json:"poll_timeout"`

	// SASLMechanism is one of PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512; empty disables SASL
	SASLMechanism         string `yaml:"sasl_mechanism" json:"sasl_mechanism"`
	SASLUsername          string `yaml:"sasl_username" json:"sasl_username"`
	SASLPassword          string `yaml:"sasl_password" json:"sasl_password"`
	EnableTLS             bool   `yaml:"enable_tls" json:"enable_tls"`
	TLSInsecureSkipVerify bool   `yaml:"tls_insecure_skip_verify" json:"tls_insecure_skip_verify"`
}

// Enabled reports whether a change log is configured.
func (c ChangeLogConfig) Enabled() bool {
	return c.Topic != "" && len(c.Brokers) > 0
}

// ObservabilityConfig contains logging, metrics and tracing settings.
type ObservabilityConfig struct {
	LogLevel string `yaml:"log_level" json:"log_level"`
	// MetricsAddr serves /metrics when set, e.g. ":9090"
	MetricsAddr   string `yaml:"metrics_addr" json:"metrics_addr"`
	EnableTracing bool   `yaml:"enable_tracing" json:"enable_tracing"`
}

// NewConfig returns a configuration populated with defaults.
func NewConfig() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.APIVersion == "" {
		c.APIVersion = DefaultAPIVersion
	}
	if c.TokenURL == "" {
		c.TokenURL = DefaultTokenURL
	}
	if c.OrderPageSize == 0 {
		c.OrderPageSize = MaxPageSize
	}
	if c.Engine.BatchSize == 0 {
		c.Engine.BatchSize = 1000
	}
	if c.Engine.MaxWorkers == 0 {
		c.Engine.MaxWorkers = 1
	}

	r := &c.Reliability
	if r.RetryAttempts == 0 {
		r.RetryAttempts = 3
	}
	if r.RetryDelay == 0 {
		r.RetryDelay = time.Second
	}
	if r.RetryMultiplier == 0 {
		r.RetryMultiplier = 2.0
	}
	if r.MaxRetryDelay == 0 {
		r.MaxRetryDelay = 60 * time.Second
	}
	if r.RetryJitter == 0 {
		r.RetryJitter = 0.25
	}
	if r.RequestTimeout == 0 {
		r.RequestTimeout = 60 * time.Second
	}
	if r.RateLimitBurst == 0 {
		r.RateLimitBurst = 1
	}

	if c.State.Backend == "" {
		c.State.Backend = StateBackendMemory
	}
	if c.State.Key == "" {
		c.State.Key = "tap-salesforce/state.json"
	}
	if c.State.Table == "" {
		c.State.Table = "singer_state"
	}
	if c.State.TapID == "" {
		c.State.TapID = "tap-salesforce"
	}

	if c.ChangeLog.ClientID == "" {
		c.ChangeLog.ClientID = "tap-salesforce"
	}
	if c.ChangeLog.PollTimeout == 0 {
		c.ChangeLog.PollTimeout = 5 * time.Second
	}

	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
}

// DataURL returns the OCAPI Data API root.
func (c *Config) DataURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return fmt.Sprintf("https://%s.dx.commercecloud.salesforce.com/s/-/dw/data/%s", c.Domain, c.APIVersion)
}

// StartTime parses StartDate. The zero time is returned when it is unset.
func (c *Config) StartTime() (time.Time, error) {
	if c.StartDate == "" {
		return time.Time{}, nil
	}
	t, ok := models.ParseCursorTime(c.StartDate)
	if !ok {
		return time.Time{}, fmt.Errorf("start_date %q is not a valid timestamp", c.StartDate)
	}
	return t.UTC(), nil
}

// Validate checks required fields and value ranges. It is only concerned with
// what a sync needs; discovery of a misconfigured instance fails later with
// a discovery error.
func (c *Config) Validate() error {
	var problems []string
	if c.ClientID == "" {
		problems = append(problems, "client_id is required")
	}
	if c.ClientSecret == "" {
		problems = append(problems, "client_secret is required")
	}
	if c.SiteID == "" {
		problems = append(problems, "site_id is required")
	}
	if c.Domain == "" && c.BaseURL == "" {
		problems = append(problems, "domain is required")
	}
	if _, err := c.StartTime(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.OrderPageSize < 1 || c.OrderPageSize > MaxPageSize {
		problems = append(problems, fmt.Sprintf("order_page_size must be between 1 and %d", MaxPageSize))
	}
	if c.Engine.BatchSize <= 0 {
		problems = append(problems, "engine.batch_size must be positive")
	}
	if c.Engine.MaxWorkers <= 0 {
		problems = append(problems, "engine.max_workers must be positive")
	}
	if c.Engine.Timeout < 0 {
		problems = append(problems, "engine.timeout cannot be negative")
	}
	if c.Reliability.RetryAttempts < 1 {
		problems = append(problems, "reliability.retry_attempts must be at least 1")
	}
	if c.Reliability.RetryJitter < 0 || c.Reliability.RetryJitter > 1 {
		problems = append(problems, "reliability.retry_jitter must be between 0 and 1")
	}
	if c.Reliability.RateLimitPerSec < 0 {
		problems = append(problems, "reliability.rate_limit_per_sec cannot be negative")
	}
	problems = append(problems, c.State.validate()...)
	problems = append(problems, c.ChangeLog.validate()...)

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c ChangeLogConfig) validate() []string {
	if !c.Enabled() {
		return nil
	}
	switch c.SASLMechanism {
	case "", "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
	default:
		return []string{fmt.Sprintf("change_log.sasl_mechanism %q is not supported", c.SASLMechanism)}
	}
	if c.SASLMechanism != "" && c.SASLUsername == "" {
		return []string{"change_log.sasl_username is required with sasl_mechanism"}
	}
	return nil
}

func (s StateConfig) validate() []string {
	switch s.Backend {
	case StateBackendMemory:
		return nil
	case StateBackendFile:
		if s.Path == "" {
			return []string{"state.path is required for the file backend"}
		}
	case StateBackendS3, StateBackendGCS:
		if s.Bucket == "" {
			return []string{fmt.Sprintf("state.bucket is required for the %s backend", s.Backend)}
		}
	case StateBackendPostgres:
		if s.DSN == "" {
			return []string{"state.dsn is required for the postgres backend"}
		}
	default:
		return []string{fmt.Sprintf("unknown state backend %q", s.Backend)}
	}
	return nil
}
