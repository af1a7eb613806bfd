package config

import (
	"fmt"
	"time"
)

// Config is the single configuration structure shared by every pipeline
// stage. It is organized into sections the same way across YAML files,
// defaults and validation.
type Config struct {
	// Name identifies the pipeline instance in logs and metrics
	Name string `yaml:"name" json:"name"`

	// Source settings for the brewery API
	Source SourceConfig `yaml:"source" json:"source"`

	// Timeouts define various timeout durations
	Timeouts TimeoutConfig `yaml:"timeouts" json:"timeouts"`

	// Reliability settings for retries of transient source failures
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability"`

	// Storage selects where the medallion layers live
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Transform holds the Silver normalization rules
	Transform TransformConfig `yaml:"transform" json:"transform"`

	// Coordinator holds run locking, ledger and notification settings
	Coordinator CoordinatorConfig `yaml:"coordinator" json:"coordinator"`

	// Observability settings for monitoring and debugging
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// SourceConfig configures the paginated brewery API client.
type SourceConfig struct {
	// BaseURL of the Open Brewery DB API (without the /breweries path)
	BaseURL string `yaml:"base_url" json:"base_url"`
	// PageSize is the per_page request parameter
	PageSize int `yaml:"page_size" json:"page_size"`
	// MaxPages stops pagination after this many pages (0 = unlimited)
	MaxPages int `yaml:"max_pages" json:"max_pages"`
	// Concurrency > 1 fetches pages in parallel windows
	Concurrency int `yaml:"concurrency" json:"concurrency"`
	// RateLimitPerSec limits requests per second (0 = unlimited)
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
	// RateBurst is the token bucket size
	RateBurst int `yaml:"rate_burst" json:"rate_burst"`
	// UserAgent sent with every request
	UserAgent string `yaml:"user_agent" json:"user_agent"`
}

// TimeoutConfig contains all timeout-related settings.
// These prevent operations from hanging indefinitely.
type TimeoutConfig struct {
	// Request timeout for a single page fetch
	Request time.Duration `yaml:"request" json:"request"`
	// Connection timeout for establishing connections
	Connection time.Duration `yaml:"connection" json:"connection"`
	// Stage bounds a whole stage invocation
	Stage time.Duration `yaml:"stage" json:"stage"`
}

// ReliabilityConfig contains the retry settings applied per source page.
type ReliabilityConfig struct {
	// RetryAttempts is the total number of attempts per page
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// RetryDelay is the initial delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// RetryMultiplier increases delay exponentially
	RetryMultiplier float64 `yaml:"retry_multiplier" json:"retry_multiplier"`
	// MaxRetryDelay caps the maximum retry delay
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
	// RetryJitter randomizes each delay by +/- this fraction
	RetryJitter float64 `yaml:"retry_jitter" json:"retry_jitter"`
}

// StorageConfig selects and configures the object store backend.
type StorageConfig struct {
	// Type is one of fs, memory, s3, gcs
	Type string `yaml:"type" json:"type"`
	// Root is the base directory for the fs backend
	Root string `yaml:"root" json:"root"`
	// Bucket for the s3 and gcs backends
	Bucket string `yaml:"bucket" json:"bucket"`
	// Prefix is prepended to every key in the bucket
	Prefix string `yaml:"prefix" json:"prefix"`
	// Region for s3
	Region string `yaml:"region" json:"region"`
	// Endpoint overrides the s3 endpoint (MinIO, LocalStack)
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// UsePathStyle forces path-style s3 addressing
	UsePathStyle bool `yaml:"use_path_style" json:"use_path_style"`
	// CredentialsFile for gcs service accounts
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
	// BronzeCompression is the codec for bronze page objects (none, gzip, zstd, snappy, lz4)
	BronzeCompression string `yaml:"bronze_compression" json:"bronze_compression"`
	// ParquetCompression is the codec for silver and gold parquet files
	ParquetCompression string `yaml:"parquet_compression" json:"parquet_compression"`
}

// TransformConfig holds the Silver normalization rules.
type TransformConfig struct {
	// BreweryTypes is the known brewery type enumeration
	BreweryTypes []string `yaml:"brewery_types" json:"brewery_types"`
	// ExcludedTypes are routed to the rejects log
	ExcludedTypes []string `yaml:"excluded_types" json:"excluded_types"`
	// StatePartitionedCountries require a state on every record
	StatePartitionedCountries []string `yaml:"state_partitioned_countries" json:"state_partitioned_countries"`
	// CountryCodes are canonical codes that get upper-cased when matched case-insensitively
	CountryCodes []string `yaml:"country_codes" json:"country_codes"`
	// CountryAliases map lower-cased country names to a canonical value
	CountryAliases map[string]string `yaml:"country_aliases" json:"country_aliases"`
	// Replacements map a whole corrupted value to its corrected form
	Replacements map[string]string `yaml:"replacements" json:"replacements"`
}

// CoordinatorConfig configures run locking, the run ledger and notifications.
type CoordinatorConfig struct {
	// Lock is memory or postgres
	Lock string `yaml:"lock" json:"lock"`
	// Ledger is memory or postgres
	Ledger string `yaml:"ledger" json:"ledger"`
	// PostgresDSN for the postgres lock and ledger
	PostgresDSN string `yaml:"postgres_dsn" json:"postgres_dsn"`
	// Notifier is log or kafka
	Notifier string `yaml:"notifier" json:"notifier"`
	// KafkaBrokers for the kafka notifier
	KafkaBrokers []string `yaml:"kafka_brokers" json:"kafka_brokers"`
	// KafkaTopic receives stage outcome events
	KafkaTopic string `yaml:"kafka_topic" json:"kafka_topic"`
}

// ObservabilityConfig contains monitoring and observability settings.
type ObservabilityConfig struct {
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
	// LogEncoding is json or console
	LogEncoding string `yaml:"log_encoding" json:"log_encoding"`
	// Development enables colored levels and stack traces
	Development bool `yaml:"development" json:"development"`
	// EnableMetrics activates metrics collection
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
	// PushgatewayURL receives metrics at the end of each command
	PushgatewayURL string `yaml:"pushgateway_url" json:"pushgateway_url"`
	// EnableTracing activates OpenTelemetry tracing
	EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing"`
	// TracingSampleRate controls trace sampling (0.0-1.0)
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
}

// DefaultBreweryTypes is the Open Brewery DB type enumeration.
var DefaultBreweryTypes = []string{
	"micro", "nano", "regional", "brewpub", "large", "planning",
	"bar", "contract", "proprietor", "closed", "taproom", "cidery",
}

// DefaultReplacements returns the known mis-encoded source values. Keys
// match whole text values only.
func DefaultReplacements() map[string]string {
	m := map[string]string{
		"Wimitzbr\uFFFDu":                "Wimitzbräu",
		"K\uFFFDrnten":                   "Kärnten",
		"Nieder\uFFFDsterreich":          "Niederösterreich",
		"Klagenfurt am W\uFFFDrthersee":  "Klagenfurt am Wörthersee",
		"Caf\uFFFD Okei":                 "Cafe Okei",
		"Dr.-Beurle-Stra\uFFFDe":         "Dr.-Beurle-Straße",
		"Dr.-Beurle-Stra\uFFFDe 1":       "Dr.-Beurle-Straße 1",
		"Feldkirchenstra\uFFFDe 40":      "Feldkirchenstraße 40",
		"Stiftstra\uFFFDe 6":             "Stiftstraße 6",
		"Mautner-Markhof-Stra\uFFFDe 11": "Mautner-Markhof-Straße 11",
		"Anheuser-Busch Inc \u0322\uFFFD\uFFFD\uFFFD\uFFFD Williamsburg": "Anheuser-Busch Inc - Williamsburg",
	}
	// UTF-8 en dashes decoded as Latin-1
	for _, city := range []string{
		"Newark", "Baldwinsville", "Cartersville", "Columbus",
		"Fairfield", "Houston", "Jacksonville", "Merrimack",
	} {
		m["Anheuser-Busch Inc \u00e2\u0080\u0093 "+city] = "Anheuser-Busch Inc - " + city
	}
	return m
}

// NewDefaultConfig creates a Config with documented defaults that work for
// the public Open Brewery DB API and a local filesystem store.
func NewDefaultConfig() *Config {
	return &Config{
		Name: "breweries",
		Source: SourceConfig{
			BaseURL:         "https://api.openbrewerydb.org/v1",
			PageSize:        50,
			MaxPages:        0,
			Concurrency:     1,
			RateLimitPerSec: 5,
			RateBurst:       5,
			UserAgent:       "bees-case-breweries/1.0",
		},
		Timeouts: TimeoutConfig{
			Request:    10 * time.Second,
			Connection: 5 * time.Second,
			Stage:      30 * time.Minute,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:   3,
			RetryDelay:      time.Second,
			RetryMultiplier: 2.0,
			MaxRetryDelay:   30 * time.Second,
			RetryJitter:     0.25,
		},
		Storage: StorageConfig{
			Type:               "fs",
			Root:               "./data",
			Region:             "us-east-1",
			BronzeCompression:  "none",
			ParquetCompression: "snappy",
		},
		Transform: TransformConfig{
			BreweryTypes:              append([]string(nil), DefaultBreweryTypes...),
			ExcludedTypes:             []string{"location"},
			StatePartitionedCountries: []string{"US"},
			CountryCodes:              []string{"US", "IE", "GB", "DE", "AT", "FR", "PL", "PT", "KR", "SG", "IS", "SC", "IM"},
			CountryAliases: map[string]string{
				"united states":            "US",
				"united states of america": "US",
			},
			Replacements: DefaultReplacements(),
		},
		Coordinator: CoordinatorConfig{
			Lock:       "memory",
			Ledger:     "memory",
			Notifier:   "log",
			KafkaTopic: "brewery-pipeline-events",
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogEncoding:       "json",
			EnableMetrics:     true,
			TracingSampleRate: 1.0,
		},
	}
}

// Validate validates the configuration for correctness.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url is required")
	}
	if c.Source.PageSize <= 0 {
		return fmt.Errorf("source.page_size must be positive")
	}
	if c.Source.MaxPages < 0 {
		return fmt.Errorf("source.max_pages cannot be negative")
	}
	if c.Source.RateLimitPerSec < 0 {
		return fmt.Errorf("source.rate_limit_per_sec cannot be negative")
	}
	if c.Timeouts.Request <= 0 {
		return fmt.Errorf("timeouts.request must be positive")
	}
	if c.Reliability.RetryAttempts < 1 {
		return fmt.Errorf("reliability.retry_attempts must be at least 1")
	}
	if c.Reliability.RetryMultiplier < 1 {
		return fmt.Errorf("reliability.retry_multiplier must be >= 1")
	}
	if c.Reliability.RetryJitter < 0 || c.Reliability.RetryJitter > 1 {
		return fmt.Errorf("reliability.retry_jitter must be within [0,1]")
	}
	switch c.Storage.Type {
	case "fs":
		if c.Storage.Root == "" {
			return fmt.Errorf("storage.root is required for fs storage")
		}
	case "memory":
	case "s3", "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for %s storage", c.Storage.Type)
		}
	default:
		return fmt.Errorf("unknown storage.type %q", c.Storage.Type)
	}
	if len(c.Transform.BreweryTypes) == 0 {
		return fmt.Errorf("transform.brewery_types cannot be empty")
	}
	switch c.Coordinator.Lock {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown coordinator.lock %q", c.Coordinator.Lock)
	}
	switch c.Coordinator.Ledger {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown coordinator.ledger %q", c.Coordinator.Ledger)
	}
	if (c.Coordinator.Lock == "postgres" || c.Coordinator.Ledger == "postgres") && c.Coordinator.PostgresDSN == "" {
		return fmt.Errorf("coordinator.postgres_dsn is required for postgres lock or ledger")
	}
	switch c.Coordinator.Notifier {
	case "log":
	case "kafka":
		if len(c.Coordinator.KafkaBrokers) == 0 || c.Coordinator.KafkaTopic == "" {
			return fmt.Errorf("coordinator.kafka_brokers and kafka_topic are required for kafka notifier")
		}
	default:
		return fmt.Errorf("unknown coordinator.notifier %q", c.Coordinator.Notifier)
	}
	if c.Observability.TracingSampleRate < 0 || c.Observability.TracingSampleRate > 1 {
		return fmt.Errorf("observability.tracing_sample_rate must be within [0,1]")
	}
	return nil
}

// IsRateLimited returns true if rate limiting is enabled
func (s *SourceConfig) IsRateLimited() bool {
	return s.RateLimitPerSec > 0
}
