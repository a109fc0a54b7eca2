package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/kursadbilgin/dnc-propagation/internal/provider"
)

const (
	DispatchModeInline = "inline"
	DispatchModeQueue  = "queue"
)

type Config struct {
	DatabaseDSN    string `env:"DATABASE_DSN,required=true"`
	RedisURL       string `env:"REDIS_URL,required=true"`
	RabbitMQURL    string `env:"RABBITMQ_URL"`
	APIPort        int    `env:"API_PORT,default=8080"`
	LogLevel       string `env:"LOG_LEVEL,default=info"`
	ServiceName    string `env:"SERVICE_NAME,default=dnc-propagation"`
	Environment    string `env:"ENVIRONMENT,default=development"`
	OTELEndpoint   string `env:"OTEL_EXPORTER_ENDPOINT"`
	DBMaxOpenConns int    `env:"DB_MAX_OPEN_CONNS,default=25"`
	DBMaxIdleConns int    `env:"DB_MAX_IDLE_CONNS,default=5"`

	DispatchMode             string `env:"DISPATCH_MODE,default=inline"`
	PropagationConcurrency   int    `env:"PROPAGATION_CONCURRENCY,default=5"`
	WorkerPrefetch           int    `env:"WORKER_PREFETCH,default=4"`
	WorkerConcurrency        int    `env:"WORKER_CONCURRENCY,default=5"`
	WorkerPort               int    `env:"WORKER_PORT,default=9091"`
	ProviderTimeoutSeconds   int    `env:"PROVIDER_TIMEOUT_SECONDS,default=15"`
	ProviderRateLimitPerSec  int    `env:"PROVIDER_RATE_LIMIT_PER_SEC,default=10"`
	LogicsRateLimitPerSec    int    `env:"LOGICS_RATE_LIMIT_PER_SEC"`
	PushDelayMillis          int    `env:"PUSH_DELAY_MS,default=500"`
	StaleAttemptAfterSeconds int    `env:"STALE_ATTEMPT_AFTER_SECONDS,default=300"`
	ReaperIntervalSeconds    int    `env:"REAPER_INTERVAL_SECONDS,default=30"`
	DefaultPhoneRegion       string `env:"DEFAULT_PHONE_REGION,default=US"`

	RingCentralBaseURL string `env:"RINGCENTRAL_BASE_URL"`
	RingCentralToken   string `env:"RINGCENTRAL_TOKEN"`
	ConvosoBaseURL     string `env:"CONVOSO_BASE_URL"`
	ConvosoAuthToken   string `env:"CONVOSO_AUTH_TOKEN"`
	YtelBaseURL        string `env:"YTEL_BASE_URL"`
	YtelAPIKey         string `env:"YTEL_API_KEY"`
	LogicsBaseURL      string `env:"LOGICS_BASE_URL"`
	LogicsAPIKey       string `env:"LOGICS_API_KEY"`
	GenesysBaseURL     string `env:"GENESYS_BASE_URL"`
	GenesysToken       string `env:"GENESYS_TOKEN"`
	GenesysDNCListID   string `env:"GENESYS_DNC_LIST_ID"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	c.DispatchMode = strings.ToLower(strings.TrimSpace(c.DispatchMode))
	switch c.DispatchMode {
	case DispatchModeInline:
	case DispatchModeQueue:
		if strings.TrimSpace(c.RabbitMQURL) == "" {
			return fmt.Errorf("invalid config: RABBITMQ_URL is required when DISPATCH_MODE=queue")
		}
	default:
		return fmt.Errorf("invalid config: unknown DISPATCH_MODE %q", c.DispatchMode)
	}

	positive := map[string]int{
		"API_PORT":                    c.APIPort,
		"PROPAGATION_CONCURRENCY":     c.PropagationConcurrency,
		"WORKER_PREFETCH":             c.WorkerPrefetch,
		"WORKER_CONCURRENCY":          c.WorkerConcurrency,
		"WORKER_PORT":                 c.WorkerPort,
		"PROVIDER_TIMEOUT_SECONDS":    c.ProviderTimeoutSeconds,
		"PROVIDER_RATE_LIMIT_PER_SEC": c.ProviderRateLimitPerSec,
		"STALE_ATTEMPT_AFTER_SECONDS": c.StaleAttemptAfterSeconds,
		"REAPER_INTERVAL_SECONDS":     c.ReaperIntervalSeconds,
		"DB_MAX_OPEN_CONNS":           c.DBMaxOpenConns,
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("invalid config: %s must be positive, got %d", name, value)
		}
	}
	if c.PushDelayMillis < 0 {
		return fmt.Errorf("invalid config: PUSH_DELAY_MS must not be negative")
	}
	if c.StaleAttemptAfterSeconds <= c.ProviderTimeoutSeconds {
		return fmt.Errorf("invalid config: STALE_ATTEMPT_AFTER_SECONDS must exceed PROVIDER_TIMEOUT_SECONDS")
	}
	if strings.TrimSpace(c.GenesysBaseURL) != "" && strings.TrimSpace(c.GenesysDNCListID) == "" {
		return fmt.Errorf("invalid config: GENESYS_DNC_LIST_ID is required when GENESYS_BASE_URL is set")
	}

	return nil
}

func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

func (c *Config) PushDelay() time.Duration {
	return time.Duration(c.PushDelayMillis) * time.Millisecond
}

func (c *Config) StaleAttemptAfter() time.Duration {
	return time.Duration(c.StaleAttemptAfterSeconds) * time.Second
}

func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalSeconds) * time.Second
}

// RateLimitOverrides returns per-provider limits that differ from the default.
func (c *Config) RateLimitOverrides() map[string]int {
	overrides := map[string]int{}
	if c.LogicsRateLimitPerSec > 0 {
		overrides["logics"] = c.LogicsRateLimitPerSec
	}
	return overrides
}

// ProviderSettings maps provider credentials onto adapter settings. Providers
// without a base URL stay unconfigured.
func (c *Config) ProviderSettings() provider.Settings {
	return provider.Settings{
		Timeout:          c.ProviderTimeout(),
		RingCentral:      provider.ClientConfig{BaseURL: c.RingCentralBaseURL, Token: c.RingCentralToken},
		Convoso:          provider.ClientConfig{BaseURL: c.ConvosoBaseURL, Token: c.ConvosoAuthToken},
		Ytel:             provider.ClientConfig{BaseURL: c.YtelBaseURL, Token: c.YtelAPIKey},
		Logics:           provider.ClientConfig{BaseURL: c.LogicsBaseURL, Token: c.LogicsAPIKey},
		Genesys:          provider.ClientConfig{BaseURL: c.GenesysBaseURL, Token: c.GenesysToken},
		GenesysDNCListID: c.GenesysDNCListID,
	}
}
