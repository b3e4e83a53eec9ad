package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the listen gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Caller identity. When empty the gateway runs in dev mode and trusts the
	// uid query parameter.
	AuthJWTSecret string `envconfig:"AUTH_JWT_SECRET" default:""`

	// STT provider credentials. At least one is required.
	DeepgramAPIKey     string `envconfig:"DEEPGRAM_API_KEY" default:""`
	SonioxAPIKey       string `envconfig:"SONIOX_API_KEY" default:""`
	SpeechmaticsAPIKey string `envconfig:"SPEECHMATICS_API_KEY" default:""`

	// Provider arbitration
	PremiumMultiEnabled bool   `envconfig:"PREMIUM_MULTI_ENABLED" default:"true"`
	ProviderTablePath   string `envconfig:"PROVIDER_TABLE_PATH" default:""` // YAML override of the embedded table

	// STT connect retry policy
	STTRetryMaxAttempts        int `envconfig:"STT_RETRY_MAX_ATTEMPTS" default:"3"`
	STTRetryInitialBackoffMs   int `envconfig:"STT_RETRY_INITIAL_BACKOFF_MS" default:"500"`
	STTRetryMaxDelaySeconds    int `envconfig:"STT_RETRY_MAX_DELAY_SECONDS" default:"60"`
	STTRateLimitMaxDelaySecond int `envconfig:"STT_RATE_LIMIT_MAX_DELAY_SECONDS" default:"60"`

	// Session timing
	SessionSoftTimeoutSeconds       int `envconfig:"SESSION_SOFT_TIMEOUT_SECONDS" default:"420"`
	SessionInactivityTimeoutSeconds int `envconfig:"SESSION_INACTIVITY_TIMEOUT_SECONDS" default:"30"`
	HeartbeatIntervalSeconds        int `envconfig:"HEARTBEAT_INTERVAL_SECONDS" default:"10"`

	// Conversation boundaries
	ConversationTimeoutSeconds int     `envconfig:"CONVERSATION_TIMEOUT_SECONDS" default:"120"`
	DraftStalenessSeconds      int     `envconfig:"DRAFT_STALENESS_SECONDS" default:"3600"`
	MergeGapToleranceSeconds   float64 `envconfig:"MERGE_GAP_TOLERANCE_SECONDS" default:"30"`

	// Draft storage
	StoreDriver string `envconfig:"STORE_DRIVER" default:"sqlite"` // sqlite, postgres
	DatabaseURL string `envconfig:"DATABASE_URL" default:"file:listen-gateway.sqlite?_pragma=journal_mode(WAL)"`

	// Summarization collaborator (gRPC)
	SummarizerURL            string `envconfig:"SUMMARIZER_URL" default:"localhost:50051"`
	SummarizerTLSEnabled     bool   `envconfig:"SUMMARIZER_TLS_ENABLED" default:"false"`
	SummarizerTimeoutSeconds int    `envconfig:"SUMMARIZER_TIMEOUT_SECONDS" default:"120"`

	// Live translation collaborator
	TranslationURL    string `envconfig:"TRANSLATION_URL" default:""`
	TranslationAPIKey string `envconfig:"TRANSLATION_API_KEY" default:""`

	// External trigger bus. Relay is disabled when empty.
	RelayURL string `envconfig:"RELAY_URL" default:""`

	// Enrollment audio and voice activity detection
	ProfileDir          string  `envconfig:"PROFILE_DIR" default:"./profiles"`
	HostedVADURL        string  `envconfig:"HOSTED_VAD_URL" default:""`
	HostedVADAPIKey     string  `envconfig:"HOSTED_VAD_API_KEY" default:""`
	VADCacheTTLSeconds  int     `envconfig:"VAD_CACHE_TTL_SECONDS" default:"86400"`
	VADEnergyThreshold  float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold for the local detector
	VADSilenceFrames    int     `envconfig:"VAD_SILENCE_FRAMES" default:"10"`      // Frames of silence to mark speech end
	RelayAudioBufferKiB int     `envconfig:"RELAY_AUDIO_BUFFER_KIB" default:"512"` // Audio kept while the relay reconnects

	// Resilience configuration for hosted collaborators
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"0"`         // 0 retries forever (relay)
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
	SentryDSN      string `envconfig:"SENTRY_DSN" default:""`
	Environment    string `envconfig:"ENVIRONMENT" default:"development"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	if c.DeepgramAPIKey == "" && c.SonioxAPIKey == "" && c.SpeechmaticsAPIKey == "" {
		return fmt.Errorf("at least one of DEEPGRAM_API_KEY, SONIOX_API_KEY, SPEECHMATICS_API_KEY is required")
	}
	if c.StoreDriver != "sqlite" && c.StoreDriver != "postgres" {
		return fmt.Errorf("STORE_DRIVER must be sqlite or postgres, got %q", c.StoreDriver)
	}
	if c.STTRetryMaxAttempts < 1 {
		return fmt.Errorf("STT_RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.ConversationTimeoutSeconds <= 0 {
		return fmt.Errorf("CONVERSATION_TIMEOUT_SECONDS must be positive")
	}
	return nil
}

// ConversationTimeout is the finalization debounce window.
func (c *Config) ConversationTimeout() time.Duration {
	return time.Duration(c.ConversationTimeoutSeconds) * time.Second
}

// DraftStaleness is the age beyond which an orphaned draft is not recovered.
func (c *Config) DraftStaleness() time.Duration {
	return time.Duration(c.DraftStalenessSeconds) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
