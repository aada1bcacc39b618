package config

import (
	"context"
	"time"
)

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// AI mode values for Config.AIMode.
const (
	AIModeAuto      = "auto"
	AIModePrimary   = "primary_llm"
	AIModeSecondary = "secondary_llm"
	AIModeSimple    = "simple"
)

// Config holds all configuration for the truthstore service.
type Config struct {
	// Database
	DBURL string

	// Run datastore migrations on startup.
	MigrateAtStart bool

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Server
	Port              int
	ReadHeaderTimeout time.Duration
	MaxBodySize       int64
	// DrainTimeout is the graceful shutdown drain window in seconds.
	DrainTimeout int
	// ManagementAccessLog enables request logging for probe endpoints too.
	ManagementAccessLog bool

	// DefaultProjectID is used when requests omit the X-Project-Id header.
	DefaultProjectID string

	// Embedding
	EmbedType        string // "openai" or "none"
	OpenAIAPIKey     string
	OpenAIModelName  string
	OpenAIBaseURL    string
	OpenAIDimensions int

	// LLM
	// AIMode selects the LLM used for extraction, classification, and
	// reranking: auto (prefer primary, then secondary, then simple),
	// primary_llm, secondary_llm, or simple.
	AIMode          string
	RetrievalModel  string
	AnthropicAPIKey string
	AnthropicModel  string

	// UseRetrievalExpand gates the LLM-expanded search pipeline.
	// Extraction always uses the LLM when one is configured.
	UseRetrievalExpand bool

	// ExtractionWorkers bounds concurrent async claim-extraction tasks.
	ExtractionWorkers int

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MigrateAtStart:     true,
		DBMaxOpenConns:     25,
		DBMaxIdleConns:     5,
		Port:               8080,
		ReadHeaderTimeout:  5 * time.Second,
		MaxBodySize:        1 << 20, // 1 MB; request bodies are small JSON
		DrainTimeout:       30,
		EmbedType:          "openai",
		OpenAIModelName:    "text-embedding-3-small",
		OpenAIBaseURL:      "https://api.openai.com/v1",
		OpenAIDimensions:   1536,
		AIMode:             AIModeAuto,
		RetrievalModel:     "gpt-4o-mini",
		AnthropicModel:     "claude-3-5-haiku-latest",
		UseRetrievalExpand: true,
		ExtractionWorkers:  4,
	}
}
