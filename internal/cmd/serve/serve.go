package serve

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	"github.com/chirino/truthstore/internal/config"
	registryembed "github.com/chirino/truthstore/internal/registry/embed"

	// Import all plugins to trigger init() registration
	_ "github.com/chirino/truthstore/internal/plugin/embed/disabled"
	_ "github.com/chirino/truthstore/internal/plugin/embed/openai"
	_ "github.com/chirino/truthstore/internal/plugin/llm/anthropic"
	_ "github.com/chirino/truthstore/internal/plugin/llm/openai"
	_ "github.com/chirino/truthstore/internal/plugin/route/system"
	_ "github.com/chirino/truthstore/internal/plugin/store/postgres"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the truthstore HTTP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("TRUTHSTORE_PORT"),
			Destination: &cfg.Port,
			Value:       cfg.Port,
			Usage:       "HTTP server port (0 = OS-assigned random port)",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("TRUTHSTORE_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("TRUTHSTORE_DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain window in seconds",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("TRUTHSTORE_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},
		&cli.StringFlag{
			Name:        "default-project-id",
			Category:    "Server:",
			Sources:     cli.EnvVars("TRUTHSTORE_DEFAULT_PROJECT_ID"),
			Destination: &cfg.DefaultProjectID,
			Usage:       "Project id used when requests omit the X-Project-Id header",
		},

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("TRUTHSTORE_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Postgres connection URL (pgvector extension required)",
			Required:    true,
		},
		&cli.BoolFlag{
			Name:        "migrate-at-start",
			Category:    "Database:",
			Sources:     cli.EnvVars("TRUTHSTORE_MIGRATE_AT_START"),
			Destination: &cfg.MigrateAtStart,
			Value:       cfg.MigrateAtStart,
			Usage:       "Run datastore migrations on startup",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("TRUTHSTORE_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("TRUTHSTORE_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},

		// ── Embedding ─────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "embedding-kind",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("TRUTHSTORE_EMBEDDING_KIND"),
			Destination: &cfg.EmbedType,
			Value:       cfg.EmbedType,
			Usage:       "Embedding provider (" + strings.Join(registryembed.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "openai-api-key",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("TRUTHSTORE_OPENAI_API_KEY", "OPENAI_API_KEY"),
			Destination: &cfg.OpenAIAPIKey,
			Usage:       "OpenAI API key (embeddings and the primary LLM)",
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("TRUTHSTORE_EMBEDDING_MODEL"),
			Destination: &cfg.OpenAIModelName,
			Value:       cfg.OpenAIModelName,
			Usage:       "OpenAI embedding model name",
		},
		&cli.StringFlag{
			Name:        "openai-base-url",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("TRUTHSTORE_OPENAI_BASE_URL"),
			Destination: &cfg.OpenAIBaseURL,
			Value:       cfg.OpenAIBaseURL,
			Usage:       "OpenAI-compatible API base URL",
		},
		&cli.IntFlag{
			Name:        "embedding-dimensions",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("TRUTHSTORE_EMBEDDING_DIMENSIONS"),
			Destination: &cfg.OpenAIDimensions,
			Value:       cfg.OpenAIDimensions,
			Usage:       "Embedding dimensionality; must match the vector column",
		},

		// ── AI ────────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "ai-mode",
			Category:    "AI:",
			Sources:     cli.EnvVars("TRUTHSTORE_AI_MODE"),
			Destination: &cfg.AIMode,
			Value:       cfg.AIMode,
			Usage:       "LLM selection: auto|primary_llm|secondary_llm|simple",
		},
		&cli.StringFlag{
			Name:        "retrieval-model",
			Category:    "AI:",
			Sources:     cli.EnvVars("TRUTHSTORE_RETRIEVAL_MODEL"),
			Destination: &cfg.RetrievalModel,
			Value:       cfg.RetrievalModel,
			Usage:       "Model passed to the primary LLM provider",
		},
		&cli.StringFlag{
			Name:        "anthropic-api-key",
			Category:    "AI:",
			Sources:     cli.EnvVars("TRUTHSTORE_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY"),
			Destination: &cfg.AnthropicAPIKey,
			Usage:       "Anthropic API key (secondary LLM)",
		},
		&cli.StringFlag{
			Name:        "anthropic-model",
			Category:    "AI:",
			Sources:     cli.EnvVars("TRUTHSTORE_ANTHROPIC_MODEL"),
			Destination: &cfg.AnthropicModel,
			Value:       cfg.AnthropicModel,
			Usage:       "Model passed to the secondary LLM provider",
		},
		&cli.BoolFlag{
			Name:        "use-retrieval-expand",
			Category:    "AI:",
			Sources:     cli.EnvVars("TRUTHSTORE_USE_RETRIEVAL_EXPAND"),
			Destination: &cfg.UseRetrievalExpand,
			Value:       cfg.UseRetrievalExpand,
			Usage:       "Enable the LLM-expanded search pipeline",
		},
		&cli.IntFlag{
			Name:        "extraction-workers",
			Category:    "AI:",
			Sources:     cli.EnvVars("TRUTHSTORE_EXTRACTION_WORKERS"),
			Destination: &cfg.ExtractionWorkers,
			Value:       cfg.ExtractionWorkers,
			Usage:       "Bound on concurrent async claim-extraction tasks",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("TRUTHSTORE_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       "service=truthstore",
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}
