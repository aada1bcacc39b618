package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/chirino/truthstore/internal/bus"
	"github.com/chirino/truthstore/internal/config"
	routeclaims "github.com/chirino/truthstore/internal/plugin/route/claims"
	routeevents "github.com/chirino/truthstore/internal/plugin/route/events"
	routememories "github.com/chirino/truthstore/internal/plugin/route/memories"
	routesystem "github.com/chirino/truthstore/internal/plugin/route/system"
	registryembed "github.com/chirino/truthstore/internal/registry/embed"
	registryllm "github.com/chirino/truthstore/internal/registry/llm"
	registrymigrate "github.com/chirino/truthstore/internal/registry/migrate"
	registryroute "github.com/chirino/truthstore/internal/registry/route"
	registrystore "github.com/chirino/truthstore/internal/registry/store"
	"github.com/chirino/truthstore/internal/security"
	"github.com/chirino/truthstore/internal/service"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config *config.Config
	Store  registrystore.Store
	Router *gin.Engine
	Bus    *bus.Bus

	// Port is the actual listening port; differs from Config.Port when 0
	// was configured.
	Port int

	httpSrv *http.Server
	claims  *service.Claims
}

// Shutdown gracefully drains in-flight requests and releases subsystems.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	if s.claims != nil {
		s.claims.Close()
	}
	return err
}

// StartServer initializes all subsystems and starts the HTTP server.
// Use cfg.Port=0 for a random port; the actual port is Server.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting truthstore",
		"port", cfg.Port,
		"embedding", cfg.EmbedType,
		"aiMode", cfg.AIMode,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Run migrations
	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// Initialize store
	storeLoader, err := registrystore.Select("postgres")
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	embedder := loadEmbedder(ctx, cfg)
	llm := loadLLM(ctx, cfg)

	eventBus := bus.New()
	extractor := service.NewExtractor(llm)
	claims, err := service.NewClaims(store)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize claim orchestrator: %w", err)
	}
	memories := service.NewMemories(store, eventBus, embedder, extractor, claims, cfg.ExtractionWorkers)
	retrieval := service.NewRetrieval(store, embedder, llm, cfg.UseRetrievalExpand)

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))

	// Management route plugins (/health, /ready, /metrics).
	for _, loader := range registryroute.ManagementRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load management routes: %w", err)
		}
	}
	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	// API routes share the project-resolution middleware.
	apiGroup := router.Group("/api/v1", security.ProjectMiddleware(cfg.DefaultProjectID))
	routememories.MountRoutes(apiGroup, memories, retrieval, store)
	routeclaims.MountRoutes(apiGroup, claims, store, embedder)
	routeevents.MountRoutes(apiGroup, eventBus)

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	httpSrv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	go func() {
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "err", err)
		}
	}()

	log.Info("Server listening", "port", port)
	routesystem.MarkReady()
	return &Server{
		Config:  cfg,
		Store:   store,
		Router:  router,
		Bus:     eventBus,
		Port:    port,
		httpSrv: httpSrv,
		claims:  claims,
	}, nil
}

// loadEmbedder resolves the configured embedder. A missing provider or key
// degrades to no embeddings rather than failing startup.
func loadEmbedder(ctx context.Context, cfg *config.Config) registryembed.Embedder {
	if cfg.EmbedType == "" || cfg.EmbedType == "none" {
		return nil
	}
	loader, err := registryembed.Select(cfg.EmbedType)
	if err != nil {
		log.Warn("Embedder not available", "kind", cfg.EmbedType, "err", err)
		return nil
	}
	embedder, err := loader(ctx)
	if err != nil {
		log.Warn("Failed to initialize embedder; memories will be stored without vectors", "err", err)
		return nil
	}
	return embedder
}

// loadLLM resolves the LLM caller per ai_mode: auto prefers the primary
// provider, then the secondary, then none.
func loadLLM(ctx context.Context, cfg *config.Config) registryllm.Caller {
	var names []string
	switch cfg.AIMode {
	case config.AIModePrimary:
		names = []string{"openai"}
	case config.AIModeSecondary:
		names = []string{"anthropic"}
	case config.AIModeSimple:
		return nil
	default:
		names = []string{"openai", "anthropic"}
	}
	for _, name := range names {
		loader, err := registryllm.Select(name)
		if err != nil {
			continue
		}
		caller, err := loader(ctx)
		if err != nil {
			log.Debug("LLM provider unavailable", "provider", name, "err", err)
			continue
		}
		log.Info("Using LLM provider", "provider", caller.Name())
		return caller
	}
	log.Info("No LLM configured; extraction and retrieval run in simple mode")
	return nil
}
