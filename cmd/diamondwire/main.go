// Package main provides the entry point for DiamondWire, a threat
// intelligence correlation and ingestion engine. Mode "ingest" runs the
// configured feed sources through the pipeline once; mode "serve"
// exposes the read-only attribution query surface.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nlehoang/diamondwire/internal/api"
	"github.com/nlehoang/diamondwire/internal/config"
	"github.com/nlehoang/diamondwire/internal/correlate"
	"github.com/nlehoang/diamondwire/internal/feeds"
	"github.com/nlehoang/diamondwire/internal/ingest"
	"github.com/nlehoang/diamondwire/internal/kb"
	"github.com/nlehoang/diamondwire/internal/observability"
	"github.com/nlehoang/diamondwire/internal/rules"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	mode := flag.String("mode", "serve", "Run mode: serve or ingest")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("DiamondWire %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.DefaultConfig()
		} else {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
	}

	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting DiamondWire",
		zap.String("version", Version),
		zap.String("mode", *mode),
		zap.String("config", *configPath))

	// A store that cannot be opened at all is fatal at startup;
	// everything after this point is contained per batch or per query.
	store, err := kb.Open(cfg.Store.Path, logger)
	if err != nil {
		logger.Fatal("failed to open knowledge base", zap.Error(err))
	}
	defer store.Close()

	metrics := observability.NewMetrics()

	switch *mode {
	case "ingest":
		if err := runIngest(cfg, store, logger, metrics); err != nil {
			logger.Fatal("ingestion failed", zap.Error(err))
		}
	case "serve":
		if err := runServe(cfg, store, logger, metrics); err != nil {
			logger.Fatal("server failed", zap.Error(err))
		}
	default:
		logger.Fatal("unknown mode", zap.String("mode", *mode))
	}
}

func runIngest(cfg *config.Config, store *kb.Store, logger *zap.Logger, metrics *observability.Metrics) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var checkpoints feeds.CheckpointStore = feeds.NoopCheckpoints{}
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: os.Getenv(cfg.Redis.PasswordEnv),
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		checkpoints = feeds.NewRedisCheckpoints(client)
	}

	var sources []feeds.Source
	if cfg.Feeds.Attack.Enabled {
		sources = append(sources, feeds.NewAttackSource(feeds.AttackConfig{
			BundleURL: cfg.Feeds.Attack.BundleURL,
			Timeout:   cfg.Feeds.Attack.Timeout,
		}))
	}
	if cfg.Feeds.Tracker.Enabled {
		sources = append(sources, feeds.NewTrackerSource(feeds.TrackerConfig{
			BaseURL:   cfg.Feeds.Tracker.BaseURL,
			Adversary: cfg.Feeds.Tracker.Adversary,
			Timeout:   cfg.Feeds.Tracker.Timeout,
		}))
	}
	if cfg.Feeds.Pulse.Enabled {
		pulse, err := feeds.NewPulseSource(feeds.PulseConfig{
			BaseURL:    cfg.Feeds.Pulse.BaseURL,
			APIKeyEnv:  cfg.Feeds.Pulse.APIKeyEnv,
			PulseLimit: cfg.Feeds.Pulse.PulseLimit,
			Timeout:    cfg.Feeds.Pulse.Timeout,
		}, checkpoints)
		if err != nil {
			logger.Warn("pulse source disabled", zap.Error(err))
		} else {
			sources = append(sources, pulse)
		}
	}
	if cfg.Feeds.MISP.Enabled {
		misp, err := feeds.NewMISPSource(feeds.MISPConfig{
			BaseURL:    cfg.Feeds.MISP.BaseURL,
			APIKeyEnv:  cfg.Feeds.MISP.APIKeyEnv,
			EventLimit: cfg.Feeds.MISP.EventLimit,
			Timeout:    cfg.Feeds.MISP.Timeout,
		}, checkpoints)
		if err != nil {
			logger.Warn("misp source disabled", zap.Error(err))
		} else {
			sources = append(sources, misp)
		}
	}
	if len(sources) == 0 {
		return errors.New("no feed sources enabled")
	}

	pipeline := ingest.NewPipeline(store, ingest.WriterConfig{
		BatchSize:    cfg.Ingest.BatchSize,
		ChunkTimeout: cfg.Ingest.ChunkTimeout,
	}, logger, metrics)

	summaries := pipeline.Run(ctx, sources)
	for _, s := range summaries {
		logger.Info("source summary",
			zap.String("source", s.Source),
			zap.Int("committed", s.Committed),
			zap.Int("chunks_failed", s.ChunksFailed))
	}
	return nil
}

// app carries the serve-mode dependencies into the HTTP handlers.
type app struct {
	store      *kb.Store
	correlator *correlate.Correlator
	logger     *zap.Logger
	metrics    *observability.Metrics
}

func runServe(cfg *config.Config, store *kb.Store, logger *zap.Logger, metrics *observability.Metrics) error {
	a := &app{
		store:      store,
		correlator: correlate.New(store, logger, metrics),
		logger:     logger,
		metrics:    metrics,
	}

	limiter := api.NewRateLimiter(api.DefaultRateLimitConfig(), logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", a.handleHealth)
	r.Get("/ready", a.handleReady)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limiter.Middleware())
		r.Post("/correlate", a.handleCorrelate)
		r.Get("/stats", a.handleStats)
		r.Route("/adversaries/{name}", func(r chi.Router) {
			r.Get("/indicators", a.handleAdversaryIndicators)
			r.Get("/techniques", a.handleAdversaryTechniques)
			r.Get("/rules", a.handleAdversaryRules)
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": Version})
}

func (a *app) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// CorrelateRequest is the attribution query body.
type CorrelateRequest struct {
	Value      string   `json:"value"`
	Techniques []string `json:"techniques,omitempty"`
}

func (a *app) handleCorrelate(w http.ResponseWriter, r *http.Request) {
	var req CorrelateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Value == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "value is required"})
		return
	}

	result, err := a.correlator.Correlate(r.Context(), req.Value, req.Techniques)
	if err != nil {
		// A query failure is infrastructure, never "no match".
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *app) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.store.CountStats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *app) handleAdversaryIndicators(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	inds, err := a.store.IndicatorsByAdversary(r.Context(), name)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"adversary": name, "indicators": inds, "count": len(inds)})
}

func (a *app) handleAdversaryTechniques(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ts, err := a.store.TechniquesByAdversary(r.Context(), name)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"adversary": name, "techniques": ts, "count": len(ts)})
}

func (a *app) handleAdversaryRules(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	inds, err := a.store.IndicatorsByAdversary(r.Context(), name)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rules.Generate(name, inds, time.Now()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
