// Package api implements the Core's own thin HTTP control surface: submit a
// scan, poll its status, and fetch its finished Report. This is distinct
// from the Non-goal "web upload UI", which remains an external
// collaborator (spec SPEC_FULL.md "[FULL] HTTP API surface").
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/qualys/dspm/internal/aiadapter"
	"github.com/qualys/dspm/internal/auth"
	"github.com/qualys/dspm/internal/config"
	"github.com/qualys/dspm/internal/pipeline"
	"github.com/qualys/dspm/internal/resultstore"
	"github.com/qualys/dspm/internal/scanner"
	"github.com/qualys/dspm/internal/scheduler"
	"github.com/qualys/dspm/internal/store"
)

// Server hosts the scan submission/status/report endpoints plus the
// background scheduler that drives periodic re-scans through the same
// Orchestrator.
type Server struct {
	cfg    *config.Config
	router *chi.Mux
	http   *http.Server
	logger *slog.Logger

	history *store.Store
	results *resultstore.Store

	authService *auth.Service

	orchestrator *pipeline.Orchestrator
	executor     *scanExecutor

	scheduler      *scheduler.Scheduler
	schedulerStore scheduler.Store
}

// ServerOption configures the server.
type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer wires the Orchestrator's dependencies (scanner, AI collaborator,
// result store, scan history store) from cfg and assembles the router.
func NewServer(ctx context.Context, cfg *config.Config, opts ...ServerOption) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	history, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing scan history store: %w", err)
	}
	s.history = history

	results, err := resultstore.New(ctx, resultstore.Config{
		RedisAddr:     cfg.Redis.Addr(),
		RedisPassword: cfg.Redis.Password,
		RedisDB:       cfg.Redis.DB,
		TTL:           cfg.Redis.TTL,
		S3Bucket:      cfg.S3.Bucket,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing result store: %w", err)
	}
	s.results = results

	s.authService = auth.NewService(auth.Config{
		JWTSecret:         cfg.Auth.JWTSecret,
		AccessTokenExpiry: cfg.Auth.AccessTokenExpiry,
		Issuer:            "dspm",
	})

	sc := scanner.New(scanner.Config{Workers: cfg.Scanner.Workers, IgnoredExtra: cfg.Scanner.IgnoredPathExtra})

	var collab pipeline.AICollaborator
	if cfg.AI.Enabled {
		adapter, err := aiadapter.New(ctx, aiadapter.Config{
			ModelID:     cfg.AI.ModelID,
			MaxTokens:   cfg.AI.MaxTokens,
			Temperature: cfg.AI.Temperature,
			Timeout:     cfg.AI.Timeout,
			MaxRetries:  cfg.AI.MaxRetries,
			TokenBudget: cfg.AI.TokenBudget,
		})
		if err != nil {
			s.logger.Warn("AI collaborator unavailable, continuing in deterministic-only mode", "error", err)
		} else {
			collab = adapter
		}
	}

	s.orchestrator = pipeline.New(
		s.logger,
		sc,
		collab,
		results,
		pipeline.NewSlogMetricsSink(s.logger),
		pipeline.Config{GlobalDeadline: cfg.Pipeline.GlobalDeadline},
	)
	s.executor = newScanExecutor(s.orchestrator, s.history, s.logger)

	s.schedulerStore = scheduler.NewPostgresStore(history.DB())
	s.scheduler = scheduler.NewScheduler(s.schedulerStore, s.logger)
	s.scheduler.RegisterHandler(scheduler.JobTypeScanProject, scheduler.ScanHandler(s.executor.runSync))

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(corsMiddleware)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.authService.Middleware)

		r.Route("/scans", func(r chi.Router) {
			r.Post("/", s.submitScan)
			r.Get("/{correlationID}", s.getScanStatus)
			r.Get("/{correlationID}/report", s.getScanReport)
		})
	})
}

// Run starts the scheduler and the HTTP listener and blocks until ctx is
// cancelled, then shuts both down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.scheduler.Start(ctx); err != nil {
		s.logger.Error("failed to start scheduler", "error", err)
	}

	if s.cfg.Scheduler.Enabled && s.cfg.Scheduler.ProjectPath != "" {
		job := &scheduler.Job{
			ID:          "config-rescan",
			Name:        "configured project re-scan",
			Description: "Periodic re-scan of the project_path declared in configuration",
			Schedule:    s.cfg.Scheduler.CronExpr,
			JobType:     scheduler.JobTypeScanProject,
			Config:      map[string]string{"project_path": s.cfg.Scheduler.ProjectPath},
			Enabled:     true,
		}
		if err := s.scheduler.EnsureJob(ctx, job); err != nil {
			s.logger.Warn("failed to register configured re-scan job", "error", err)
		}
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error:   &apiError{Code: code, Message: message},
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.history.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "db_unavailable", "scan history store not available")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
