// Package frontend is the HTTP and WebSocket surface: catalog CRUD, manual
// and URL-triggered execution, run history, live event streaming and user
// management.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"

	"github.com/pysched/pysched/internal/config"
	"github.com/pysched/pysched/internal/engine"
	"github.com/pysched/pysched/internal/envmgr"
	"github.com/pysched/pysched/internal/eventbus"
	"github.com/pysched/pysched/internal/logger"
	"github.com/pysched/pysched/internal/logger/tag"
	"github.com/pysched/pysched/internal/runqueue"
	"github.com/pysched/pysched/internal/scheduler"
	"github.com/pysched/pysched/internal/store"
)

// Server wires the HTTP surface to the platform's subsystems.
type Server struct {
	cfg    *config.Config
	store  *store.Store
	engine *engine.Engine
	queue  *runqueue.Queue
	sched  *scheduler.Scheduler
	envs   *envmgr.Manager
	bus    *eventbus.Bus

	httpServer *http.Server
	limiter    *rateLimiter
}

// New assembles the server around its collaborators.
func New(cfg *config.Config, st *store.Store, eng *engine.Engine, queue *runqueue.Queue,
	sched *scheduler.Scheduler, envs *envmgr.Manager, bus *eventbus.Bus) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		engine:  eng,
		queue:   queue,
		sched:   sched,
		envs:    envs,
		bus:     bus,
		limiter: newRateLimiter(120, time.Minute),
	}
}

// Handler builds the full route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RedirectSlashes)
	r.Use(httplog.RequestLogger(httplog.NewLogger("pysched", httplog.Options{
		LogLevel: slog.LevelInfo,
		Concise:  true,
	})))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if s.cfg.RateLimitEnabled {
		r.Use(s.limiter.middleware)
	}

	r.Get("/api/health", s.handleHealth)

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/register", s.handleRegister)
		r.Get("/timezones", s.handleTimezones)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Get("/me", s.handleMe)
			r.Put("/me", s.handleUpdateMe)
			r.Get("/users", s.handleListUsers)
			r.Delete("/users/{id}", s.handleDeleteUser)
		})
	})

	// URL-triggered execution authenticates with the API key, not a session.
	r.Post("/api/scripts/trigger/{slug}", s.handleTriggerBySlug)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Route("/api/scripts", func(r chi.Router) {
			r.Get("/", s.handleListScripts)
			r.Post("/", s.handleCreateScript)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetScript)
				r.Put("/", s.handleUpdateScript)
				r.Delete("/", s.handleDeleteScript)
				r.Put("/content", s.handleUpdateScriptContent)
				r.Post("/execute", s.handleExecuteScript)
				r.Post("/stop", s.handleStopScript)
				r.Get("/venv-info", s.handleVenvInfo)
				r.Post("/venv-rebuild", s.handleVenvRebuild)
			})
		})

		r.Route("/api/folders", func(r chi.Router) {
			r.Get("/", s.handleListFolders)
			r.Post("/", s.handleCreateFolder)
			r.Put("/{id}", s.handleUpdateFolder)
			r.Delete("/{id}", s.handleDeleteFolder)
		})

		r.Route("/api/triggers", func(r chi.Router) {
			r.Get("/", s.handleListTriggers)
			r.Post("/", s.handleCreateTrigger)
			r.Post("/validate-cron", s.handleValidateCron)
			r.Get("/upcoming", s.handleUpcoming)
			r.Put("/{id}", s.handleUpdateTrigger)
			r.Delete("/{id}", s.handleDeleteTrigger)
			r.Post("/{id}/toggle", s.handleToggleTrigger)
		})

		r.Route("/api/executions", func(r chi.Router) {
			r.Get("/", s.handleListRecords)
			r.Get("/stats", s.handleStats)
			r.Get("/queue", s.handleQueueStatus)
			r.Post("/cleanup", s.handleCleanup)
			r.Delete("/script/{id}", s.handleDeleteScriptRecords)
			r.Get("/{id}", s.handleGetRecord)
			r.Delete("/{id}", s.handleDeleteRecord)
		})

		r.Route("/api/settings", func(r chi.Router) {
			r.Get("/", s.handleListSettings)
			r.Put("/", s.handleUpdateSettings)
		})
	})

	r.Get("/ws", s.handleWebSocket)

	return r
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info(ctx, "HTTP server listening", tag.Addr(addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "HTTP server error", tag.Error(err))
		}
	}()
	return nil
}

// Stop drains in-flight requests with a bounded grace period.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	logger.Info(ctx, "Stopping HTTP server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}
