// Package api binds spec §6's Task API, Worker API, and PM API
// operations to net/http, using github.com/go-chi/chi/v5 for routing
// and github.com/rs/cors for CORS — the same pairing the
// hugo-lorenzo-mato-quorum-ai example uses for its own internal control
// API. The package is intentionally thin: it validates just enough to
// route a request to the right repository/state-machine/registry call
// and translate the result (or typed error) into a JSON response;
// request schema validation, auth beyond bearer-token lookup, and
// OpenAPI generation are out of scope.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/forgefleet/conductor/internal/logx"
	"github.com/forgefleet/conductor/internal/registry"
	"github.com/forgefleet/conductor/internal/statemachine"
	"github.com/forgefleet/conductor/internal/supervisor"
	"github.com/forgefleet/conductor/internal/taskrepo"
	"github.com/forgefleet/conductor/internal/workeragent"
)

// Server binds the Task/Worker/PM API operations to HTTP handlers.
type Server struct {
	repo *taskrepo.Repository
	reg  registry.Registry
	sm   *statemachine.Machine
	sup  *supervisor.Supervisor

	router chi.Router
}

// NewServer builds a Server. sup may be nil for deployments that do not
// expose the PM API (e.g. a read-only dashboard instance).
func NewServer(repo *taskrepo.Repository, reg registry.Registry, sm *statemachine.Machine, sup *supervisor.Supervisor) *Server {
	s := &Server{repo: repo, reg: reg, sm: sm, sup: sup}
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))
	r.Use(s.loggingMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/projects/{projectID}/tasks", func(r chi.Router) {
			r.Post("/", s.handleCreateTask)
			r.Get("/", s.handleListProjectTasks)
			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Patch("/", s.handleUpdateTask)
				r.Post("/transition", s.handleTransitionTask)
			})
		})

		r.Route("/workers", func(r chi.Router) {
			r.Post("/register", s.handleRegisterWorker)
			r.Get("/", s.handleListWorkers)
			r.Route("/{workerID}", func(r chi.Router) {
				r.Post("/heartbeat", s.handleHeartbeat)
				r.Delete("/", s.handleDeregisterWorker)
			})
		})

		if s.sup != nil {
			r.Route("/projects/{projectID}/pm", func(r chi.Router) {
				r.Post("/start", s.handlePMStart)
				r.Post("/pause", s.handlePMPause)
				r.Get("/status", s.handlePMStatus)
				r.Post("/queue-next", s.handlePMQueueNext)
				r.Post("/promote-waiting", s.handlePMPromoteWaiting)
			})
		}
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			logx.Info(logx.CatAPI, "http request",
				"method", r.Method, "path", r.URL.Path,
				"status", ww.Status(), "duration", time.Since(start).String())
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			logx.ErrorErr(logx.CatAPI, "encode response", err)
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// ListenAndServe starts the HTTP server at addr, shutting down
// gracefully when ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logx.Info(logx.CatAPI, "starting API server", "addr", addr)
	return srv.ListenAndServe()
}

// heartbeatInterval is advertised to workers at registration time.
const heartbeatInterval = workeragent.HeartbeatInterval
