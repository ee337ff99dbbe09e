// Package server exposes the REST and SSE surface: auth, documents, query,
// comparison, and memory endpoints behind the identity gateway.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/parchment-ai/ragserver/internal/auth"
	"github.com/parchment-ai/ragserver/internal/config"
	"github.com/parchment-ai/ragserver/internal/generation"
	"github.com/parchment-ai/ragserver/internal/graphstore"
	"github.com/parchment-ai/ragserver/internal/ingestion"
	"github.com/parchment-ai/ragserver/internal/kvstore"
	"github.com/parchment-ai/ragserver/internal/memory"
	"github.com/parchment-ai/ragserver/internal/migration"
	"github.com/parchment-ai/ragserver/internal/retrieval"
	"github.com/parchment-ai/ragserver/internal/vectorstore"
	"github.com/parchment-ai/ragserver/internal/workflow"
)

// Deps bundles everything the handlers need.
type Deps struct {
	Config      *config.Config
	Gateway     *auth.Gateway
	Tokens      *auth.TokenManager
	KV          *kvstore.Store
	Graph       graphstore.GraphStore
	Vectors     vectorstore.VectorStore
	Ingestor    *ingestion.Ingestor
	Retriever   *retrieval.Retriever
	Generator   *generation.Generator
	Memories    *memory.Store
	Migrator    *migration.Migrator
	Comparisons *workflow.Workflow
	Logger      *slog.Logger
}

// Server is the HTTP server.
type Server struct {
	Deps
	httpServer *http.Server
	router     *chi.Mux
}

// New creates the server and mounts all routes.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Server{Deps: deps}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(echoRequestID)
	router.Use(requestLoggingMiddleware(deps.Logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(deps.Config.AllowedOrigins))

	router.Get("/healthz", s.handleHealth)
	router.Get("/readyz", s.handleReady)

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.Gateway.Middleware)

		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)
		r.With(auth.RequireAuthenticated).Post("/auth/logout", s.handleLogout)

		r.Post("/documents/upload", s.handleUpload)
		r.Get("/documents", s.handleListDocuments)
		r.Get("/documents/{id}", s.handleGetDocument)
		r.Get("/documents/{id}/status", s.handleDocumentStatus)
		r.Get("/documents/{id}/summary", s.handleDocumentSummary)
		r.Delete("/documents/{id}", s.handleDeleteDocument)

		r.Post("/query", s.handleQuery)
		r.Post("/query/stream", s.handleQueryStream)
		r.With(auth.RequireAuthenticated).Post("/compare", s.handleCompare)

		r.Get("/memory", s.handleListMemory)
		r.Post("/memory", s.handleAddMemory)
		r.Delete("/memory/{id}", s.handleDeleteMemory)

		r.Route("/admin/memory/shared", func(ar chi.Router) {
			ar.Use(auth.RequireAdmin)
			ar.Get("/", s.handleListSharedMemory)
			ar.Post("/", s.handleAddSharedMemory)
			ar.Delete("/{id}", s.handleDeleteSharedMemory)
		})
	})

	s.router = router
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", deps.Config.HTTPPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // streaming responses
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Router returns the chi router, used by tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.Logger.Info("starting HTTP server", "address", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("shutting down HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady pings every backing store; any failure reports unready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]error{
		"graph":  s.Graph.Ping(ctx),
		"vector": s.Vectors.Ping(ctx),
		"kv":     s.KV.Ping(ctx),
	}
	status := map[string]string{}
	ready := true
	for name, err := range checks {
		if err != nil {
			ready = false
			status[name] = err.Error()
		} else {
			status[name] = "ok"
		}
	}
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"ready": ready, "checks": status})
}

// echoRequestID surfaces the correlation id to the client so error reports
// can be matched against logs.
func echoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set("X-Request-ID", id)
		}
		next.ServeHTTP(w, r)
	})
}

func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token, X-Request-ID")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
