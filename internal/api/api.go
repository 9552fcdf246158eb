// Package api serves the auditchain REST API and live feed.
//
//   - POST /api/entities/{entityID}/changes   record one field change
//   - POST /api/entities/{entityID}/track     diff two snapshots, record audited fields
//   - GET  /api/entities/{entityID}/changes   page of the chain, unverified
//   - GET  /api/entities/{entityID}/chain     full chain plus verification
//   - GET  /api/entities/{entityID}/verify    verification only
//   - GET  /api/entities/{entityID}/export    jsonl, json or csv download
//   - GET  /api/actors/{actorID}/changes      changes made by one actor
//   - GET  /api/changes/recent                newest changes across entities
//   - GET  /api/statistics                    counts by field and actor
//   - GET  /api/ws                            live feed of records and alerts
//   - GET  /health
//
// Authentication happens upstream. The authenticated actor is passed in the
// X-Actor-ID and X-Actor-Email headers and is required for writes.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/assetledger/auditchain/internal/audit"
)

// Actor headers set by the upstream auth layer.
const (
	HeaderActorID    = "X-Actor-ID"
	HeaderActorEmail = "X-Actor-Email"
)

// Options holds the dependencies of the API server.
type Options struct {
	Service *audit.Service

	// Hub serves /api/ws. Nil disables the live feed.
	Hub *Hub

	// AllowedOrigins lists the CORS origins; empty disables CORS headers.
	AllowedOrigins []string
}

// Server is the HTTP front of an audit.Service.
type Server struct {
	svc    *audit.Service
	hub    *Hub
	router chi.Router
}

// New creates the API server and builds its routes.
func New(opts Options) *Server {
	s := &Server{svc: opts.Service, hub: opts.Hub}
	s.router = s.buildRouter(opts.AllowedOrigins)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter(origins []string) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", HeaderActorID, HeaderActorEmail},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/entities/{entityID}", func(r chi.Router) {
			r.Post("/changes", s.handleRecordChange)
			r.Post("/track", s.handleTrackChanges)
			r.Get("/changes", s.handleListChanges)
			r.Get("/chain", s.handleChain)
			r.Get("/verify", s.handleVerify)
			r.Get("/export", s.handleExport)
		})
		r.Get("/actors/{actorID}/changes", s.handleActorChanges)
		r.Get("/changes/recent", s.handleRecentChanges)
		r.Get("/statistics", s.handleStatistics)

		if s.hub != nil {
			r.Handle("/ws", s.hub)
		}
	})

	return r
}

// requestLogger logs one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
