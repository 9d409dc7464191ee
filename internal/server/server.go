// Copyright 2025 ConectaBoi
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/conectaboi/go-feedsync/feedsync"
)

// Server assembles the sync engine handlers behind a chi router
type Server struct {
	service *feedsync.SyncService
	auth    *feedsync.JWTAuth
	logger  *slog.Logger
	router  *chi.Mux
}

// New creates a server wired with routing, request logging and recovery
func New(service *feedsync.SyncService, jwtAuth *feedsync.JWTAuth, logger *slog.Logger) *Server {
	s := &Server{
		service: service,
		auth:    jwtAuth,
		logger:  logger,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	handlers := feedsync.NewHTTPSyncHandlers(s.service, s.auth, s.logger)

	// Liveness, no auth required
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Post("/sync/upload", handlers.HandleUpload)
		r.Get("/sync/download", handlers.HandleDownload)
		r.Post("/sync/activity", handlers.HandleActivity)
		r.Get("/sync/device-status", handlers.HandleDeviceStatus)
	})

	return r
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
