// Package server implements the HTTP surface: WebFinger discovery,
// registration, object and collection serving, and the inbox/outbox
// endpoints feeding the activity pipeline.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/onepagepub/onepagepub/internal/ap"
	"github.com/onepagepub/onepagepub/internal/config"
)

const (
	activityJSONType = `application/activity+json; charset=utf-8`
	jrdJSONType      = `application/jrd+json; charset=utf-8`

	// maxBodySize bounds inbox/outbox request bodies.
	maxBodySize = 1 << 20
)

// Server is the main HTTP server.
type Server struct {
	cfg      *config.Config
	store    ap.Store
	registry *ap.Registry
	engine   *ap.Engine
	authz    *ap.Authorizer
	router   *chi.Mux
}

// New creates a new Server.
func New(cfg *config.Config, store ap.Store, registry *ap.Registry, engine *ap.Engine, authz *ap.Authorizer) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		registry: registry,
		engine:   engine,
		authz:    authz,
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the HTTP server until ctx is cancelled. TLS is enabled when
// both cert and key paths are configured.
func (s *Server) Start(ctx context.Context) {
	addr := ":" + s.cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	var err error
	if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
		slog.Info("starting HTTPS server", "addr", addr, "host", s.cfg.Host)
		err = srv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	} else {
		slog.Info("starting HTTP server", "addr", addr, "host", s.cfg.Host)
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/api/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	r.Get("/.well-known/webfinger", s.handleWebFinger)

	r.Get("/register", s.handleRegisterForm)
	r.Post("/register", s.handleRegister)

	r.Get("/", s.handleRoot)

	r.Get("/orderedcollection/{id}", s.handleCollection)
	r.Get("/orderedcollectionpage/{id}", s.handleCollectionPage)
	r.Post("/orderedcollection/{id}", s.handleCollectionPost)

	// Every minted IRI is base + "/" + lowercase type + "/" + token, so one
	// generic handler serves persons, keys, notes, activities and the rest.
	r.Get("/{type}/{id}", s.handleObject)

	return r
}

// handleRoot serves the fixed root Service object.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	apResponse(w, ap.WithContext(ap.Object{
		"id":   s.cfg.BaseURL(""),
		"type": "Service",
		"name": "One Page Pub",
	}), http.StatusOK)
}

// viewer resolves the optional bearer token to the authenticated actor.
// A missing Authorization header yields the anonymous viewer.
func (s *Server) viewer(r *http.Request) (string, ap.Object, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", nil, nil
	}
	token, ok := cutBearer(auth)
	if !ok {
		return "", nil, fmt.Errorf("unsupported authorization scheme: %w", ap.ErrUnauthorized)
	}
	actor, _, err := s.registry.AuthByToken(r.Context(), token)
	if err != nil {
		return "", nil, err
	}
	return actor.ID(), actor, nil
}

func cutBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return "", false
	}
	return header[len(prefix):], true
}

// ─── Responses and middleware ─────────────────────────────────────────────────

func apResponse(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", activityJSONType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode AP response", "error", err)
	}
}

func jsonResponse(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// errorResponse maps pipeline error kinds onto HTTP statuses. Tombstone
// reads do not come through here; they return 410 with the tombstone body.
func errorResponse(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ap.ErrBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, ap.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, ap.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, ap.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ap.ErrGone):
		status = http.StatusGone
	case errors.Is(err, ap.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, ap.ErrUpstream):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="onepagepub"`)
	}
	http.Error(w, http.StatusText(status), status)
}

// loggingMiddleware logs each HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

// corsMiddleware adds CORS headers for fediverse client compatibility.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
