// Package api exposes the HTTP/JSON interface under /v1.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/qcfabric/qcfabric/internal/metrics"
	"github.com/qcfabric/qcfabric/internal/storage"
)

// Server serves the HTTP API over a storage backend
type Server struct {
	store         storage.Storage
	maxClaimLimit int
	maxReturnSize int
	log           zerolog.Logger
	httpServer    *http.Server
}

// NewServer builds the API server
func NewServer(store storage.Storage, listenAddr string, maxClaimLimit, maxReturnSize int, logger zerolog.Logger) *Server {
	s := &Server{
		store:         store,
		maxClaimLimit: maxClaimLimit,
		maxReturnSize: maxReturnSize,
		log:           logger,
	}
	s.httpServer = &http.Server{
		Addr:              listenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the chi route tree
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/records/{type}", s.handleAddRecords)
		r.Get("/records/{id}", s.handleGetRecord)
		r.Post("/records/query", s.handleQueryRecords)
		r.Patch("/records", s.handleModifyRecords)

		r.Post("/tasks/claim", s.handleClaimTasks)
		r.Post("/tasks/return", s.handleReturnTasks)

		r.Post("/managers/activate", s.handleActivateManager)
		r.Post("/managers/heartbeat", s.handleManagerHeartbeat)
		r.Post("/managers/deactivate", s.handleDeactivateManager)
		r.Get("/managers/{name}", s.handleGetManager)

		r.Post("/molecules", s.handleAddMolecules)
		r.Get("/molecules/{id}", s.handleGetMolecule)

		r.Get("/outputs/{id}", s.handleGetOutput)
	})
	return r
}

// ListenAndServe runs the HTTP server until the context is cancelled
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.httpServer.Addr).Msg("api listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorBody is the JSON shape of every error response
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// respondError maps the sentinel wrapped in err to an HTTP status
func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "internal"
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, storage.ErrAlreadyExists):
		status, kind = http.StatusConflict, "already_exists"
	case errors.Is(err, storage.ErrInvalidTransition):
		status, kind = http.StatusConflict, "invalid_transition"
	case errors.Is(err, storage.ErrLimitExceeded):
		status, kind = http.StatusBadRequest, "limit_exceeded"
	case errors.Is(err, storage.ErrForbidden):
		status, kind = http.StatusForbidden, "forbidden"
	case errors.Is(err, errBadRequest):
		status, kind = http.StatusBadRequest, "bad_request"
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	s.respond(w, status, errorBody{Error: err.Error(), Kind: kind})
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.log.Error().Err(err).Msg("failed to encode response")
		}
	}
}

// errBadRequest marks malformed client input
var errBadRequest = errors.New("bad request")

func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, errors.Join(errBadRequest, err)
	}
	return id, nil
}
