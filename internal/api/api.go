// Package api provides the HTTP surface for AtendeZap's scheduled message
// subsystem.
//
// It exposes RESTful endpoints for creating, updating and fetching
// scheduled messages. Authentication and authorization run upstream; the
// tenant is taken from the X-Company-ID header the gateway injects.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/atendezap/atendezap/internal/schedule"
	"github.com/atendezap/atendezap/internal/store"
)

// DefaultAddr is the default API listen address.
const DefaultAddr = ":8080"

// CompanyHeader carries the tenant ID, injected by the auth gateway.
const CompanyHeader = "X-Company-ID"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the API listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// Server serves the scheduled message HTTP API.
type Server struct {
	svc  *schedule.Service
	http *http.Server
}

// NewServer creates an API server over the scheduling service.
func NewServer(svc *schedule.Service, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	s := &Server{svc: svc}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route multiplexer; exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /scheduled-messages", s.handleCreate)
	mux.HandleFunc("GET /scheduled-messages/{id}", s.handleGet)
	mux.HandleFunc("PUT /scheduled-messages/{id}", s.handleUpdate)
	return mux
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	slog.Info("api.Server.Start: listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	companyID := r.Header.Get(CompanyHeader)
	if companyID == "" {
		writeError(w, http.StatusBadRequest, "missing "+CompanyHeader+" header")
		return
	}

	var req schedule.CreateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.CompanyID = companyID

	msg, err := s.svc.CreateSchedule(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	companyID := r.Header.Get(CompanyHeader)
	if companyID == "" {
		writeError(w, http.StatusBadRequest, "missing "+CompanyHeader+" header")
		return
	}

	msg, err := s.svc.GetSchedule(r.Context(), r.PathValue("id"), companyID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	companyID := r.Header.Get(CompanyHeader)
	if companyID == "" {
		writeError(w, http.StatusBadRequest, "missing "+CompanyHeader+" header")
		return
	}

	var patch schedule.UpdateSchedulePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := s.svc.UpdateSchedule(r.Context(), r.PathValue("id"), companyID, patch)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// writeServiceError maps service errors to HTTP status codes. Tenant
// mismatches are indistinguishable from missing records.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "scheduled message not found")
	case errors.Is(err, schedule.ErrAlreadyDelivered):
		writeError(w, http.StatusConflict, "scheduled message already delivered")
	case errors.Is(err, schedule.ErrInvalidScheduleTime), errors.Is(err, schedule.ErrInvalidBody):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("api: request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("api: response encoding failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
