// Package server hosts the health, metrics, and admin endpoints for depositd.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"vaultgate/services/depositd/storage"
	"vaultgate/services/depositd/sweep"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
}

// QueueReporter exposes the pool state for the status endpoint.
type QueueReporter interface {
	Depths() []int
}

// Server hosts the admin surface.
type Server struct {
	cfg     Config
	store   *storage.Storage
	queues  QueueReporter
	sweeper *sweep.Service
	auth    *Authenticator
	logger  *slog.Logger
}

// New constructs the server.
func New(cfg Config, store *storage.Storage, queues QueueReporter, sweeper *sweep.Service, auth *Authenticator, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("storage required")
	}
	if auth == nil {
		return nil, fmt.Errorf("admin authenticator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, store: store, queues: queues, sweeper: sweeper, auth: auth, logger: logger}, nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", otelhttp.NewHandler(http.HandlerFunc(s.handleHealth), "depositd.health"))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/admin/status", otelhttp.NewHandler(s.requireAdmin(http.HandlerFunc(s.handleStatus)), "depositd.status"))
	mux.Handle("/admin/deposits/unidentified", otelhttp.NewHandler(s.requireAdmin(http.HandlerFunc(s.handleUnidentified)), "depositd.unidentified"))
	mux.Handle("/admin/sweeps/retry", otelhttp.NewHandler(s.requireAdmin(http.HandlerFunc(s.handleSweepRetry)), "depositd.sweep_retry"))
	mux.Handle("/admin/sweeps/pause", otelhttp.NewHandler(s.requireAdmin(http.HandlerFunc(s.handleSweepPause)), "depositd.sweep_pause"))
	mux.Handle("/admin/sweeps/resume", otelhttp.NewHandler(s.requireAdmin(http.HandlerFunc(s.handleSweepResume)), "depositd.sweep_resume"))
	return mux
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{Addr: s.cfg.ListenAddress, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", "address", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	if s.auth == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
		})
	}
	return s.auth.Middleware(next)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	unidentified, err := s.store.Unidentified(r.Context())
	if err != nil {
		s.logger.Error("unidentified query failed", "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	initiated, err := s.store.SweepsInState(r.Context(), storage.SweepInitiated)
	if err != nil {
		s.logger.Error("sweep state query failed", "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	failed, err := s.store.SweepsInState(r.Context(), storage.SweepFailed)
	if err != nil {
		s.logger.Error("sweep state query failed", "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	status := map[string]any{
		"unidentified_deposits": len(unidentified),
		"sweeps_initiated":      len(initiated),
		"sweeps_failed":         len(failed),
		"sweeps_paused":         s.sweeper.Paused(),
	}
	if s.queues != nil {
		status["queue_depths"] = s.queues.Depths()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (s *Server) handleUnidentified(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	events, err := s.store.Unidentified(r.Context())
	if err != nil {
		s.logger.Error("unidentified query failed", "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	type entry struct {
		TxID        string `json:"tx_id"`
		FromAddress string `json:"from_address"`
		ToAddress   string `json:"to_address"`
		Amount      string `json:"amount"`
		BlockNumber uint64 `json:"block_number"`
		BlockTime   string `json:"block_time"`
	}
	out := make([]entry, 0, len(events))
	for _, ev := range events {
		out = append(out, entry{
			TxID:        ev.TxID,
			FromAddress: ev.FromAddress,
			ToAddress:   ev.ToAddress,
			Amount:      ev.Amount.String(),
			BlockNumber: ev.BlockNumber,
			BlockTime:   ev.BlockTime.UTC().Format(time.RFC3339),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"deposits": out})
}

func (s *Server) handleSweepRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.sweeper == nil {
		http.Error(w, "sweeps unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := s.sweeper.RetryFailed(r.Context()); err != nil {
		s.logger.Error("sweep retry failed", "error", err)
		http.Error(w, "sweep retry failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSweepPause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.sweeper == nil {
		http.Error(w, "sweeps unavailable", http.StatusServiceUnavailable)
		return
	}
	s.sweeper.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSweepResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.sweeper == nil {
		http.Error(w, "sweeps unavailable", http.StatusServiceUnavailable)
		return
	}
	s.sweeper.Resume()
	w.WriteHeader(http.StatusNoContent)
}
