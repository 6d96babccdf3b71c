package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adconfirm/internal/middleware"
)

// HealthHandler responds with a simple status check.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// ReadyHandler reports whether Redis and the event database are reachable.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true
	if s.Store != nil {
		checks["redis"] = "ok"
		if err := s.Store.Ping(ctx); err != nil {
			middleware.LoggerFromRequest(r, s.Logger).Warn("redis not ready", zap.Error(err))
			checks["redis"] = err.Error()
			ready = false
		}
	}
	if s.EventsDB != nil {
		checks["events_db"] = "ok"
		if err := s.EventsDB.PingContext(ctx); err != nil {
			middleware.LoggerFromRequest(r, s.Logger).Warn("event database not ready", zap.Error(err))
			checks["events_db"] = err.Error()
			ready = false
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, checks)
}

// StatusHandler reports pool sizes, payout schedule and earnings.
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Account.Status(r.Context()))
}
