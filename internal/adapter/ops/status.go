package ops

import (
	"encoding/json"
	"net/http"
	"time"
)

// Status is the JSON body of GET /status.
type Status struct {
	Service       string     `json:"service"`
	Version       string     `json:"version"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	Shard         int        `json:"shard"`
	State         string     `json:"state"`
	SessionID     string     `json:"session_id,omitempty"`
	Seq           *int64     `json:"seq,omitempty"`
	LastAck       *time.Time `json:"last_heartbeat_ack,omitempty"`
	RESTBreaker   string     `json:"rest_breaker"`
	Healthy       bool       `json:"healthy"`
}

// StatusFunc snapshots the service status.
type StatusFunc func() Status

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Status != nil && !s.opts.Status().Healthy {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.opts.Status()
	w.Header().Set("Content-Type", "application/json")
	if !st.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(st); err != nil {
		s.logger.Debug("encode status", "error", err)
	}
}
