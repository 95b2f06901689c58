package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
)

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Healthy           bool      `json:"healthy"`
	CheckedAt         time.Time `json:"checked_at"`
	NATSConnected     *bool     `json:"nats_connected,omitempty"`
	DatabaseConnected *bool     `json:"database_connected,omitempty"`
	LiveSessions      int       `json:"live_sessions"`
	Connections       int       `json:"connections"`
	Errors            []string  `json:"errors"`
}

// HealthChecker reports on the gateway's dependencies. Unset dependencies
// are left out of the report.
type HealthChecker struct {
	db       *sql.DB
	natsConn *nats.Conn
	timeout  time.Duration
}

func NewHealthChecker(db *sql.DB, natsConn *nats.Conn) *HealthChecker {
	return &HealthChecker{db: db, natsConn: natsConn, timeout: 2 * time.Second}
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{Healthy: true, Errors: []string{}}

	if h.natsConn != nil {
		connected := h.natsConn.IsConnected()
		status.NATSConnected = &connected
		if !connected {
			status.Healthy = false
			status.Errors = append(status.Errors, "NATS disconnected")
		}
	}

	if h.db != nil {
		pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		connected := true
		if err := h.db.PingContext(pingCtx); err != nil {
			connected = false
			status.Healthy = false
			status.Errors = append(status.Errors, fmt.Sprintf("database ping failed: %v", err))
		}
		status.DatabaseConnected = &connected
	}
	return status
}

// SetHealthChecker replaces the default checker, which only reports local
// counts.
func (s *Service) SetHealthChecker(h *HealthChecker) {
	s.mu.Lock()
	s.health = h
	s.mu.Unlock()
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	checker := s.health
	live := len(s.hosts)
	s.mu.Unlock()

	status := HealthStatus{Healthy: true, Errors: []string{}}
	if checker != nil {
		status = checker.Check(r.Context())
	}
	status.CheckedAt = s.clock.Now().UTC()
	status.LiveSessions = live
	status.Connections = s.connections.Stats().TotalConnections

	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
