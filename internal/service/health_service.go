package service

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Health status constants
const (
	StatusHealthy      = "healthy"
	StatusDegraded     = "degraded"
	StatusUnhealthy    = "unhealthy"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusDisabled     = "disabled"
)

// Pinger is satisfied by *sql.DB
type Pinger interface {
	PingContext(ctx context.Context) error
}

// ActiveRuns reports the tasks executing in this process
type ActiveRuns interface {
	Active() []int64
}

// HealthStatus represents the overall health status of the application
type HealthStatus struct {
	Status     string            `json:"status"`
	Services   map[string]string `json:"services"`
	ActiveRuns []int64           `json:"active_runs,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Version    string            `json:"version,omitempty"`
}

// HealthChecker handles health check operations
type HealthChecker struct {
	db       Pinger
	queueURL string
	runs     ActiveRuns
	version  string
	dial     func(url string) (*amqp.Connection, error)
}

// NewHealthService creates a new HealthChecker. An empty queueURL reports
// the queue as disabled; runs may be nil when no pool runs in this process.
func NewHealthService(db Pinger, queueURL string, runs ActiveRuns, version string) *HealthChecker {
	return &HealthChecker{
		db:       db,
		queueURL: queueURL,
		runs:     runs,
		version:  version,
		dial:     amqp.Dial,
	}
}

// checkDatabase verifies PostgreSQL connectivity with a timeout
func (h *HealthChecker) checkDatabase(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		return StatusDisconnected
	}

	return StatusConnected
}

// checkQueue verifies RabbitMQ connectivity
func (h *HealthChecker) checkQueue() string {
	if h.queueURL == "" {
		return StatusDisabled
	}

	conn, err := h.dial(h.queueURL)
	if err != nil {
		return StatusDisconnected
	}
	defer conn.Close()

	return StatusConnected
}

// determineOverallStatus calculates the overall health status based on service statuses
func (h *HealthChecker) determineOverallStatus(services map[string]string) string {
	if services["database"] == StatusDisconnected {
		return StatusUnhealthy
	}

	if services["queue"] == StatusDisconnected {
		return StatusDegraded
	}

	return StatusHealthy
}

// CheckHealth performs health checks on all dependencies and returns the overall status
func (h *HealthChecker) CheckHealth(ctx context.Context) *HealthStatus {
	services := map[string]string{
		"database": h.checkDatabase(ctx),
		"queue":    h.checkQueue(),
	}

	status := &HealthStatus{
		Status:    h.determineOverallStatus(services),
		Services:  services,
		Timestamp: time.Now().UTC(),
		Version:   h.version,
	}
	if h.runs != nil {
		status.ActiveRuns = h.runs.Active()
	}

	return status
}
