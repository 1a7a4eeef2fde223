package messaging

import (
	"context"
	"errors"
	"time"
)

// Pinger is implemented by brokers that can measure a round trip to the server.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus represents the health state of a broker connection.
type HealthStatus struct {
	// Connected indicates if the client is connected.
	Connected bool `json:"connected"`

	// LatencyMs is the round-trip time for a health ping.
	LatencyMs int64 `json:"latency_ms"`

	// Error contains any error message if unhealthy.
	Error string `json:"error,omitempty"`
}

// Healthy reports whether the broker is usable.
func (s HealthStatus) Healthy() bool {
	return s.Connected && s.Error == ""
}

// CheckHealth checks a broker connection, pinging it when supported.
func CheckHealth(ctx context.Context, b Broker) HealthStatus {
	status := HealthStatus{}

	if b == nil {
		status.Error = "broker is nil"
		return status
	}

	status.Connected = b.IsConnected()
	if !status.Connected {
		status.Error = "not connected to message broker"
		return status
	}

	p, ok := b.(Pinger)
	if !ok {
		return status
	}

	start := time.Now()
	err := p.Ping(ctx)
	status.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		status.Error = "health check failed: " + err.Error()
	}
	return status
}

// Err returns the failure as an error, or nil when healthy.
func (s HealthStatus) Err() error {
	if s.Healthy() {
		return nil
	}
	return errors.New(s.Error)
}

// ReadinessCheck adapts CheckHealth to a /readyz check.
func ReadinessCheck(b Broker) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return CheckHealth(ctx, b).Err()
	}
}
