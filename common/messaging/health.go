package messaging

import "context"

// HealthChecker can check the health of a broker connection.
type HealthChecker interface {
	// CheckHealth returns nil if the connection is healthy, error otherwise.
	CheckHealth(ctx context.Context) error
}

// HealthStatus represents the health state of a broker connection.
type HealthStatus struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// CheckHealth reports the status of p when it supports health checks.
// Publishers without a health check are reported as connected.
func CheckHealth(ctx context.Context, p Publisher) HealthStatus {
	if p == nil {
		return HealthStatus{Error: "publisher is nil"}
	}
	hc, ok := p.(HealthChecker)
	if !ok {
		return HealthStatus{Connected: true}
	}
	if err := hc.CheckHealth(ctx); err != nil {
		return HealthStatus{Error: err.Error()}
	}
	return HealthStatus{Connected: true}
}
