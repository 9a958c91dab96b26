package monitoring

import (
	"context"
	"fmt"
	"time"

	"meshcall/pkg/circuitbreaker"
)

// AddStoreCheck adds a check backed by a store ping, such as
// RepositoryFactory.HealthCheck.
func (h *HealthChecker) AddStoreCheck(name string, ping func(ctx context.Context) error, interval, timeout time.Duration) {
	h.AddCheck(name, ping, interval, timeout)
}

// AddBreakerCheck reports unhealthy while the breaker is open.
func (h *HealthChecker) AddBreakerCheck(name string, state func() circuitbreaker.State, interval time.Duration) {
	h.AddCheck(name, func(ctx context.Context) error {
		if s := state(); s == circuitbreaker.StateOpen {
			return fmt.Errorf("circuit breaker %s", s)
		}
		return nil
	}, interval, time.Second)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}
