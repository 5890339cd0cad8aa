package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// healthTimeout bounds the readiness probe; a saturated pool must fail
// fast instead of queueing behind request traffic.
const healthTimeout = 2 * time.Second

// HealthChecker reports whether the gateway can still serve queries from
// its pool. Implements api.HealthChecker.
type HealthChecker struct {
	pool *pgxpool.Pool
}

// NewHealthChecker creates a health checker backed by the given pool.
func NewHealthChecker(pool *pgxpool.Pool) *HealthChecker {
	return &HealthChecker{pool: pool}
}

// HealthCheck runs a trivial query through the pool, verifying both that
// the database answers and that a connection can actually be acquired.
func (h *HealthChecker) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	var one int
	if err := h.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		stat := h.pool.Stat()
		return fmt.Errorf("postgres health query (conns %d/%d): %w",
			stat.AcquiredConns(), stat.MaxConns(), err)
	}
	return nil
}
