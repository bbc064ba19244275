package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teguhsant/pasarwa/internal/metrics"
	"github.com/teguhsant/pasarwa/internal/redis"
)

// budgetKey is the shared counter identity: one budget for the whole
// upstream API, across every worker and process.
const budgetKey = "wa:outbound"

// RateBudget enforces the vendor's hard call ceilings across all workers.
// Both windows live in Redis sliding-window counters and are checked and
// consumed in one atomic script, so concurrent workers in separate
// processes draw from the same budget, a race can never silently exceed a
// ceiling, and a denial by one window never strands a slot in the other.
type RateBudget struct {
	client  *redis.Client
	windows []redis.WindowSpec
	logger  *zap.Logger
}

// BudgetConfig holds the two ceilings.
type BudgetConfig struct {
	PerSecond int
	PerMinute int
}

// NewRateBudget creates the shared outbound budget.
func NewRateBudget(client *redis.Client, logger *zap.Logger, cfg BudgetConfig) *RateBudget {
	return &RateBudget{
		client: client,
		windows: []redis.WindowSpec{
			{Key: budgetKey + ":second", Limit: cfg.PerSecond, Window: time.Second},
			{Key: budgetKey + ":minute", Limit: cfg.PerMinute, Window: time.Minute},
		},
		logger: logger,
	}
}

// Acquire consumes one send slot if both windows have capacity. Returns
// false without consuming from either window when one is exhausted.
func (b *RateBudget) Acquire(ctx context.Context) (bool, error) {
	result, err := redis.AllowWindows(ctx, b.client, 1, b.windows...)
	if err != nil {
		return false, err
	}
	return result.Allowed, nil
}

// Wait blocks until a send slot is available or ctx is done. Exhausted
// capacity is a deferral, never an error: excess attempts delay rather
// than drop.
func (b *RateBudget) Wait(ctx context.Context) error {
	ok, err := b.Acquire(ctx)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	metrics.RecordRateDeferral()
	b.logger.Debug("outbound send deferred by rate budget")

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ok, err := b.Acquire(ctx)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
	}
}
