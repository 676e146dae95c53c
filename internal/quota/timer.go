package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vireohq/creditmeter/internal/metrics"
)

const sweepBatchSize = 100

// Timer periodically sweeps for workspaces whose billing period has elapsed
// and resets their allowances. Resets are idempotent, so a missed or doubled
// tick is harmless.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates a new allowance-reset timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 1 * time.Hour
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) sweep(ctx context.Context) {
	timer := prometheus.NewTimer(metrics.ResetSweepDuration)
	defer timer.ObserveDuration()

	count, err := t.service.SweepResets(ctx, sweepBatchSize)
	if err != nil {
		t.logger.Warn("failed to sweep allowance resets", "error", err)
		return
	}
	if count > 0 {
		t.logger.Info("allowance resets processed", "count", count)
	}
}
