package quota

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vireohq/creditmeter/internal/plan"
)

func TestTimerSweepResetsDueWorkspaces(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.service.Consume(ctx, consumeReq("ws_t1", "user_1", plan.FeatureContentGeneration, "k1"))
	require.NoError(t, err)
	_, err = env.service.Consume(ctx, consumeReq("ws_t2", "user_1", plan.FeatureContentGeneration, "k1"))
	require.NoError(t, err)

	env.clock.Advance(32 * 24 * time.Hour)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	timer := NewTimer(env.service, time.Hour, logger)
	timer.sweep(ctx)

	for _, ws := range []string{"ws_t1", "ws_t2"} {
		ledger, err := env.store.GetLedger(ctx, ws)
		require.NoError(t, err)
		assert.Equal(t, 0, ledger.AllowanceUsed, ws)
	}
}

func TestTimerStartStop(t *testing.T) {
	env := newTestEnv(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	timer := NewTimer(env.service, 10*time.Millisecond, logger)

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	timer.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
}

func TestTimerStopsOnContextCancel(t *testing.T) {
	env := newTestEnv(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	timer := NewTimer(env.service, time.Hour, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop on cancel")
	}
}
