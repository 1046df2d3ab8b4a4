package ticker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type countingWorker struct {
	ticks atomic.Int64
}

func (w *countingWorker) Tick() {
	w.ticks.Add(1)
}

func TestTicker_FiresAllWorkersEveryPeriod(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w1, w2 := &countingWorker{}, &countingWorker{}
	tk := New(clock, time.Second, w1, w2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tk.Run(ctx)
		close(done)
	}()

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	clock.BlockUntil(1)
	clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		return w1.ticks.Load() == 2 && w2.ticks.Load() == 2
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestTicker_StopsOnContextCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w := &countingWorker{}
	tk := New(clock, time.Second, w)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tk.Run(ctx)
		close(done)
	}()

	clock.BlockUntil(1)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
