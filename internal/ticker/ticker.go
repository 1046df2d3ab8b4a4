// Package ticker implements the one-second periodic wakeup shared by the
// ARP cache and NAT table background workers (spec §4/§5, component C6).
//
// It is a deliberately small relative of
// client/doublezerod/internal/liveness's heap-based EventQueue: that
// scheduler exists because BFD sessions each want their own independent
// TX/detect deadlines, so a priority heap pays for itself. Here every
// consumer wants exactly the same one-second cadence, so a single
// clockwork-driven loop broadcasting to subscribers is the simpler fit.
package ticker

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Worker is something that wants to run one pass per tick.
type Worker interface {
	Tick()
}

// Ticker drives a set of Workers once per second until its context is
// canceled. Shutdown lets any in-flight pass complete before returning
// (spec §5's cancellation rule).
type Ticker struct {
	clock   clockwork.Clock
	period  time.Duration
	workers []Worker
}

// New constructs a Ticker over the given workers, firing every period.
func New(clock clockwork.Clock, period time.Duration, workers ...Worker) *Ticker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Ticker{clock: clock, period: period, workers: workers}
}

// Run blocks, invoking every worker's Tick once per period, until ctx is
// canceled.
func (t *Ticker) Run(ctx context.Context) {
	tkr := t.clock.NewTicker(t.period)
	defer tkr.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tkr.Chan():
			for _, w := range t.workers {
				w.Tick()
			}
		}
	}
}
