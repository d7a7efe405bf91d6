package controller

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/SwayamMehta10/AuthRecall/internal/accounts"
)

// RunPeriodic runs a bidirectional sync now and then every sync interval
// (with jitter) until ctx is done. Cycles are skipped while sync is
// inactive.
func (c *Controller) RunPeriodic(ctx context.Context) error {
	c.periodicCycle(ctx)
	timer := time.NewTimer(jitteredIntervalWithSample(c.syncInterval, c.syncJitter, rand.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("periodic sync stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-timer.C:
			c.periodicCycle(ctx)
			timer.Reset(jitteredIntervalWithSample(c.syncInterval, c.syncJitter, rand.Float64()))
		}
	}
}

func (c *Controller) periodicCycle(ctx context.Context) {
	settings, err := c.Settings(ctx)
	if err != nil {
		c.logger.Warn("periodic sync settings unavailable", "error", err)
		return
	}
	if !settings.Active() {
		return
	}
	result := c.BidirectionalSync(ctx)
	if !result.Success {
		c.logger.Warn("periodic sync failed", "error", result.Error)
	}
}

// WatchStore publishes a reload notice whenever another process rewrites
// the store. Backends that cannot be watched return immediately.
func (c *Controller) WatchStore(ctx context.Context) error {
	watcher, ok := c.store.Backend().(accounts.Watcher)
	if !ok {
		return nil
	}
	return watcher.Watch(ctx, func() {
		c.publish(Notice{Type: NoticeStoreReloaded})
	})
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
