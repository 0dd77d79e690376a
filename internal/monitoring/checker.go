package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Checker runs the stuck-file sweep and alert checks in the background.
type Checker struct {
	reader   *Reader
	sweeper  *Sweeper
	alerter  *Alerter
	interval time.Duration
	lookback time.Duration
}

// NewChecker creates a background checker. interval <= 0 defaults to five
// minutes and lookback <= 0 to 24 hours.
func NewChecker(reader *Reader, sweeper *Sweeper, alerter *Alerter, interval, lookback time.Duration) *Checker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return &Checker{
		reader:   reader,
		sweeper:  sweeper,
		alerter:  alerter,
		interval: interval,
		lookback: lookback,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting checker",
		zap.Duration("interval", c.interval),
		zap.Duration("lookback", c.lookback),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check runs one sweep followed by one alert evaluation and returns the
// number of alerts sent.
func (c *Checker) Check(ctx context.Context) int {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	if c.sweeper != nil {
		if _, err := c.sweeper.Sweep(ctx); err != nil {
			log.Error("monitoring: sweep failed", zap.Error(err))
		}
	}

	snap, err := c.reader.Snapshot(ctx, c.lookback)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return 0
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return 0
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return sent
}
