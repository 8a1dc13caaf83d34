package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/govchat/internal/config"
)

// fallbackWindow is how many recent messages the fallback rate covers.
const fallbackWindow = 20

// HealthChecker pings the backend and records the result. session.Session
// implements it.
type HealthChecker interface {
	CheckHealth(ctx context.Context) bool
}

// HealthMonitor periodically checks backend health, records it in the
// session and alerts on degradation.
type HealthMonitor struct {
	checker   HealthChecker
	collector *Collector
	alerter   *Alerter
	cfg       config.HealthConfig

	failures int
}

// NewHealthMonitor creates a health monitor. collector and alerter may be
// nil to only record health.
func NewHealthMonitor(checker HealthChecker, collector *Collector, alerter *Alerter, cfg config.HealthConfig) *HealthMonitor {
	return &HealthMonitor{
		checker:   checker,
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
}

// Run checks once immediately, then on every tick. It blocks until ctx is
// cancelled.
func (m *HealthMonitor) Run(ctx context.Context) {
	interval := time.Duration(m.cfg.IntervalSecs) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	log := zap.L().With(zap.String("component", "monitoring.health"))
	log.Info("starting health monitor", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Check(ctx, log)
	for {
		select {
		case <-ctx.Done():
			log.Info("health monitor stopped")
			return
		case <-ticker.C:
			m.Check(ctx, log)
		}
	}
}

// Check runs one health check and evaluates alerts. It returns the health
// result.
func (m *HealthMonitor) Check(ctx context.Context, log *zap.Logger) bool {
	if ctx.Err() != nil {
		return false
	}
	healthy := m.checker.CheckHealth(ctx)
	if healthy {
		if m.failures > 0 {
			log.Info("monitoring: backend recovered", zap.Int("after_failures", m.failures))
		}
		m.failures = 0
	} else {
		m.failures++
		log.Warn("monitoring: backend unhealthy", zap.Int("consecutive_failures", m.failures))
	}

	if m.collector == nil || m.alerter == nil {
		return healthy
	}

	snap := m.collector.Collect(healthy, m.failures, fallbackWindow)
	alerts := m.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return healthy
	}

	sent := m.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return healthy
}
