package core

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

// coordMetrics instruments the KV table, session registry, and blocking-query
// coordinator. Metric init failures are logged and the affected instrument is
// left nil; recording through a nil instrument is a no-op.
type coordMetrics struct {
	putCount       metric.Int64Counter
	deleteCount    metric.Int64Counter
	sessionCount   metric.Int64Counter
	blockingCount  metric.Int64Counter
	sessionsGauge  metric.Int64ObservableGauge
	activeSessions atomic.Int64
}

func newCoordMetrics(logger pslog.Logger) *coordMetrics {
	meter := otel.Meter("pkt.systems/coordd/core")
	m := &coordMetrics{}
	var err error

	m.putCount, err = meter.Int64Counter(
		"coordd.kv.put",
		metric.WithDescription("KV writes by result"),
	)
	logMetricInitError(logger, "coordd.kv.put", err)

	m.deleteCount, err = meter.Int64Counter(
		"coordd.kv.delete",
		metric.WithDescription("KV entries removed"),
	)
	logMetricInitError(logger, "coordd.kv.delete", err)

	m.sessionCount, err = meter.Int64Counter(
		"coordd.session.events",
		metric.WithDescription("Session lifecycle events"),
	)
	logMetricInitError(logger, "coordd.session.events", err)

	m.blockingCount, err = meter.Int64Counter(
		"coordd.query.blocking",
		metric.WithDescription("Blocking reads by outcome"),
	)
	logMetricInitError(logger, "coordd.query.blocking", err)

	m.sessionsGauge, err = meter.Int64ObservableGauge(
		"coordd.session.active",
		metric.WithDescription("Live sessions (best-effort)"),
	)
	logMetricInitError(logger, "coordd.session.active", err)

	if m.sessionsGauge != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.sessionsGauge, m.activeSessions.Load())
			return nil
		}, m.sessionsGauge); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "coordd.session.active", "error", err)
		}
	}

	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

func (m *coordMetrics) recordPut(result string) {
	if m == nil || m.putCount == nil {
		return
	}
	m.putCount.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("coordd.result", result)))
}

func (m *coordMetrics) recordDelete(removed int) {
	if m == nil || m.deleteCount == nil {
		return
	}
	m.deleteCount.Add(context.Background(), int64(removed))
}

func (m *coordMetrics) recordSession(event string) {
	if m == nil || m.sessionCount == nil {
		return
	}
	m.sessionCount.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("coordd.event", event)))
}

func (m *coordMetrics) recordBlockingGet(outcome string) {
	if m == nil || m.blockingCount == nil {
		return
	}
	m.blockingCount.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("coordd.outcome", outcome)))
}

func (m *coordMetrics) addActiveSessions(delta int64) {
	if m == nil {
		return
	}
	m.activeSessions.Add(delta)
}
