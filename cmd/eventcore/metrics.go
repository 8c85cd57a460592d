package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// metricsLogger periodically collects the engine metrics and logs the
// counters.
type metricsLogger struct {
	reader   *sdkmetric.ManualReader
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newMetricsLogger(reader *sdkmetric.ManualReader, interval time.Duration, logger *slog.Logger) *metricsLogger {
	return &metricsLogger{reader: reader, interval: interval, logger: logger}
}

func (m *metricsLogger) Name() string {
	return "metrics-logger"
}

func (m *metricsLogger) Start(context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.log(ctx)
			}
		}
	}()
	return nil
}

func (m *metricsLogger) Stop(context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return nil
}

func (m *metricsLogger) log(ctx context.Context) {
	var rm metricdata.ResourceMetrics
	if err := m.reader.Collect(ctx, &rm); err != nil {
		m.logger.Warn("failed to collect metrics", "error", err)
		return
	}

	attrs := []any{}
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			attrs = append(attrs, metric.Name, total)
		}
	}
	m.logger.Info("metrics", attrs...)
}
