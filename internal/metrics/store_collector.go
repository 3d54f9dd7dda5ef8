package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/osvaldoandrade/inspector/pkg/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource is the part of the task store the collector reads.
type StatsSource interface {
	Stats(ctx context.Context) (domain.StoreStats, error)
}

type storeCollector struct {
	src    StatsSource
	logger *slog.Logger

	tasksDesc *prometheus.Desc
}

func newStoreCollector(src StatsSource, logger *slog.Logger) *storeCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &storeCollector{
		src:    src,
		logger: logger,
		tasksDesc: prometheus.NewDesc(
			"inspector_tasks",
			"Stored tasks by state.",
			[]string{"state"},
			nil,
		),
	}
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tasksDesc
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	if c.src == nil {
		return
	}

	// Keep store reads bounded so scrapes do not hang.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stats, err := c.src.Stats(ctx)
	if err != nil {
		c.logger.Warn("prometheus store collector failed", "err", err)
		return
	}
	emitGauge(ch, c.tasksDesc, float64(stats.Pending), "pending")
	emitGauge(ch, c.tasksDesc, float64(stats.Tasks-stats.Pending), "completed")
}

func emitGauge(ch chan<- prometheus.Metric, desc *prometheus.Desc, v float64, labelValues ...string) {
	m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, v, labelValues...)
	if err != nil {
		return
	}
	ch <- m
}

var registerStoreCollectorOnce sync.Once

// RegisterStoreCollector registers the store gauges once per process.
func RegisterStoreCollector(src StatsSource, logger *slog.Logger) {
	registerStoreCollectorOnce.Do(func() {
		prometheus.MustRegister(newStoreCollector(src, logger))
	})
}
