package block

import (
	"context"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var concurrentOperations = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "tables_blockstore_concurrent_operations",
		Help: "Number of concurrent blockstore operations",
	},
	[]string{"operation", "blockstore_type"},
)

var operationDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "tables_blockstore_operation_duration_seconds",
		Help:    "Blockstore operation latency",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"operation", "blockstore_type"},
)

type MetricsAdapter struct {
	adapter Adapter
}

func NewMetricsAdapter(adapter Adapter) Adapter {
	return &MetricsAdapter{adapter: adapter}
}

func (m *MetricsAdapter) InnerAdapter() Adapter {
	return m.adapter
}

func (m *MetricsAdapter) track(operation string) func() {
	blockstoreType := m.adapter.BlockstoreType()
	gauge := concurrentOperations.WithLabelValues(operation, blockstoreType)
	gauge.Inc()
	start := time.Now()
	return func() {
		gauge.Dec()
		operationDuration.WithLabelValues(operation, blockstoreType).Observe(time.Since(start).Seconds())
	}
}

func (m *MetricsAdapter) Put(ctx context.Context, obj ObjectPointer, sizeBytes int64, reader io.Reader) error {
	defer m.track("put")()
	return m.adapter.Put(ctx, obj, sizeBytes, reader)
}

func (m *MetricsAdapter) Get(ctx context.Context, obj ObjectPointer) (io.ReadCloser, error) {
	defer m.track("get")()
	return m.adapter.Get(ctx, obj)
}

func (m *MetricsAdapter) Exists(ctx context.Context, obj ObjectPointer) (bool, error) {
	defer m.track("exists")()
	return m.adapter.Exists(ctx, obj)
}

func (m *MetricsAdapter) Remove(ctx context.Context, obj ObjectPointer) error {
	defer m.track("remove")()
	return m.adapter.Remove(ctx, obj)
}

func (m *MetricsAdapter) BlockstoreType() string {
	return m.adapter.BlockstoreType()
}
