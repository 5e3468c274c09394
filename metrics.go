package tsink

import "github.com/prometheus/client_golang/prometheus"

// storageMetrics instruments the hot paths of the storage engine. The
// collectors are always constructed so the callers don't have to nil-check;
// they are only registered when the user supplies a Registerer.
type storageMetrics struct {
	insertedRows      prometheus.Counter
	rejectedRows      prometheus.Counter
	flushedPartitions prometheus.Counter
	evictedPartitions prometheus.Counter
	partitions        prometheus.GaugeFunc
}

func newStorageMetrics(r prometheus.Registerer, list partitionList) *storageMetrics {
	m := &storageMetrics{
		insertedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tsink_inserted_rows_total",
			Help: "Total number of rows ingested into the storage.",
		}),
		rejectedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tsink_rejected_rows_total",
			Help: "Total number of rows rejected because they fell behind the writable window.",
		}),
		flushedPartitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tsink_partitions_flushed_total",
			Help: "Total number of in-memory partitions persisted to disk.",
		}),
		evictedPartitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tsink_partitions_evicted_total",
			Help: "Total number of partitions removed by the retention policy.",
		}),
		partitions: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "tsink_partitions",
			Help: "Current number of partitions in the list.",
		}, func() float64 {
			return float64(list.size())
		}),
	}
	if r != nil {
		r.MustRegister(
			m.insertedRows,
			m.rejectedRows,
			m.flushedPartitions,
			m.evictedPartitions,
			m.partitions,
		)
	}
	return m
}
