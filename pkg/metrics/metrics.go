// Package metrics provides Prometheus instrumentation for the
// streaming data plane: buffer pool occupancy, storage operation
// outcomes and retries, and batch delivery counts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BufferBytesCheckedOut tracks bytes currently held out of the pool.
	BufferBytesCheckedOut = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "strata",
		Subsystem: "pool",
		Name:      "checked_out_bytes",
		Help:      "Bytes currently checked out of the buffer pool",
	})

	// BufferAcquireTimeouts counts buffer acquisitions that timed out.
	BufferAcquireTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "pool",
		Name:      "acquire_timeouts_total",
		Help:      "Buffer acquisitions that failed with a timeout",
	})

	// StorageOperations counts storage operations by backend, op and outcome.
	StorageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "storage",
		Name:      "operations_total",
		Help:      "Storage operations by backend, operation and outcome",
	}, []string{"backend", "operation", "outcome"})

	// StorageRetries counts retried storage operations.
	StorageRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "storage",
		Name:      "retries_total",
		Help:      "Storage operation retries by backend and operation",
	}, []string{"backend", "operation"})

	// StorageBytesRead counts bytes streamed from storage.
	StorageBytesRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "storage",
		Name:      "bytes_read_total",
		Help:      "Bytes read from storage by backend",
	}, []string{"backend"})

	// StorageBytesWritten counts bytes committed to storage.
	StorageBytesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "storage",
		Name:      "bytes_written_total",
		Help:      "Bytes written to storage by backend",
	}, []string{"backend"})

	// BatchesDelivered counts batches handed to the consumer.
	BatchesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "pipeline",
		Name:      "batches_delivered_total",
		Help:      "Record batches delivered downstream by format",
	}, []string{"format"})

	// RowsDelivered counts rows handed to the consumer.
	RowsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "pipeline",
		Name:      "rows_delivered_total",
		Help:      "Rows delivered downstream by format",
	}, []string{"format"})

	// RunsCompleted counts pipeline runs by terminal state.
	RunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Pipeline runs by terminal state",
	}, []string{"state"})

	// BackpressureEngaged counts byte-pull suspensions due to the
	// high watermark or a full batch queue.
	BackpressureEngaged = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "pipeline",
		Name:      "backpressure_engaged_total",
		Help:      "Producer suspensions by cause (watermark, queue)",
	}, []string{"cause"})

	// PluginsLoaded tracks plugins currently registered.
	PluginsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "strata",
		Subsystem: "plugins",
		Name:      "loaded",
		Help:      "Format plugins currently registered",
	})
)
