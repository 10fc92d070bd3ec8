package metrics

import "depthflow/logger"

// DropMetric identifies the metric emitted when depth updates are discarded
// before reaching the writer.
type DropMetric string

const (
	// DropMetricQueueFull counts updates rejected by a full snapshot queue.
	DropMetricQueueFull DropMetric = "queue_full_drops"
	// DropMetricGateClosed counts updates discarded while the latency gate
	// was closed.
	DropMetricGateClosed DropMetric = "gate_closed_drops"
)

// EmitDropMetric reports count drops of one kind for symbol. Sessions
// accumulate drops and call this at a throttled rate, never per update.
func EmitDropMetric(log *logger.Log, metric DropMetric, symbol string, count int64) {
	if count <= 0 {
		return
	}
	fields := logger.Fields{"unit": "count"}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	EmitMetric(log, "stream_session", string(metric), count, "counter", fields)
}
