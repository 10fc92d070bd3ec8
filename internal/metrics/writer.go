package metrics

import "depthflow/logger"

// WriterStats holds counters of one symbol's snapshot writer.
type WriterStats struct {
	RecordsWritten   int64
	FilesWritten     int64
	BytesWritten     int64
	ErrorsCount      int64
	FilesCompressed  int64
	CompressFailures int64
	OpenFiles        int
	QueueLen         int
	QueueCap         int
	Failed           bool
}

// ReportWriter emits writer metrics for symbol and logs a summary line.
func ReportWriter(log *logger.Log, symbol string, stats WriterStats) {
	const component = "snapshot_writer"
	fields := func() logger.Fields { return logger.Fields{"symbol": symbol} }

	avgBytesPerFile := float64(0)
	if stats.FilesWritten > 0 {
		avgBytesPerFile = float64(stats.BytesWritten) / float64(stats.FilesWritten)
	}

	EmitMetric(log, component, "records_written", stats.RecordsWritten, "counter", fields())
	EmitMetric(log, component, "files_written", stats.FilesWritten, "counter", fields())
	EmitMetric(log, component, "bytes_written", stats.BytesWritten, "counter", fields())
	EmitMetric(log, component, "files_compressed", stats.FilesCompressed, "counter", fields())
	EmitMetric(log, component, "compress_failures", stats.CompressFailures, "counter", fields())
	EmitMetric(log, component, "avg_bytes_per_file", avgBytesPerFile, "gauge", fields())
	EmitMetric(log, component, "queue_len", stats.QueueLen, "gauge", fields())

	entry := log.WithComponent(component).WithFields(logger.Fields{
		"symbol":             symbol,
		"records_written":    stats.RecordsWritten,
		"files_written":      stats.FilesWritten,
		"bytes_written":      stats.BytesWritten,
		"files_compressed":   stats.FilesCompressed,
		"compress_failures":  stats.CompressFailures,
		"avg_bytes_per_file": avgBytesPerFile,
		"open_files":         stats.OpenFiles,
		"queue_len":          stats.QueueLen,
		"queue_cap":          stats.QueueCap,
		"failed":             stats.Failed,
	})

	if stats.Failed || stats.CompressFailures > 0 {
		entry.Warn("snapshot writer metrics")
		return
	}
	entry.Debug("snapshot writer metrics")
}
