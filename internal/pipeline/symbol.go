package pipeline

import (
	"time"

	"depthflow/internal/channel"
	"depthflow/internal/latency"
	"depthflow/internal/metrics"
	"depthflow/internal/reader/binance"
	"depthflow/internal/writer"
)

// SymbolContext owns everything that belongs to one symbol: its stream
// session, queue, gate and writer. They are created together at start and
// torn down together at shutdown.
type SymbolContext struct {
	symbol  string
	queue   *channel.SnapshotQueue
	session *binance.Session
	gate    *latency.Gate
	writer  *writer.SnapshotWriter
}

func (s *SymbolContext) Symbol() string { return s.symbol }

// SymbolSnapshot is read by the metrics aggregator only; the interval
// figures start a new window on every call.
func (s *SymbolContext) SymbolSnapshot() metrics.SymbolSnapshot {
	sess := s.session.Stats()
	ws := s.writer.Stats()
	gs := s.gate.State()
	return metrics.SymbolSnapshot{
		Symbol:              s.symbol,
		InsertionIntervalMs: millis(s.queue.InsertionInterval()),
		FlushIntervalMs:     millis(s.writer.FlushInterval()),
		QueueDepth:          s.queue.Len(),
		QueueCapacity:       s.queue.Cap(),
		MedianLatencyMs:     millis(gs.Median),
		LatencySamples:      gs.Samples,
		GateEnabled:         gs.Enabled,
		WarmingUp:           gs.WarmingUp,
		Received:            sess.Received,
		Enqueued:            sess.Enqueued,
		Dropped:             sess.Dropped,
		GateDropped:         sess.GateDropped,
		Written:             ws.RecordsWritten,
		FilesCompressed:     ws.FilesCompressed,
		Reconnects:          sess.Reconnects,
		Connected:           sess.Connected,
		WriterFailed:        ws.Failed,
	}
}

func millis(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}
