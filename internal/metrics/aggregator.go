package metrics

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"depthflow/logger"
)

// SymbolSnapshot is the per-symbol view exposed by the pull hook.
type SymbolSnapshot struct {
	Symbol              string  `json:"symbol"`
	InsertionIntervalMs float64 `json:"insertion_interval_ms"`
	FlushIntervalMs     float64 `json:"flush_interval_ms"`
	QueueDepth          int     `json:"queue_depth"`
	QueueCapacity       int     `json:"queue_capacity"`
	MedianLatencyMs     float64 `json:"median_latency_ms"`
	LatencySamples      int     `json:"latency_samples"`
	GateEnabled         bool    `json:"gate_enabled"`
	WarmingUp           bool    `json:"warming_up"`
	Received            int64   `json:"received"`
	Enqueued            int64   `json:"enqueued"`
	Dropped             int64   `json:"dropped"`
	GateDropped         int64   `json:"gate_dropped"`
	Written             int64   `json:"written"`
	FilesCompressed     int64   `json:"files_compressed"`
	Reconnects          int64   `json:"reconnects"`
	Connected           bool    `json:"connected"`
	WriterFailed        bool    `json:"writer_failed"`
}

// Snapshot is the aggregated state of every symbol and the host.
type Snapshot struct {
	Timestamp time.Time                 `json:"timestamp"`
	Symbols   map[string]SymbolSnapshot `json:"symbols"`
	Host      HostSnapshot              `json:"host"`
}

// SymbolSource provides a read-only snapshot of one symbol.
type SymbolSource interface {
	Symbol() string
	SymbolSnapshot() SymbolSnapshot
}

// Aggregator periodically collects symbol and host snapshots. The latest one
// is available through Snapshot without blocking the collectors.
type Aggregator struct {
	interval time.Duration
	sources  []SymbolSource
	host     *HostSampler
	log      *logger.Log

	latest atomic.Pointer[Snapshot]
}

// NewAggregator builds an aggregator. host may be nil to skip host probes.
func NewAggregator(interval time.Duration, sources []SymbolSource, host *HostSampler, log *logger.Log) *Aggregator {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = logger.GetLogger()
	}
	a := &Aggregator{
		interval: interval,
		sources:  sources,
		host:     host,
		log:      log,
	}
	a.latest.Store(&Snapshot{Symbols: map[string]SymbolSnapshot{}})
	return a
}

// Run collects a snapshot every interval until ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := a.Collect(ctx)
			a.emit(snap)
		}
	}
}

// Collect builds a fresh snapshot and makes it the latest.
func (a *Aggregator) Collect(ctx context.Context) Snapshot {
	snap := Snapshot{
		Timestamp: time.Now().UTC(),
		Symbols:   make(map[string]SymbolSnapshot, len(a.sources)),
	}
	for _, src := range a.sources {
		s := src.SymbolSnapshot()
		s.Symbol = src.Symbol()
		snap.Symbols[s.Symbol] = s
	}
	if a.host != nil {
		host, err := a.host.Sample(ctx)
		if err != nil {
			a.log.WithComponent("aggregator").WithError(err).Debug("host sample incomplete")
		}
		snap.Host = host
	}
	a.latest.Store(&snap)
	return snap
}

// Snapshot returns the most recent snapshot. Callers must not mutate it.
func (a *Aggregator) Snapshot() Snapshot {
	return *a.latest.Load()
}

func (a *Aggregator) emit(snap Snapshot) {
	const component = "aggregator"

	symbols := make([]string, 0, len(snap.Symbols))
	for sym := range snap.Symbols {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var dropped, gateDropped, written int64
	closed := 0
	for _, sym := range symbols {
		s := snap.Symbols[sym]
		fields := func(unit string) logger.Fields { return logger.Fields{"symbol": sym, "unit": unit} }
		EmitMetric(a.log, component, "queue_depth", s.QueueDepth, "gauge", fields("count"))
		EmitMetric(a.log, component, "median_latency_ms", s.MedianLatencyMs, "gauge", fields("ms"))
		EmitMetric(a.log, component, "insertion_interval_ms", s.InsertionIntervalMs, "gauge", fields("ms"))
		EmitMetric(a.log, component, "flush_interval_ms", s.FlushIntervalMs, "gauge", fields("ms"))
		EmitMetric(a.log, component, "gate_enabled", s.GateEnabled, "gauge", fields("count"))
		EmitMetric(a.log, component, "records_written", s.Written, "counter", fields("count"))
		dropped += s.Dropped
		gateDropped += s.GateDropped
		written += s.Written
		if !s.GateEnabled {
			closed++
		}
	}

	EmitMetric(a.log, component, "host_cpu_percent", snap.Host.CPUPercent, "gauge", logger.Fields{"unit": "percent"})
	EmitMetric(a.log, component, "host_memory_percent", snap.Host.MemoryPercent, "gauge", logger.Fields{"unit": "percent"})
	EmitMetric(a.log, component, "host_disk_percent", snap.Host.DiskPercent, "gauge", logger.Fields{"unit": "percent"})
	EmitMetric(a.log, component, "host_network_mbps", snap.Host.NetworkMbps, "gauge", logger.Fields{"unit": "mbps"})

	a.log.WithComponent(component).WithFields(logger.Fields{
		"symbols":        len(symbols),
		"gates_closed":   closed,
		"written":        written,
		"dropped":        dropped,
		"gate_dropped":   gateDropped,
		"cpu_percent":    snap.Host.CPUPercent,
		"memory_percent": snap.Host.MemoryPercent,
		"network_mbps":   snap.Host.NetworkMbps,
	}).Info("pipeline metrics")
}
