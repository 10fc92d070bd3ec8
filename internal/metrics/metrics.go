// Exposes the aggregated pipeline state on /metrics:
//
//	#depthflow_queue_depth{symbol}
//	#depthflow_median_latency_seconds{symbol}
//	#depthflow_gate_enabled{symbol}
//	#depthflow_{received,enqueued,dropped,gate_dropped,written,reconnects}_total{symbol}
//	#depthflow_host_* gauges
//	#depthflow_metric_events_total{component,metric}
//	#go_* and process_* system metrics
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"depthflow/logger"
)

const namespace = "depthflow"

// snapshotCollector turns the latest aggregator snapshot into const metrics
// at scrape time, so counters owned by sessions and writers are never copied.
type snapshotCollector struct {
	source func() Snapshot

	queueDepth    *prometheus.Desc
	queueCapacity *prometheus.Desc
	medianLatency *prometheus.Desc
	gateEnabled   *prometheus.Desc
	writerFailed  *prometheus.Desc
	counters      map[string]*prometheus.Desc
	hostGauges    map[string]*prometheus.Desc
}

func newSnapshotCollector(source func() Snapshot) *snapshotCollector {
	symbol := []string{"symbol"}
	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	c := &snapshotCollector{
		source:        source,
		queueDepth:    desc("queue_depth", "Updates waiting in the snapshot queue.", symbol),
		queueCapacity: desc("queue_capacity", "Snapshot queue capacity.", symbol),
		medianLatency: desc("median_latency_seconds", "Median receive latency over the latency ring.", symbol),
		gateEnabled:   desc("gate_enabled", "1 when the latency gate admits updates.", symbol),
		writerFailed:  desc("writer_failed", "1 when the symbol's writer stopped on a fatal error.", symbol),
		counters:      map[string]*prometheus.Desc{},
		hostGauges:    map[string]*prometheus.Desc{},
	}
	for _, name := range []string{"received", "enqueued", "dropped", "gate_dropped", "written", "reconnects"} {
		c.counters[name] = desc(name+"_total", "Depth updates "+name+" per symbol.", symbol)
	}
	for _, name := range []string{"cpu_percent", "memory_percent", "disk_percent", "network_mbps"} {
		c.hostGauges[name] = desc("host_"+name, "Host "+name+" at the last aggregation.", nil)
	}
	return c
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepth
	ch <- c.queueCapacity
	ch <- c.medianLatency
	ch <- c.gateEnabled
	ch <- c.writerFailed
	for _, d := range c.counters {
		ch <- d
	}
	for _, d := range c.hostGauges {
		ch <- d
	}
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source()
	b2f := func(b bool) float64 {
		if b {
			return 1
		}
		return 0
	}
	for sym, s := range snap.Symbols {
		ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(s.QueueDepth), sym)
		ch <- prometheus.MustNewConstMetric(c.queueCapacity, prometheus.GaugeValue, float64(s.QueueCapacity), sym)
		ch <- prometheus.MustNewConstMetric(c.medianLatency, prometheus.GaugeValue, s.MedianLatencyMs/1000, sym)
		ch <- prometheus.MustNewConstMetric(c.gateEnabled, prometheus.GaugeValue, b2f(s.GateEnabled), sym)
		ch <- prometheus.MustNewConstMetric(c.writerFailed, prometheus.GaugeValue, b2f(s.WriterFailed), sym)
		values := map[string]int64{
			"received":     s.Received,
			"enqueued":     s.Enqueued,
			"dropped":      s.Dropped,
			"gate_dropped": s.GateDropped,
			"written":      s.Written,
			"reconnects":   s.Reconnects,
		}
		for name, v := range values {
			ch <- prometheus.MustNewConstMetric(c.counters[name], prometheus.CounterValue, float64(v), sym)
		}
	}
	host := map[string]float64{
		"cpu_percent":    snap.Host.CPUPercent,
		"memory_percent": snap.Host.MemoryPercent,
		"disk_percent":   snap.Host.DiskPercent,
		"network_mbps":   snap.Host.NetworkMbps,
	}
	for name, v := range host {
		ch <- prometheus.MustNewConstMetric(c.hostGauges[name], prometheus.GaugeValue, v)
	}
}

// Exporter serves the pipeline state in the Prometheus exposition format.
type Exporter struct {
	registry  *prometheus.Registry
	events    *prometheus.CounterVec
	handlerID MetricHandlerID
	log       *logger.Log
}

// NewExporter registers a collector over source plus the Go and process
// collectors, and counts every emitted metric event.
func NewExporter(source func() Snapshot, log *logger.Log) *Exporter {
	if log == nil {
		log = logger.GetLogger()
	}
	reg := prometheus.NewRegistry()
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "metric_events_total",
		Help:      "Metric events emitted by component.",
	}, []string{"component", "metric"})

	reg.MustRegister(newSnapshotCollector(source))
	reg.MustRegister(events)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	e := &Exporter{registry: reg, events: events, log: log}
	e.handlerID = RegisterMetricHandler(func(m Metric) {
		events.WithLabelValues(m.Component, m.Name).Inc()
	})
	return e
}

// Handler returns the scrape handler.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and embedding.
func (e *Exporter) Gatherer() prometheus.Gatherer {
	return e.registry
}

// Close stops counting metric events.
func (e *Exporter) Close() {
	UnregisterMetricHandler(e.handlerID)
}

// Serve listens on addr until ctx is done.
func (e *Exporter) Serve(ctx context.Context, addr string) error {
	defer e.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	e.log.WithComponent("prometheus").WithFields(logger.Fields{"address": addr}).Info("metrics exporter listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
