package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"depthflow/config"
	"depthflow/internal/backoff"
	"depthflow/internal/channel"
	"depthflow/internal/consolidator"
	"depthflow/internal/dashboard"
	"depthflow/internal/latency"
	"depthflow/internal/metrics"
	"depthflow/internal/models"
	"depthflow/internal/reader/binance"
	"depthflow/internal/resource"
	"depthflow/internal/shutdown"
	"depthflow/internal/workers"
	"depthflow/internal/writer"
	"depthflow/logger"
)

// ErrResourceExhausted is returned by Run when the shutdown was forced by the
// resource monitor.
var ErrResourceExhausted = errors.New("resource exhausted")

// Options carries what main resolves before the pipeline is built.
type Options struct {
	Config  *config.Config
	Shards  *config.IPShards
	Symbols []string
	// Uploader is optional; nil keeps archives local.
	Uploader consolidator.Uploader
	// Clock is optional; when set and clock correction is enabled its offset
	// is applied to latency samples.
	Clock *binance.ClockProbe
	Log   *logger.Log
}

// Pipeline wires sessions, queues, writers and the background services of
// every configured symbol.
type Pipeline struct {
	cfg *config.Config
	log *logger.Log

	symbols         []*SymbolContext
	latency         *latency.Monitor
	compressPool    *workers.Pool
	consolidatePool *workers.Pool
	consolidator    *consolidator.Consolidator
	resource        *resource.Monitor
	aggregator      *metrics.Aggregator
	exporter        *metrics.Exporter
	dashboard       *dashboard.Server
	clock           *binance.ClockProbe
	coordinator     *shutdown.Coordinator

	rootCtx      context.Context
	writerCtx    context.Context
	writerCancel context.CancelFunc
	bgCtx        context.Context
	bgCancel     context.CancelFunc
	bgWG         sync.WaitGroup
	writerWG     sync.WaitGroup

	startOnce sync.Once
	exhausted atomic.Bool
}

func backoffPolicy(c config.BackoffConfig) backoff.Policy {
	return backoff.Policy{
		Base:            c.Base,
		Max:             c.Max,
		Jitter:          c.Jitter,
		ResetCycleAfter: c.ResetCycleAfter,
		ResetLevel:      c.ResetLevel,
	}
}

// New builds every component without starting any goroutine besides the
// worker pools.
func New(opts Options) (*Pipeline, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("pipeline requires a configuration")
	}
	log := opts.Log
	if log == nil {
		log = logger.GetLogger()
	}
	symbols := opts.Symbols
	if len(symbols) == 0 {
		symbols = cfg.Stream.Symbols
	}
	symbols = config.NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return nil, errors.New("pipeline requires at least one symbol")
	}

	layout := writer.Layout{Dir: cfg.Storage.Dir, Bucket: cfg.Writer.Bucket}
	if err := writer.ValidateBucket(layout.Bucket); err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:         cfg,
		log:         log,
		clock:       opts.Clock,
		coordinator: shutdown.New(cfg.Shutdown.Grace, log),
	}

	p.latency = latency.NewMonitor(latency.Config{
		RingSize:     cfg.Latency.RingSize,
		MinSamples:   cfg.Latency.MinSamples,
		Threshold:    cfg.Latency.Threshold,
		EvalInterval: cfg.Latency.EvalInterval,
	}, symbols, log)

	p.compressPool = workers.New("compress", cfg.Workers.Compress, cfg.Workers.CompressQueue, log)
	p.consolidatePool = workers.New("consolidate", cfg.Workers.Consolidate, len(symbols)*4, log)
	p.consolidator = consolidator.New(consolidator.Config{
		Layout:     layout,
		Purge:      cfg.Storage.PurgeOnDateChange,
		Parquet:    cfg.Storage.Parquet,
		MaxRetries: cfg.Workers.MaxRetries,
		Retry:      backoffPolicy(cfg.Backoff),
		MemoSize:   cfg.Workers.RecoveryMemory,
	}, p.consolidatePool, opts.Uploader, log)

	var clockOffset func() time.Duration
	if cfg.Latency.CorrectClockOffset && opts.Clock != nil {
		clockOffset = opts.Clock.Offset
	}

	dialLimiters := make(map[string]*rate.Limiter)
	for _, sym := range symbols {
		ip := opts.Shards.SourceIPFor(sym)
		limiter, ok := dialLimiters[ip]
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(cfg.Stream.DialRate), 1)
			dialLimiters[ip] = limiter
		}

		queue := channel.NewSnapshotQueue(sym, cfg.Queue.Capacity)
		gate := p.latency.Gate(sym)
		session := binance.NewSession(binance.SessionConfig{
			Symbol:       sym,
			WSBaseURL:    cfg.Stream.WSBaseURL,
			StreamSuffix: cfg.Stream.StreamSuffix,
			LocalIP:      ip,
			PingInterval: cfg.Stream.PingInterval,
			PingTimeout:  cfg.Stream.PingTimeout,
			ReadTimeout:  cfg.Stream.ReadTimeout,
			Backoff:      backoffPolicy(cfg.Backoff),
			ClockOffset:  clockOffset,
		}, queue, p.latency, gate, limiter, log)

		w, err := writer.NewSnapshotWriter(writer.Config{
			Layout:        layout,
			FlushRecords:  cfg.Writer.FlushRecords,
			FlushInterval: cfg.Writer.FlushInterval,
		}, queue, p.compressPool, p.scheduleConsolidation, log)
		if err != nil {
			return nil, fmt.Errorf("writer %s: %w", sym, err)
		}

		p.symbols = append(p.symbols, &SymbolContext{
			symbol:  sym,
			queue:   queue,
			session: session,
			gate:    gate,
			writer:  w,
		})
	}

	sources := make([]metrics.SymbolSource, 0, len(p.symbols))
	for _, s := range p.symbols {
		sources = append(sources, s)
	}
	p.aggregator = metrics.NewAggregator(cfg.Metrics.Interval, sources, metrics.NewHostSampler(cfg.Metrics.DiskPath), log)

	p.resource = resource.NewMonitor(resource.Config{
		Interval:          cfg.Resource.Interval,
		BudgetMB:          cfg.Resource.MemoryBudgetMB,
		ReclaimFraction:   cfg.Resource.ReclaimFraction,
		HardLimitFraction: cfg.Resource.HardLimitFraction,
	}, p.resourceExhausted, log)

	if cfg.Metrics.Prometheus.Enabled {
		p.exporter = metrics.NewExporter(p.aggregator.Snapshot, log)
	}

	dash, err := dashboard.NewServer(cfg.Dashboard, p.aggregator.Snapshot, p.Ready, log)
	if err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}
	p.dashboard = dash

	p.registerShutdownSteps()
	return p, nil
}

// scheduleConsolidation is the writers' rollover callback.
func (p *Pipeline) scheduleConsolidation(job models.ConsolidationJob) {
	ctx := p.rootCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := p.consolidator.Submit(ctx, job); err != nil {
		p.log.WithComponent("pipeline").WithError(err).WithFields(logger.Fields{
			"symbol": job.Symbol,
			"date":   job.Date,
		}).Warn("consolidation not scheduled; it will be retried on next start")
	}
}

func (p *Pipeline) resourceExhausted(reason string) {
	p.exhausted.Store(true)
	p.coordinator.Trigger("resource exhausted: " + reason)
}

// Start launches writers, background services and then the sessions.
func (p *Pipeline) Start(ctx context.Context) error {
	started := false
	p.startOnce.Do(func() {
		started = true
		p.start(ctx)
	})
	if !started {
		return errors.New("pipeline already started")
	}
	return nil
}

func (p *Pipeline) start(ctx context.Context) {
	// writers outlive ctx: they stop when their queue is closed
	p.rootCtx = context.WithoutCancel(ctx)
	p.writerCtx, p.writerCancel = context.WithCancel(p.rootCtx)
	p.bgCtx, p.bgCancel = context.WithCancel(p.rootCtx)

	for _, s := range p.symbols {
		s := s
		p.writerWG.Add(1)
		go func() {
			defer p.writerWG.Done()
			p.runWriter(s)
		}()
	}

	p.goBackground("latency_monitor", func(ctx context.Context) { p.latency.Run(ctx) })
	p.goBackground("aggregator", func(ctx context.Context) { p.aggregator.Run(ctx) })
	p.goBackground("resource_monitor", func(ctx context.Context) { p.resource.Run(ctx) })
	p.goBackground("writer_reports", p.reportWriters)
	if p.clock != nil {
		p.goBackground("clock_probe", func(ctx context.Context) {
			p.clock.Run(ctx, p.cfg.Latency.ClockProbeInterval)
		})
	}
	if p.exporter != nil {
		p.goBackground("prometheus", func(ctx context.Context) {
			if err := p.exporter.Serve(ctx, p.cfg.Metrics.Prometheus.Address); err != nil {
				p.log.WithComponent("pipeline").WithError(err).Error("prometheus exporter stopped")
			}
		})
	}
	if p.dashboard != nil {
		p.goBackground("dashboard", func(ctx context.Context) {
			if err := p.dashboard.Run(ctx, p.cfg.Depthflow.Name); err != nil {
				p.log.WithComponent("pipeline").WithError(err).Error("dashboard stopped")
			}
		})
	}

	for _, s := range p.symbols {
		if err := s.session.Start(ctx); err != nil {
			p.log.WithComponent("pipeline").WithError(err).WithFields(logger.Fields{"symbol": s.symbol}).Error("session did not start")
		}
	}

	p.log.WithComponent("pipeline").WithFields(logger.Fields{
		"symbols": len(p.symbols),
		"dir":     p.cfg.Storage.Dir,
		"bucket":  p.cfg.Writer.Bucket.String(),
	}).Info("pipeline started")
}

func (p *Pipeline) goBackground(name string, fn func(ctx context.Context)) {
	p.bgWG.Add(1)
	go func() {
		defer p.bgWG.Done()
		fn(p.bgCtx)
		p.log.WithComponent("pipeline").WithFields(logger.Fields{"service": name}).Debug("background service stopped")
	}()
}

func (p *Pipeline) runWriter(s *SymbolContext) {
	err := s.writer.Run(p.writerCtx)
	var fatal *writer.FatalError
	switch {
	case err == nil:
	case errors.As(err, &fatal):
		// the other symbols keep running; this one stops ingesting
		s.session.Stop()
		p.log.WithComponent("pipeline").WithError(err).WithFields(logger.Fields{"symbol": s.symbol}).Error("writer failed; symbol stopped")
	case errors.Is(err, context.Canceled):
		p.log.WithComponent("pipeline").WithFields(logger.Fields{"symbol": s.symbol}).Warn("writer cancelled before draining")
	default:
		p.log.WithComponent("pipeline").WithError(err).WithFields(logger.Fields{"symbol": s.symbol}).Error("writer stopped")
	}
}

func (p *Pipeline) reportWriters(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Metrics.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range p.symbols {
				metrics.ReportWriter(p.log, s.symbol, s.writer.Stats())
			}
		}
	}
}

// Run starts the pipeline and blocks until the shutdown sequence finishes.
// Cancelling ctx triggers the shutdown. A shutdown forced by memory pressure
// reports ErrResourceExhausted even when every step completed.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	err := p.coordinator.Run(ctx)
	if p.exhausted.Load() {
		return errors.Join(ErrResourceExhausted, err)
	}
	return err
}

// Shutdown requests the shutdown sequence; a second call shortens the grace
// period.
func (p *Pipeline) Shutdown(reason string) {
	p.coordinator.Trigger(reason)
}

func (p *Pipeline) Coordinator() *shutdown.Coordinator { return p.coordinator }

// Snapshot is the metrics pull hook.
func (p *Pipeline) Snapshot() metrics.Snapshot { return p.aggregator.Snapshot() }

// Ready reports an error until every symbol has written at least one record,
// and for as long as any symbol's writer has failed.
func (p *Pipeline) Ready() error {
	if p.coordinator.State() != shutdown.Running {
		return fmt.Errorf("pipeline is %s", p.coordinator.State())
	}
	var waiting, failed []string
	for _, s := range p.symbols {
		stats := s.writer.Stats()
		switch {
		case stats.Failed:
			failed = append(failed, s.symbol)
		case stats.RecordsWritten == 0:
			waiting = append(waiting, s.symbol)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("writer failed for %v", failed)
	}
	if len(waiting) > 0 {
		return fmt.Errorf("no records written yet for %v", waiting)
	}
	return nil
}

func waitCtx(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) registerShutdownSteps() {
	c := p.coordinator

	c.Add("stop_sessions", func(ctx context.Context) error {
		for _, s := range p.symbols {
			s.session.Stop()
		}
		return waitCtx(ctx, func() {
			for _, s := range p.symbols {
				s.session.Wait()
			}
		})
	})

	c.Add("close_queues", func(ctx context.Context) error {
		for _, s := range p.symbols {
			s.queue.Close()
		}
		return nil
	})

	c.Add("drain_writers", func(ctx context.Context) error {
		if p.writerCtx == nil {
			return nil
		}
		err := waitCtx(ctx, p.writerWG.Wait)
		if err != nil {
			// abandon the backlog; open files are closed without handoff
			p.writerCancel()
			p.writerWG.Wait()
		}
		for _, s := range p.symbols {
			metrics.ReportWriter(p.log, s.symbol, s.writer.Stats())
		}
		return err
	})

	c.Add("stop_services", func(ctx context.Context) error {
		if p.bgCancel == nil {
			return nil
		}
		p.bgCancel()
		return waitCtx(ctx, p.bgWG.Wait)
	})

	c.Add("compress_pool", p.compressPool.Shutdown)
	c.Add("consolidate_pool", p.consolidatePool.Shutdown)

	c.Add("final_report", func(ctx context.Context) error {
		stats := p.consolidator.Stats()
		p.log.WithComponent("pipeline").WithFields(logger.Fields{
			"compress":        p.compressPool.Stats(),
			"consolidate":     p.consolidatePool.Stats(),
			"consolidated":    stats.Succeeded,
			"consolidate_err": stats.Failed,
		}).Info("pipeline stopped")
		if p.writerCancel != nil {
			p.writerCancel()
		}
		return nil
	})
}
