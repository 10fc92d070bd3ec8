package resource

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"depthflow/logger"
)

const mb = 1024 * 1024

var (
	processRSSFn = func(ctx context.Context) (uint64, error) {
		p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
		if err != nil {
			return 0, err
		}
		info, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			return 0, err
		}
		return info.RSS, nil
	}
	systemMemoryFn = mem.VirtualMemoryWithContext
	reclaimFn      = debug.FreeOSMemory
)

type Config struct {
	Interval time.Duration
	// BudgetMB is the RSS the process may use. Zero derives it from total
	// system memory.
	BudgetMB          uint64
	ReclaimFraction   float64
	HardLimitFraction float64
}

// Usage is the last memory sample.
type Usage struct {
	RSS           uint64    `json:"rss"`
	Budget        uint64    `json:"budget"`
	SystemPercent float64   `json:"system_percent"`
	Reclaims      int64     `json:"reclaims"`
	SampledAt     time.Time `json:"sampled_at"`
}

// Monitor watches process memory against a budget. Above the reclaim
// fraction it returns freed heap to the OS; if usage stays above the hard
// limit afterwards OnExhausted is invoked once.
type Monitor struct {
	cfg         Config
	onExhausted func(reason string)
	log         *logger.Log

	usage     atomic.Pointer[Usage]
	reclaims  atomic.Int64
	exhausted atomic.Bool
}

func NewMonitor(cfg Config, onExhausted func(reason string), log *logger.Log) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.ReclaimFraction <= 0 {
		cfg.ReclaimFraction = 0.8
	}
	if cfg.HardLimitFraction <= 0 {
		cfg.HardLimitFraction = 0.95
	}
	if log == nil {
		log = logger.GetLogger()
	}
	m := &Monitor{cfg: cfg, onExhausted: onExhausted, log: log}
	m.usage.Store(&Usage{})
	return m
}

func (m *Monitor) entry() *logger.Entry {
	return m.log.WithComponent("resource_monitor")
}

// Run checks memory every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Check(ctx); err != nil && ctx.Err() == nil {
				m.entry().WithError(err).Warn("memory sample failed")
			}
		}
	}
}

// Check takes one sample and acts on it.
func (m *Monitor) Check(ctx context.Context) error {
	rss, err := processRSSFn(ctx)
	if err != nil {
		return fmt.Errorf("process rss: %w", err)
	}
	vm, err := systemMemoryFn(ctx)
	if err != nil {
		return fmt.Errorf("system memory: %w", err)
	}

	budget := m.cfg.BudgetMB * mb
	if budget == 0 {
		budget = vm.Total
	}
	u := Usage{RSS: rss, Budget: budget, SystemPercent: vm.UsedPercent, Reclaims: m.reclaims.Load(), SampledAt: time.Now().UTC()}
	m.usage.Store(&u)
	if budget == 0 {
		return nil
	}

	fraction := float64(rss) / float64(budget)
	if fraction < m.cfg.ReclaimFraction {
		return nil
	}

	reclaimFn()
	m.reclaims.Add(1)
	after, err := processRSSFn(ctx)
	if err != nil {
		return fmt.Errorf("process rss after reclaim: %w", err)
	}
	u.RSS = after
	u.Reclaims = m.reclaims.Load()
	m.usage.Store(&u)

	fields := logger.Fields{
		"rss_mb_before": rss / mb,
		"rss_mb_after":  after / mb,
		"budget_mb":     budget / mb,
	}
	afterFraction := float64(after) / float64(budget)
	if afterFraction < m.cfg.HardLimitFraction {
		m.entry().WithFields(fields).Warn("memory above reclaim threshold; freed heap")
		return nil
	}

	if m.exhausted.Swap(true) {
		return nil
	}
	m.entry().WithFields(fields).Error("memory budget exhausted; requesting shutdown")
	if m.onExhausted != nil {
		m.onExhausted(fmt.Sprintf("memory %.0f%% of budget", afterFraction*100))
	}
	return nil
}

// Usage returns the last sample.
func (m *Monitor) Usage() Usage {
	return *m.usage.Load()
}
