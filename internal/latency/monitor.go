package latency

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/queues/circularbuffer"

	"depthflow/logger"
)

// Config controls the rolling window and the gate decision.
type Config struct {
	RingSize     int
	MinSamples   int
	Threshold    time.Duration
	EvalInterval time.Duration
}

// GateState is the result of the last evaluation for one symbol.
type GateState struct {
	Enabled       bool          `json:"enabled"`
	WarmingUp     bool          `json:"warming_up"`
	LastEvaluated time.Time     `json:"last_evaluated"`
	Median        time.Duration `json:"median"`
	Samples       int           `json:"samples"`
}

// Gate is the per-symbol admission flag read by the stream session on every
// message. Only Monitor.Evaluate writes to it.
type Gate struct {
	enabled atomic.Bool
	state   atomic.Pointer[GateState]
}

// Enabled reports whether updates may be persisted.
func (g *Gate) Enabled() bool {
	return g.enabled.Load()
}

// State returns the last evaluation.
func (g *Gate) State() GateState {
	if s := g.state.Load(); s != nil {
		return *s
	}
	return GateState{WarmingUp: true}
}

func (g *Gate) store(s GateState) bool {
	g.state.Store(&s)
	return g.enabled.Swap(s.Enabled) != s.Enabled
}

type series struct {
	mu   sync.Mutex
	ring *circularbuffer.Queue
	gate Gate
}

// Monitor keeps a bounded ring of latency samples per symbol.
type Monitor struct {
	cfg    Config
	series map[string]*series
	log    *logger.Log
	now    func() time.Time
}

// NewMonitor creates rings for the given symbols. The symbol set is fixed for
// the life of the process so the map is never written after construction.
func NewMonitor(cfg Config, symbols []string, log *logger.Log) *Monitor {
	if cfg.RingSize <= 0 {
		cfg.RingSize = 1
	}
	if log == nil {
		log = logger.GetLogger()
	}
	m := &Monitor{
		cfg:    cfg,
		series: make(map[string]*series, len(symbols)),
		log:    log,
		now:    time.Now,
	}
	for _, s := range symbols {
		m.series[s] = &series{ring: circularbuffer.New(cfg.RingSize)}
	}
	return m
}

// Record pushes a sample, evicting the oldest when the ring is full. Unknown
// symbols are ignored.
func (m *Monitor) Record(symbol string, sample time.Duration) {
	s, ok := m.series[symbol]
	if !ok {
		return
	}
	s.mu.Lock()
	s.ring.Enqueue(sample)
	s.mu.Unlock()
}

// Gate returns the admission gate of a symbol, nil if unknown.
func (m *Monitor) Gate(symbol string) *Gate {
	if s, ok := m.series[symbol]; ok {
		return &s.gate
	}
	return nil
}

// Median returns the current median latency and sample count.
func (m *Monitor) Median(symbol string) (time.Duration, int) {
	s, ok := m.series[symbol]
	if !ok {
		return 0, 0
	}
	return median(s.values())
}

func (s *series) values() []time.Duration {
	s.mu.Lock()
	raw := s.ring.Values()
	s.mu.Unlock()
	out := make([]time.Duration, len(raw))
	for i, v := range raw {
		out[i] = v.(time.Duration)
	}
	return out
}

func median(values []time.Duration) (time.Duration, int) {
	n := len(values)
	if n == 0 {
		return 0, 0
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	if n%2 == 1 {
		return values[n/2], n
	}
	return (values[n/2-1] + values[n/2]) / 2, n
}

// Evaluate recomputes the gate of one symbol. Below MinSamples the gate stays
// closed and the state is flagged as warming up rather than unhealthy.
func (m *Monitor) Evaluate(symbol string) GateState {
	s, ok := m.series[symbol]
	if !ok {
		return GateState{}
	}
	med, n := median(s.values())
	state := GateState{
		LastEvaluated: m.now(),
		Median:        med,
		Samples:       n,
	}
	if n < m.cfg.MinSamples {
		state.WarmingUp = true
	} else {
		state.Enabled = med < m.cfg.Threshold
	}

	if s.gate.store(state) {
		m.log.WithComponent("latency_monitor").WithFields(logger.Fields{
			"symbol":     symbol,
			"enabled":    state.Enabled,
			"median_ms":  med.Milliseconds(),
			"samples":    n,
			"warming_up": state.WarmingUp,
		}).Info("admission gate changed")
	}
	return state
}

// EvaluateAll evaluates every symbol once.
func (m *Monitor) EvaluateAll() {
	for symbol := range m.series {
		m.Evaluate(symbol)
	}
}

// Run evaluates all gates on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.cfg.EvalInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvaluateAll()
		}
	}
}
