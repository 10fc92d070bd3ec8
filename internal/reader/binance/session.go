package binance

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"depthflow/internal/backoff"
	"depthflow/internal/metrics"
	"depthflow/internal/models"
	"depthflow/logger"
)

// Queue is the producer side of a snapshot queue. TryEnqueue must not block.
type Queue interface {
	TryEnqueue(u models.DepthUpdate) bool
}

// LatencyRecorder receives one latency sample per decoded update.
type LatencyRecorder interface {
	Record(symbol string, sample time.Duration)
}

// Admission reports whether updates may currently be queued.
type Admission interface {
	Enabled() bool
}

type SessionConfig struct {
	Symbol       string
	WSBaseURL    string
	StreamSuffix string
	// LocalIP binds outbound connections to one local address.
	LocalIP      string
	PingInterval time.Duration
	PingTimeout  time.Duration
	ReadTimeout  time.Duration
	Backoff      backoff.Policy
	// ClockOffset, when set, is added to the receipt time before the latency
	// sample is taken. It does not change the recorded ReceivedTime.
	ClockOffset func() time.Duration
}

// SessionStats are cumulative counters of one session.
type SessionStats struct {
	Received     int64 `json:"received"`
	Enqueued     int64 `json:"enqueued"`
	Dropped      int64 `json:"dropped"`
	GateDropped  int64 `json:"gate_dropped"`
	DecodeErrors int64 `json:"decode_errors"`
	Reconnects   int64 `json:"reconnects"`
	Connected    bool  `json:"connected"`
	GateEnabled  bool  `json:"gate_enabled"`
}

// Session streams one symbol's depth updates into its queue, reconnecting
// with backoff until its context is cancelled.
type Session struct {
	cfg     SessionConfig
	url     string
	queue   Queue
	latency LatencyRecorder
	gate    Admission
	dialer  *websocket.Dialer
	dials   *rate.Limiter

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	state backoff.State
	seq   uint64

	received     atomic.Int64
	enqueued     atomic.Int64
	dropped      atomic.Int64
	gateDropped  atomic.Int64
	decodeErrors atomic.Int64
	reconnects   atomic.Int64
	connected    atomic.Bool
	gateOpen     bool

	// drops not yet reported; flushed at most once per dropReport tick
	pendingDrops     int64
	pendingGateDrops int64
	dropReport       *rate.Limiter

	log *logger.Log
	now func() time.Time
	rnd func() float64
}

// NewSession builds a session. dials throttles handshakes and may be shared
// by every session bound to the same source IP; nil disables throttling.
func NewSession(cfg SessionConfig, queue Queue, rec LatencyRecorder, gate Admission, dials *rate.Limiter, log *logger.Log) *Session {
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.StreamSuffix == "" {
		cfg.StreamSuffix = "@depth20@100ms"
	}
	return &Session{
		cfg:        cfg,
		url:        StreamURL(cfg.WSBaseURL, cfg.Symbol, cfg.StreamSuffix),
		queue:      queue,
		latency:    rec,
		gate:       gate,
		dialer:     newDialer(cfg.LocalIP),
		dials:      dials,
		dropReport: rate.NewLimiter(rate.Every(10*time.Second), 1),
		log:        log,
		now:        time.Now,
		rnd:        rand.Float64,
	}
}

// StreamURL builds the raw stream endpoint of symbol.
func StreamURL(base, symbol, suffix string) string {
	return strings.TrimRight(base, "/") + "/ws/" + strings.ToLower(symbol) + suffix
}

func (s *Session) entry() *logger.Entry {
	return s.log.WithComponent("stream_session").WithFields(logger.Fields{"symbol": s.cfg.Symbol})
}

// Start launches the session goroutine. It fails when the session is already
// running.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("session %s already running", s.cfg.Symbol)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.run(runCtx)
	}()

	s.entry().WithFields(logger.Fields{"url": s.url, "local_ip": s.cfg.LocalIP}).Info("stream session started")
	return nil
}

// Stop cancels the session; no frame is accepted after the read loop sees
// the cancellation.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the session goroutine has exited.
func (s *Session) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Session) Symbol() string { return s.cfg.Symbol }

// URL is the stream endpoint the session connects to.
func (s *Session) URL() string { return s.url }

func (s *Session) Stats() SessionStats {
	return SessionStats{
		Received:     s.received.Load(),
		Enqueued:     s.enqueued.Load(),
		Dropped:      s.dropped.Load(),
		GateDropped:  s.gateDropped.Load(),
		DecodeErrors: s.decodeErrors.Load(),
		Reconnects:   s.reconnects.Load(),
		Connected:    s.connected.Load(),
		GateEnabled:  s.gate == nil || s.gate.Enabled(),
	}
}

func (s *Session) run(ctx context.Context) {
	defer func() {
		s.flushDropReport(true)
		s.entry().WithFields(logger.Fields{
			"received": s.received.Load(),
			"enqueued": s.enqueued.Load(),
		}).Info("stream session stopped")
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		delay := s.state.Fail(s.cfg.Backoff, s.now(), s.rnd)
		s.reconnects.Add(1)
		s.entry().WithError(err).WithFields(logger.Fields{
			"attempt": s.state.Attempt,
			"delay":   delay.String(),
		}).Warn("stream disconnected; reconnecting")

		if waitForReconnect(ctx, delay) {
			return
		}
	}
}

func (s *Session) connectAndRead(ctx context.Context) error {
	if s.dials != nil {
		if err := s.dials.Wait(ctx); err != nil {
			return err
		}
	}

	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()

	s.state.Reset()
	s.connected.Store(true)
	defer s.connected.Store(false)
	s.entry().Info("stream connected")

	pingCancel := startPingLoop(ctx, conn, s.cfg.PingInterval, s.cfg.PingTimeout, s.entry())
	defer pingCancel()

	return readMessages(ctx, conn, s.cfg.ReadTimeout, s.handleFrame)
}

// handleFrame runs on the read goroutine for every frame. It never blocks and
// never logs per message.
func (s *Session) handleFrame(frame []byte) error {
	receivedAt := s.now()
	ev, err := models.DecodeDepthEvent(frame)
	if err != nil {
		s.decodeErrors.Add(1)
		return err
	}
	s.received.Add(1)
	s.seq++
	u := models.NewDepthUpdate(ev, s.cfg.Symbol, receivedAt, s.seq)

	if s.latency != nil {
		sample := u.Latency()
		if s.cfg.ClockOffset != nil {
			sample += s.cfg.ClockOffset()
		}
		s.latency.Record(s.cfg.Symbol, sample)
	}

	open := s.gate == nil || s.gate.Enabled()
	if open != s.gateOpen {
		s.gateOpen = open
		s.entry().WithFields(logger.Fields{"gate_enabled": open}).Info("admission gate changed")
	}

	switch {
	case !open:
		s.gateDropped.Add(1)
		s.pendingGateDrops++
	case s.queue.TryEnqueue(u):
		s.enqueued.Add(1)
	default:
		s.dropped.Add(1)
		s.pendingDrops++
	}
	s.flushDropReport(false)
	return nil
}

// flushDropReport emits accumulated drops, throttled unless force is set.
func (s *Session) flushDropReport(force bool) {
	if s.pendingDrops == 0 && s.pendingGateDrops == 0 {
		return
	}
	if !force && !s.dropReport.Allow() {
		return
	}
	if s.pendingDrops > 0 {
		s.entry().WithFields(logger.Fields{
			"dropped":       s.pendingDrops,
			"dropped_total": s.dropped.Load(),
		}).Warn("snapshot queue full; updates dropped")
		metrics.EmitDropMetric(s.log, metrics.DropMetricQueueFull, s.cfg.Symbol, s.pendingDrops)
	}
	if s.pendingGateDrops > 0 {
		metrics.EmitDropMetric(s.log, metrics.DropMetricGateClosed, s.cfg.Symbol, s.pendingGateDrops)
	}
	s.pendingDrops = 0
	s.pendingGateDrops = 0
}
