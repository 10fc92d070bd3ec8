package dashboard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"depthflow/internal/metrics"
	"depthflow/logger"
)

// historyPoint condenses one aggregator snapshot for trend charts.
type historyPoint struct {
	Timestamp   time.Time            `json:"timestamp"`
	Host        metrics.HostSnapshot `json:"host"`
	QueueDepth  int                  `json:"queue_depth"`
	Received    int64                `json:"received"`
	Written     int64                `json:"written"`
	Dropped     int64                `json:"dropped"`
	GateDropped int64                `json:"gate_dropped"`
	GatesOpen   int                  `json:"gates_open"`
	Symbols     int                  `json:"symbols"`
}

func pointFromSnapshot(snap metrics.Snapshot) historyPoint {
	p := historyPoint{Timestamp: snap.Timestamp, Host: snap.Host, Symbols: len(snap.Symbols)}
	for _, s := range snap.Symbols {
		p.QueueDepth += s.QueueDepth
		p.Received += s.Received
		p.Written += s.Written
		p.Dropped += s.Dropped
		p.GateDropped += s.GateDropped
		if s.GateEnabled {
			p.GatesOpen++
		}
	}
	return p
}

// snapshotHistory polls the snapshot source and keeps the most recent points.
type snapshotHistory struct {
	mu       sync.RWMutex
	items    []historyPoint
	limit    int
	interval time.Duration
	source   SnapshotSource

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	log     *logger.Log
}

func newSnapshotHistory(limit int, interval time.Duration, source SnapshotSource, log *logger.Log) *snapshotHistory {
	if limit <= 0 {
		limit = 200
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &snapshotHistory{
		limit:    limit,
		interval: interval,
		source:   source,
		log:      log,
	}
}

func (h *snapshotHistory) start(ctx context.Context) {
	if h == nil {
		return
	}
	if h.running.Swap(true) {
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.run(childCtx)
	}()
}

func (h *snapshotHistory) stop() {
	if h == nil {
		return
	}
	if cancel := h.cancel; cancel != nil {
		cancel()
	}
	h.wg.Wait()
	h.running.Store(false)
}

func (h *snapshotHistory) snapshot() []historyPoint {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]historyPoint, len(h.items))
	copy(out, h.items)
	return out
}

func (h *snapshotHistory) append(p historyPoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, p)
	if len(h.items) > h.limit {
		h.items = append([]historyPoint(nil), h.items[len(h.items)-h.limit:]...)
	}
}

func (h *snapshotHistory) run(ctx context.Context) {
	defer h.running.Store(false)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap := h.source()
		// the aggregator has not produced its first snapshot yet
		if snap.Timestamp.IsZero() {
			h.log.WithComponent("dashboard").Debug("no snapshot available yet")
			continue
		}
		h.append(pointFromSnapshot(snap))
	}
}
