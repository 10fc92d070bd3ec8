package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"depthflow/internal/metrics"
	"depthflow/internal/models"
	"depthflow/logger"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("snapshot queue closed")

// QueueStats is a point in time view of a SnapshotQueue.
type QueueStats struct {
	Enqueued int64
	Dropped  int64
	Len      int
	Cap      int
}

// SnapshotQueue is the bounded hand-off between one stream session (producer)
// and one snapshot writer (consumer).
type SnapshotQueue struct {
	symbol string
	ch     chan models.DepthUpdate

	mu     sync.RWMutex
	closed bool

	enqueued  atomic.Int64
	dropped   atomic.Int64
	insertion metrics.IntervalTracker
	log       *logger.Log
}

func NewSnapshotQueue(symbol string, capacity int) *SnapshotQueue {
	if capacity <= 0 {
		capacity = 1
	}
	log := logger.GetLogger()
	q := &SnapshotQueue{
		symbol: symbol,
		ch:     make(chan models.DepthUpdate, capacity),
		log:    log,
	}

	log.WithComponent("snapshot_queue").WithFields(logger.Fields{
		"symbol":   symbol,
		"capacity": capacity,
	}).Debug("snapshot queue initialized")

	return q
}

// TryEnqueue never blocks. It returns false and counts a drop when the queue
// is full or closed.
func (q *SnapshotQueue) TryEnqueue(u models.DepthUpdate) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.dropped.Add(1)
		return false
	}
	select {
	case q.ch <- u:
		q.enqueued.Add(1)
		q.insertion.Observe(time.Now())
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Dequeue blocks until an update is available, the queue is closed and
// drained (ErrClosed), or ctx is done.
func (q *SnapshotQueue) Dequeue(ctx context.Context) (models.DepthUpdate, error) {
	select {
	case u, ok := <-q.ch:
		if !ok {
			return models.DepthUpdate{}, ErrClosed
		}
		return u, nil
	case <-ctx.Done():
		return models.DepthUpdate{}, ctx.Err()
	}
}

// C exposes the receive side for select loops. It is closed by Close after
// the producer can no longer send.
func (q *SnapshotQueue) C() <-chan models.DepthUpdate {
	return q.ch
}

// Close stops accepting updates. Items already queued remain readable.
func (q *SnapshotQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
	q.log.WithComponent("snapshot_queue").WithFields(logger.Fields{
		"symbol":  q.symbol,
		"pending": len(q.ch),
	}).Info("snapshot queue closed")
}

func (q *SnapshotQueue) Symbol() string { return q.symbol }
func (q *SnapshotQueue) Len() int       { return len(q.ch) }
func (q *SnapshotQueue) Cap() int       { return cap(q.ch) }

// InsertionInterval returns the mean gap between accepted updates since the
// previous call.
func (q *SnapshotQueue) InsertionInterval() time.Duration {
	return q.insertion.Take()
}

func (q *SnapshotQueue) Stats() QueueStats {
	return QueueStats{
		Enqueued: q.enqueued.Load(),
		Dropped:  q.dropped.Load(),
		Len:      len(q.ch),
		Cap:      cap(q.ch),
	}
}
