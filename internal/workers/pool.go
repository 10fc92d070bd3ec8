package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"depthflow/logger"
)

// ErrPoolClosed is returned by Submit after Shutdown has begun.
var ErrPoolClosed = errors.New("worker pool closed")

// Task is one unit of background work. Run must return promptly once ctx is
// cancelled.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Stats summarises a pool's lifetime counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Queued    int   `json:"queued"`
	Running   int64 `json:"running"`
}

// Pool runs tasks on a fixed number of goroutines fed by a bounded queue.
type Pool struct {
	name  string
	tasks chan Task

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	closed   bool
	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	running   atomic.Int64

	log *logger.Log
}

// New starts size workers with a queue of depth queueSize.
func New(name string, size, queueSize int, log *logger.Log) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if log == nil {
		log = logger.GetLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   name,
		tasks:  make(chan Task, queueSize),
		ctx:    ctx,
		cancel: cancel,
		quit:   make(chan struct{}),
		log:    log,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	log.WithComponent("worker_pool").WithFields(logger.Fields{
		"pool":       name,
		"workers":    size,
		"queue_size": queueSize,
	}).Info("worker pool started")
	return p
}

// Submit hands a task to the pool. It blocks while the queue is full, which
// is the backpressure seen by the snapshot writer, and gives up when ctx is
// done or the pool is shutting down.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- t:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolClosed
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	log := p.log.WithComponent("worker_pool").WithFields(logger.Fields{"pool": p.name, "worker": id})
	for t := range p.tasks {
		p.running.Add(1)
		start := time.Now()
		err := p.runTask(t)
		p.running.Add(-1)
		if err != nil {
			p.failed.Add(1)
			log.WithError(err).WithFields(logger.Fields{"task": t.Name}).Warn("task failed")
			continue
		}
		p.completed.Add(1)
		log.WithFields(logger.Fields{
			"task":        t.Name,
			"duration_ms": float64(time.Since(start).Nanoseconds()) / 1e6,
		}).Debug("task completed")
	}
}

func (p *Pool) runTask(t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Name, r)
		}
	}()
	if t.Run == nil {
		return nil
	}
	return t.Run(p.ctx)
}

// Shutdown stops accepting tasks and waits for queued and running tasks to
// finish. When ctx expires first, running tasks are cancelled and the context
// error is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.quitOnce.Do(func() { close(p.quit) })

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	log := p.log.WithComponent("worker_pool").WithFields(logger.Fields{"pool": p.name})
	select {
	case <-done:
		p.cancel()
		log.Info("worker pool drained")
		return nil
	case <-ctx.Done():
		p.cancel()
		log.WithFields(logger.Fields{
			"queued":  len(p.tasks),
			"running": p.running.Load(),
		}).Warn("worker pool shutdown timed out; cancelling tasks")
		return fmt.Errorf("pool %s: %w", p.name, ctx.Err())
	}
}

func (p *Pool) Name() string { return p.name }

func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Queued:    len(p.tasks),
		Running:   p.running.Load(),
	}
}
