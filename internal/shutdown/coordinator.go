package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"depthflow/logger"
)

// ErrUnclean is returned by Run when a step did not finish within the grace
// period.
var ErrUnclean = errors.New("shutdown did not complete cleanly")

type State int32

const (
	Running State = iota
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Step is one stage of the shutdown sequence. Steps run in the order they were
// added and share the grace context.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Coordinator runs the shutdown sequence once, on the first trigger.
type Coordinator struct {
	grace time.Duration
	log   *logger.Log
	steps []Step

	state atomic.Int32

	mu        sync.Mutex
	reason    string
	triggered chan struct{}
	forced    chan struct{}
	trigOnce  sync.Once
	forceOnce sync.Once
	done      chan struct{}
}

func New(grace time.Duration, log *logger.Log) *Coordinator {
	if grace <= 0 {
		grace = 30 * time.Second
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Coordinator{
		grace:     grace,
		log:       log,
		triggered: make(chan struct{}),
		forced:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Add appends a step. It must be called before Run.
func (c *Coordinator) Add(name string, fn func(ctx context.Context) error) {
	c.steps = append(c.steps, Step{Name: name, Run: fn})
}

// Trigger starts the shutdown. Further calls while draining cut the grace
// period short.
func (c *Coordinator) Trigger(reason string) {
	first := false
	c.trigOnce.Do(func() {
		first = true
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.triggered)
	})
	if first {
		c.log.WithComponent("shutdown").WithFields(logger.Fields{"reason": reason}).Info("shutdown requested")
		return
	}
	if c.State() == Stopped {
		return
	}
	c.forceOnce.Do(func() {
		c.log.WithComponent("shutdown").WithFields(logger.Fields{"reason": reason}).Warn("second shutdown request; cancelling grace period")
		close(c.forced)
	})
}

func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Reason is the reason given to the first Trigger.
func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Triggered is closed on the first Trigger.
func (c *Coordinator) Triggered() <-chan struct{} {
	return c.triggered
}

// Done is closed once the sequence has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Run waits for a trigger, or for ctx to end, and then executes every step
// within the grace period. Steps after a timeout still run with the expired
// context so they can release what they hold.
func (c *Coordinator) Run(ctx context.Context) error {
	select {
	case <-c.triggered:
	case <-ctx.Done():
		c.Trigger("context cancelled")
	}

	c.state.Store(int32(Draining))
	defer func() {
		c.state.Store(int32(Stopped))
		close(c.done)
	}()

	graceCtx, cancel := context.WithTimeout(context.Background(), c.grace)
	defer cancel()
	go func() {
		select {
		case <-c.forced:
			cancel()
		case <-graceCtx.Done():
		}
	}()

	log := c.log.WithComponent("shutdown")
	start := time.Now()
	unclean := false
	for _, step := range c.steps {
		stepStart := time.Now()
		err := step.Run(graceCtx)
		fields := logger.Fields{
			"step":        step.Name,
			"duration_ms": time.Since(stepStart).Milliseconds(),
		}
		switch {
		case err != nil:
			unclean = true
			log.WithError(err).WithFields(fields).Error("shutdown step failed")
		case graceCtx.Err() != nil:
			unclean = true
			log.WithFields(fields).Warn("shutdown step finished after grace period")
		default:
			log.WithFields(fields).Info("shutdown step complete")
		}
	}

	fields := logger.Fields{
		"reason":      c.Reason(),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if unclean {
		log.WithFields(fields).Error("shutdown finished uncleanly")
		return ErrUnclean
	}
	log.WithFields(fields).Info("shutdown complete")
	return nil
}
