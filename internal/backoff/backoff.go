package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy computes reconnection delays. It holds no state; the attempt counter
// lives with the caller.
type Policy struct {
	// Base is raised to the attempt number to obtain the delay in seconds.
	Base            float64
	Max             time.Duration
	Jitter          time.Duration
	ResetCycleAfter int
	ResetLevel      int
}

// Effective maps an attempt number onto the range the delay curve is
// evaluated on. Attempts past ResetCycleAfter fold back to ResetLevel.
func (p Policy) Effective(attempt int) int {
	if attempt < 0 {
		return 0
	}
	if p.ResetCycleAfter > 0 && attempt > p.ResetCycleAfter {
		return p.ResetLevel
	}
	return attempt
}

// Next returns the attempt number to use after a failed attempt.
func (p Policy) Next(attempt int) int {
	return p.Effective(attempt + 1)
}

// Delay is min(Max, Base^attempt seconds) without jitter.
func (p Policy) Delay(attempt int) time.Duration {
	n := p.Effective(attempt)
	seconds := math.Pow(p.Base, float64(n))
	if math.IsInf(seconds, 0) || math.IsNaN(seconds) || seconds >= p.Max.Seconds() {
		return p.Max
	}
	return time.Duration(seconds * float64(time.Second))
}

// Jittered adds a uniform jitter in [0, Jitter) to Delay and never exceeds Max.
// rnd returns values in [0, 1); nil uses math/rand.
func (p Policy) Jittered(attempt int, rnd func() float64) time.Duration {
	d := p.Delay(attempt)
	if p.Jitter > 0 {
		if rnd == nil {
			rnd = rand.Float64
		}
		d += time.Duration(rnd() * float64(p.Jitter))
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}

// State tracks the reconnection attempts of one session.
type State struct {
	Attempt        int
	LastDisconnect time.Time
}

// Reset is called after a successful connect.
func (s *State) Reset() {
	s.Attempt = 0
}

// Fail records a disconnect and returns the delay to wait before retrying.
func (s *State) Fail(p Policy, now time.Time, rnd func() float64) time.Duration {
	s.LastDisconnect = now
	delay := p.Jittered(s.Attempt, rnd)
	s.Attempt = p.Next(s.Attempt)
	return delay
}
