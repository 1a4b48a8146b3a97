package syncclient

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff is an exponential delay schedule with symmetric jitter.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// DefaultBackoff is used for save retries and push reconnects.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// withDefaults fills unset fields from DefaultBackoff. Jitter may
// legitimately be zero and is left alone.
func (b Backoff) withDefaults() Backoff {
	def := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = def.Base
	}
	if b.Max <= 0 {
		b.Max = def.Max
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Multiplier < 1 {
		b.Multiplier = def.Multiplier
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	return b
}

// Delay returns the wait before retry number attempt, counting from zero.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	delay := min(float64(b.Base)*math.Pow(b.Multiplier, float64(attempt)), float64(b.Max))

	if b.Jitter > 0 {
		delay += delay * b.Jitter * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = float64(b.Base)
	}
	return time.Duration(delay)
}

// sleep waits for d or until ctx is done, reporting whether it waited fully.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
