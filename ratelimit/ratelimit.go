// Package ratelimit implements spec §6's rate-limiter contract
// (delay/wait_freezable_stoppable/increment/reset) over
// golang.org/x/time/rate, used by the move engine's admission control
// (spec §4.5).
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter throttles the move engine's byte throughput.
type Limiter struct {
	l *rate.Limiter
}

// New returns a Limiter allowing bytesPerSec sustained throughput with a
// burst of one second's worth of bytes. bytesPerSec <= 0 means unlimited.
func New(bytesPerSec float64) *Limiter {
	if bytesPerSec <= 0 {
		return &Limiter{l: rate.NewLimiter(rate.Inf, 0)}
	}
	return &Limiter{l: rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))}
}

// Delay reports how long the caller would have to wait to spend n bytes
// right now, without actually spending them.
func (lim *Limiter) Delay(n int) time.Duration {
	r := lim.l.ReserveN(time.Now(), n)
	d := r.Delay()
	r.Cancel()
	return d
}

// WaitFreezableStoppable blocks until n bytes of budget are available or
// ctx is done — the "freezable, stoppable" wait spec §6 asks for, where
// "freezable" is modeled as "obeys ctx cancellation" since this core has
// no separate freeze primitive. A request larger than the burst waits for
// one full burst's worth of bytes.
func (lim *Limiter) WaitFreezableStoppable(ctx context.Context, n int) error {
	if lim.l.Limit() != rate.Inf && n > lim.l.Burst() {
		n = lim.l.Burst()
	}
	return lim.l.WaitN(ctx, n)
}

// Increment charges n bytes against the budget without waiting, used when
// the caller already knows it's going to do the I/O regardless and just
// wants the accounting to reflect it. A request larger than the burst is
// not charged.
func (lim *Limiter) Increment(n int) {
	_ = lim.l.ReserveN(time.Now(), n)
}

// Reset sets a new rate, with the same burst rule as New; bytesPerSec <= 0
// makes the limiter unlimited. Tokens already accumulated are kept.
func (lim *Limiter) Reset(bytesPerSec float64) {
	if bytesPerSec <= 0 {
		lim.l.SetLimit(rate.Inf)
		return
	}
	lim.l.SetLimit(rate.Limit(bytesPerSec))
	lim.l.SetBurst(int(bytesPerSec))
}
