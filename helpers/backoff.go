package helpers

import (
	"sync"
	"time"
)

// Backoff is limited exponential retry delay, safe for concurrent use.
// Zero value always returns 0 delay.
// Failure() or Update(false) multiplies next delay by K, Reset() returns it to Min.
type Backoff struct {
	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // delay resolution for nice logs, default=1ms

	mu   sync.Mutex
	next time.Duration
	last time.Time
	now  func() time.Time // tests only
}

// DelayAfter fits loops that sleep after operation:
// for {
//   err := op()
//   time.Sleep(backoff.DelayAfter(err==nil))
// }
// Delay is not reduced by time passed.
func (b *Backoff) DelayAfter(success bool) time.Duration {
	b.Update(success)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.next == 0 {
		return 0
	}
	return b.limit(b.next)
}

// DelayBefore fits loops that sleep before operation:
// for {
//   time.Sleep(backoff.DelayBefore())
//   backoff.Update(op()==nil)
// }
// Time passed since last update is subtracted. First delay is always 0.
func (b *Backoff) DelayBefore() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.next == 0 {
		return 0
	}
	delay := b.limit(b.next)
	since := b.clock().Sub(b.last)
	if since >= delay {
		return 0
	}
	return b.round(delay - since)
}

func (b *Backoff) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.next < b.Min {
		b.next = b.Min
	} else {
		b.next = b.limit(time.Duration(float32(b.next) * b.K))
	}
	b.last = b.clock()
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next = 0
	b.last = b.clock()
}

func (b *Backoff) Update(success bool) {
	if success {
		b.Reset()
	} else {
		b.Failure()
	}
}

func (b *Backoff) clock() time.Time {
	if b.now != nil {
		return b.now()
	}
	return time.Now()
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = time.Millisecond
	}
	return d / res * res
}
