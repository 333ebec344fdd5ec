// Package ring is fixed capacity circular buffer of position fixes.
// Newest sample overwrites oldest unconditionally, data loss on overflow
// is accepted. Contents are volatile.
package ring

import (
	"fmt"
	"sync"
	"time"
)

type Sample struct {
	ID         uint64 // push sequence, 1-based; 0 means empty slot
	Longitude  float64
	Latitude   float64
	Altitude   float64
	Accuracy   float64
	Speed      float64
	Heading    float64
	CapturedAt time.Time
	Pending    bool
}

func (s Sample) String() string {
	return fmt.Sprintf("<Sample id=%d lat=%.6f lng=%.6f pending=%t>", s.ID, s.Latitude, s.Longitude, s.Pending)
}

type Ring struct {
	mu    sync.Mutex
	slots []Sample
	seq   uint64 // ID of most recent sample
	now   func() time.Time
}

func New(capacity int) *Ring {
	if capacity < 1 {
		panic(fmt.Sprintf("code error ring capacity=%d", capacity))
	}
	return &Ring{
		slots: make([]Sample, capacity),
		now:   time.Now,
	}
}

// SetClock replaces capture time source, for tests.
func (self *Ring) SetClock(now func() time.Time) {
	self.mu.Lock()
	self.now = now
	self.mu.Unlock()
}

func (self *Ring) Cap() int { return len(self.slots) }

func (self *Ring) slot(id uint64) int { return int((id - 1) % uint64(len(self.slots))) }

// Push overwrites oldest slot, marks sample pending, returns assigned ID.
func (self *Ring) Push(s Sample) uint64 {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.seq++
	s.ID = self.seq
	s.Pending = true
	if s.CapturedAt.IsZero() {
		s.CapturedAt = self.now()
	}
	self.slots[self.slot(s.ID)] = s
	return s.ID
}

func (self *Ring) CountPending() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	n := 0
	for i := range self.slots {
		if self.slots[i].Pending {
			n++
		}
	}
	return n
}

// Latest returns most recently pushed sample.
func (self *Ring) Latest() (Sample, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.seq == 0 {
		return Sample{}, false
	}
	return self.slots[self.slot(self.seq)], true
}

// ClearPending only touches slots still holding given IDs,
// sample overwritten since drain stays pending. Returns count cleared.
func (self *Ring) ClearPending(ids ...uint64) int {
	self.mu.Lock()
	defer self.mu.Unlock()
	n := 0
	for _, id := range ids {
		if id == 0 {
			continue
		}
		s := &self.slots[self.slot(id)]
		if s.ID == id && s.Pending {
			s.Pending = false
			n++
		}
	}
	return n
}

// Samples returns occupied slots, oldest first.
func (self *Ring) Samples() []Sample {
	self.mu.Lock()
	defer self.mu.Unlock()
	result := make([]Sample, 0, len(self.slots))
	self.walk(func(s *Sample) bool {
		result = append(result, *s)
		return true
	})
	return result
}

// walk visits occupied slots oldest to newest. Caller must hold mu.
func (self *Ring) walk(f func(*Sample) bool) {
	n := uint64(len(self.slots))
	first := uint64(1)
	if self.seq > n {
		first = self.seq - n + 1
	}
	for id := first; id <= self.seq; id++ {
		if !f(&self.slots[self.slot(id)]) {
			return
		}
	}
}

// Drain starts lazy iteration over up to max pending samples, oldest first.
// Pending flag is not cleared, see ClearPending.
func (self *Ring) Drain(max int) *Batch {
	self.mu.Lock()
	from := self.seq
	if n := uint64(len(self.slots)); from > n {
		from -= n
	} else {
		from = 0
	}
	last := self.seq
	self.mu.Unlock()
	return &Batch{r: self, next: from + 1, last: last, left: max}
}

// Batch is finite, non-restartable sequence produced by Ring.Drain.
//
//	b := r.Drain(10)
//	for b.Next() {
//		s := b.Sample()
//	}
type Batch struct {
	r       *Ring
	next    uint64 // ID to look at
	last    uint64 // newest ID at Drain time
	left    int
	current Sample
	ids     []uint64
}

func (b *Batch) Next() bool {
	if b.left <= 0 {
		return false
	}
	b.r.mu.Lock()
	defer b.r.mu.Unlock()
	// skip IDs overwritten since Drain
	if n := uint64(len(b.r.slots)); b.r.seq > n && b.next <= b.r.seq-n {
		b.next = b.r.seq - n + 1
	}
	for ; b.next <= b.last; b.next++ {
		s := b.r.slots[b.r.slot(b.next)]
		if s.ID == b.next && s.Pending {
			b.next++
			b.left--
			b.current = s
			b.ids = append(b.ids, s.ID)
			return true
		}
	}
	b.left = 0
	return false
}

func (b *Batch) Sample() Sample { return b.current }

// IDs of samples yielded so far, argument for Ring.ClearPending.
func (b *Batch) IDs() []uint64 { return b.ids }
