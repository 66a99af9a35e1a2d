package chat

import "sync"

const (
	// MaxUnread caps a single job's unread counter.
	MaxUnread = 999
	// MaxTotalUnread caps the aggregate unread counter.
	MaxTotalUnread = 9999
)

// UnreadTracker counts messages that arrived while a job's chat was not open.
type UnreadTracker struct {
	mu     sync.Mutex
	open   map[string]bool
	counts map[string]*state[int]
	total  *state[int]
}

// NewUnreadTracker returns a tracker with every counter at zero.
func NewUnreadTracker() *UnreadTracker {
	return &UnreadTracker{
		open:   make(map[string]bool),
		counts: make(map[string]*state[int]),
		total:  newState(0),
	}
}

func (u *UnreadTracker) counter(jobID string) *state[int] {
	c, ok := u.counts[jobID]
	if !ok {
		c = newState(0)
		u.counts[jobID] = c
	}
	return c
}

// SetOpen records whether jobID's chat is visible. Opening resets its counter.
func (u *UnreadTracker) SetOpen(jobID string, open bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.open[jobID] = open
	if !open {
		return
	}
	if c := u.counter(jobID); c.Load() != 0 {
		c.set(0)
		u.recompute()
	}
}

// IsOpen reports whether jobID's chat is visible.
func (u *UnreadTracker) IsOpen(jobID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.open[jobID]
}

// IncrementUnlessOpen counts one new message for jobID unless its chat is
// open. It reports whether the message was counted.
func (u *UnreadTracker) IncrementUnlessOpen(jobID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.open[jobID] {
		return false
	}
	c := u.counter(jobID)
	if v := c.Load(); v < MaxUnread {
		c.set(v + 1)
		u.recompute()
	}
	return true
}

// Observe returns the live unread counter for jobID.
func (u *UnreadTracker) Observe(jobID string) View[int] {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counter(jobID)
}

// ObserveTotal returns the live sum of all counters.
func (u *UnreadTracker) ObserveTotal() View[int] {
	return u.total
}

// Clear zeroes jobID's counter and forgets its open flag.
func (u *UnreadTracker) Clear(jobID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.open, jobID)
	if c, ok := u.counts[jobID]; ok && c.Load() != 0 {
		c.set(0)
		u.recompute()
	}
}

// ClearAll zeroes every counter and forgets every open flag.
func (u *UnreadTracker) ClearAll() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.open = make(map[string]bool)
	for _, c := range u.counts {
		if c.Load() != 0 {
			c.set(0)
		}
	}
	u.recompute()
}

func (u *UnreadTracker) recompute() {
	sum := 0
	for _, c := range u.counts {
		sum += c.Load()
	}
	if sum > MaxTotalUnread {
		sum = MaxTotalUnread
	}
	if u.total.Load() != sum {
		u.total.set(sum)
	}
}
