package chat

import (
	"sync"
	"time"
)

// Throttle enforces the minimum inter-send interval per user. The
// in-process relay covers its own session's sends; this covers the
// stateless send path, where one process serves many identities.
type Throttle struct {
	cooldown time.Duration
	clock    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewThrottle builds a per-user throttle; DefaultCooldown when zero.
func NewThrottle(cooldown time.Duration) *Throttle {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Throttle{
		cooldown: cooldown,
		clock:    time.Now,
		last:     make(map[string]time.Time),
	}
}

// Reserve claims a send slot for userID. Inside the cooldown window it
// returns ErrCooldown carrying the remaining wait; a rejection does not
// move the window.
func (t *Throttle) Reserve(userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	if last, ok := t.last[userID]; ok {
		if remaining := t.cooldown - now.Sub(last); remaining > 0 {
			return ErrCooldown{Remaining: remaining}
		}
	}
	t.last[userID] = now
	return nil
}
