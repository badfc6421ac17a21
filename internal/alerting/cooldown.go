package alerting

import (
	"context"
	"strings"
	"sync"
	"time"
)

// CooldownNotifier suppresses repeat notifications for the same owner within a window.
type CooldownNotifier struct {
	next   Notifier
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewCooldownNotifier wraps next. A non-positive window disables suppression.
func NewCooldownNotifier(next Notifier, window time.Duration) *CooldownNotifier {
	return &CooldownNotifier{next: next, window: window, now: time.Now, last: make(map[string]time.Time)}
}

// Allow reports whether a notification for address may be sent now and, if so,
// reserves the slot.
func (c *CooldownNotifier) Allow(address string) bool {
	if c.window <= 0 {
		return true
	}
	key := strings.ToLower(address)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if at, ok := c.last[key]; ok && now.Sub(at) < c.window {
		return false
	}
	c.last[key] = now
	return true
}

// Notify forwards the notification unless the owner is cooling down. Suppressed
// notifications return ErrSuppressed.
func (c *CooldownNotifier) Notify(ctx context.Context, note Notification) error {
	if !c.Allow(note.Event.Address) {
		return ErrSuppressed
	}
	if err := c.next.Notify(ctx, note); err != nil {
		c.release(note.Event.Address)
		return err
	}
	return nil
}

func (c *CooldownNotifier) release(address string) {
	c.mu.Lock()
	delete(c.last, strings.ToLower(address))
	c.mu.Unlock()
}

var _ Notifier = (*CooldownNotifier)(nil)
