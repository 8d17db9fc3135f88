// ABOUTME: Fleet-wide cooldown table keyed by command and user.
// ABOUTME: Expired entries are swept by a background janitor goroutine.

package limits

import (
	"sync"
	"time"
)

type cooldownKey struct {
	command string
	userID  int64
}

// Cooldowns tracks when each user may next run each rate-limited command.
// A successful Check starts the cooldown, so admission costs one lookup.
type Cooldowns struct {
	mu     sync.Mutex
	rates  map[string]time.Duration
	expiry map[cooldownKey]time.Time
	done   chan struct{}
	closed bool
}

// NewCooldowns creates a cooldown table with the given per-command rates.
// A background goroutine periodically sweeps expired entries.
func NewCooldowns(rates map[string]time.Duration) *Cooldowns {
	c := &Cooldowns{
		rates:  rates,
		expiry: make(map[cooldownKey]time.Time),
		done:   make(chan struct{}),
	}
	go c.janitor()
	return c
}

// SetRates swaps in a new rate table. Running cooldowns keep their original
// expiry.
func (c *Cooldowns) SetRates(rates map[string]time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rates = rates
}

// Check reports whether the user may run the command now. When allowed, the
// cooldown is started atomically; when denied, the remaining wait is
// returned. Commands without a declared rate are always allowed.
func (c *Cooldowns) Check(command string, userID int64) (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rate, limited := c.rates[command]
	if !limited {
		return true, 0
	}

	key := cooldownKey{command, userID}
	now := time.Now()
	if until, ok := c.expiry[key]; ok && now.Before(until) {
		return false, until.Sub(now)
	}

	c.expiry[key] = now.Add(rate)
	return true, 0
}

// Start begins a cooldown of the given length regardless of the declared
// rate. Zero duration uses the declared rate, if any.
func (c *Cooldowns) Start(command string, userID int64, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d <= 0 {
		d = c.rates[command]
	}
	if d <= 0 {
		return
	}
	c.expiry[cooldownKey{command, userID}] = time.Now().Add(d)
}

// Reset clears one user's cooldown for a command.
func (c *Cooldowns) Reset(command string, userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.expiry, cooldownKey{command, userID})
}

// Remaining returns the wait left on a cooldown, or zero if none is active.
func (c *Cooldowns) Remaining(command string, userID int64) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	until, ok := c.expiry[cooldownKey{command, userID}]
	if !ok {
		return 0
	}
	if left := time.Until(until); left > 0 {
		return left
	}
	return 0
}

// Close stops the janitor goroutine. Safe to call more than once.
func (c *Cooldowns) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

func (c *Cooldowns) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

func (c *Cooldowns) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, until := range c.expiry {
		if now.After(until) {
			delete(c.expiry, key)
		}
	}
}
