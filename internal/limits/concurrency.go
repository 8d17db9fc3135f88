// ABOUTME: Fleet-wide concurrency counts for commands with an admission cap.
// ABOUTME: Reserve admits atomically, Acquire confirms, Release retires.

package limits

import "sync"

type activeKey struct {
	command string
	userID  int64
}

// Concurrency tracks how many instances of each capped command are running
// anywhere in the fleet. Admission is a reservation: Reserve atomically
// checks the cap and counts the slot, so concurrent attempts can never
// admit more than the cap. The worker's before-action Acquire confirms the
// reservation (or registers directly when no check was made), and Release
// retires the slot on every exit path. Reservations and acquired slots are
// tracked separately per command+user so interleaved invocations by one
// user pair each release with exactly one slot.
type Concurrency struct {
	mu       sync.Mutex
	caps     map[string]int
	active   map[string]int
	reserved map[activeKey]int
	acquired map[activeKey]int
}

// NewConcurrency creates a limiter with the given per-command caps.
func NewConcurrency(caps map[string]int) *Concurrency {
	return &Concurrency{
		caps:     caps,
		active:   make(map[string]int),
		reserved: make(map[activeKey]int),
		acquired: make(map[activeKey]int),
	}
}

// SetCaps swaps in a new cap table. In-flight counts are preserved.
func (c *Concurrency) SetCaps(caps map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caps = caps
}

// Reserve admits one instance of the command if the fleet-wide count is
// under the cap, counting the slot immediately. Commands without a declared
// cap are always admitted without counting.
func (c *Concurrency) Reserve(command string, userID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	limit, capped := c.caps[command]
	if !capped {
		return true
	}
	if c.active[command] >= limit {
		return false
	}

	c.active[command]++
	c.reserved[activeKey{command, userID}]++
	return true
}

// Acquire registers one in-flight instance. If the caller holds a
// reservation from Reserve, the slot is already counted and the
// reservation converts to an acquired slot instead of counting twice.
func (c *Concurrency) Acquire(command string, userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := activeKey{command, userID}
	if c.reserved[key] > 0 {
		c.reserved[key]--
		if c.reserved[key] == 0 {
			delete(c.reserved, key)
		}
	} else {
		c.active[command]++
	}
	c.acquired[key]++
}

// Release retires one in-flight instance. Acquired slots retire first;
// only when none remain does a release retire an abandoned reservation
// (check passed, action never ran). Releases with no matching slot at all
// are ignored so a misbehaving worker cannot drive counts negative.
func (c *Concurrency) Release(command string, userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := activeKey{command, userID}
	switch {
	case c.acquired[key] > 0:
		c.acquired[key]--
		if c.acquired[key] == 0 {
			delete(c.acquired, key)
		}
	case c.reserved[key] > 0:
		c.reserved[key]--
		if c.reserved[key] == 0 {
			delete(c.reserved, key)
		}
	default:
		return
	}

	if c.active[command] > 0 {
		c.active[command]--
		if c.active[command] == 0 {
			delete(c.active, command)
		}
	}
}

// Active returns how many instances of the command are currently in flight
// fleet-wide, reservations included.
func (c *Concurrency) Active(command string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[command]
}
