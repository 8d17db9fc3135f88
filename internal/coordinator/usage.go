// ABOUTME: In-memory command-usage counter with periodic flushing to the
// ABOUTME: SQLite usage store.

package coordinator

import (
	"context"
	"sync"
	"time"
)

// usageCounter buffers per-user command counts between flushes so a chatty
// worker fleet does not turn into one SQLite write per command.
type usageCounter struct {
	mu       sync.Mutex
	counts   map[int64]int64
	lifetime int64
}

func newUsageCounter() *usageCounter {
	return &usageCounter{counts: make(map[int64]int64)}
}

func (u *usageCounter) Add(userID int64) {
	u.mu.Lock()
	u.counts[userID]++
	u.lifetime++
	u.mu.Unlock()
}

// Drain returns the buffered counts and resets the buffer. Lifetime totals
// are unaffected.
func (u *usageCounter) Drain() map[int64]int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.counts) == 0 {
		return nil
	}
	drained := u.counts
	u.counts = make(map[int64]int64)
	return drained
}

// Lifetime reports the total commands counted since startup, including
// counts already flushed.
func (u *usageCounter) Lifetime() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lifetime
}

func (c *Coordinator) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flushUsage()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Coordinator) flushUsage() {
	if c.usageStore == nil {
		return
	}
	counts := c.usage.Drain()
	if counts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.usageStore.AddCommands(ctx, counts); err != nil {
		c.logger.Error("flushing usage counts", "error", err)
	}
}
