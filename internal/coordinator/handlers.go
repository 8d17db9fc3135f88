// ABOUTME: Coordinator packet handlers: broadcast fan-out, admission control,
// ABOUTME: economy pauses, stats, and the reload invalidation entry point.

package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/villager-dev/swarm/internal/dispatch"
	"github.com/villager-dev/swarm/internal/limits"
	"github.com/villager-dev/swarm/internal/protocol"
)

// baseLayer holds the protocol-level handlers every acceptor needs. The
// EVAL and EXEC codes stay in the enumeration for wire compatibility but
// deliberately have no handler here: remote code evaluation is replaced by
// the explicit administrative packets (RELOAD_DATA, FETCH_STATS), so those
// packets fall through to MISSING_PACKET and are logged.
func (c *Coordinator) baseLayer() dispatch.Layer {
	return dispatch.Layer{
		Name: "protocol",
		Registrations: []dispatch.Registration{
			{Type: protocol.MissingPacket, Handler: c.handleMissingPacket},
			{Type: protocol.BroadcastRequest, Handler: c.handleBroadcastRequest},
		},
	}
}

// admissionLayer holds the coordinator's own domain handlers.
func (c *Coordinator) admissionLayer() dispatch.Layer {
	return dispatch.Layer{
		Name: "coordinator",
		Registrations: []dispatch.Registration{
			{Type: protocol.ClusterReady, Handler: c.handleClusterReady},
			{Type: protocol.Cooldown, Handler: c.handleCooldown},
			{Type: protocol.CooldownAdd, Handler: c.handleCooldownAdd},
			{Type: protocol.CooldownReset, Handler: c.handleCooldownReset},
			{Type: protocol.ConcurrencyCheck, Handler: c.handleConcurrencyCheck},
			{Type: protocol.ConcurrencyAcquire, Handler: c.handleConcurrencyAcquire},
			{Type: protocol.ConcurrencyRelease, Handler: c.handleConcurrencyRelease},
			{Type: protocol.CommandRan, Handler: c.handleCommandRan},
			{Type: protocol.EconPause, Handler: c.handleEconPause},
			{Type: protocol.EconPauseUndo, Handler: c.handleEconPauseUndo},
			{Type: protocol.EconPauseCheck, Handler: c.handleEconPauseCheck},
			{Type: protocol.ReloadData, Handler: c.handleReloadData},
			{Type: protocol.FetchStats, Handler: c.handleFetchStats},
		},
	}
}

func (c *Coordinator) handleMissingPacket(_ context.Context, p protocol.Packet) (protocol.Packet, error) {
	c.logger.Error("no handler for packet type", "type", p.Type().String(), "id", p.ID())
	return nil, nil
}

// handleBroadcastRequest relays the inner packet to every live session and
// aggregates the replies for the issuer. Workers that disconnect or time
// out contribute an error-shaped entry instead of stalling the aggregate.
func (c *Coordinator) handleBroadcastRequest(ctx context.Context, p protocol.Packet) (protocol.Packet, error) {
	inner, ok := p["packet"].(map[string]any)
	if !ok {
		return nil, errors.New("broadcast request carries no inner packet")
	}

	ctx, cancel := context.WithTimeout(ctx, c.broadcastTimeout)
	defer cancel()

	sessions := c.liveSessions()
	responses := make([]any, len(sessions))

	var wg sync.WaitGroup
	for i, sess := range sessions {
		wg.Add(1)
		go func(i int, sess *session) {
			defer wg.Done()
			resp, err := sess.request(ctx, protocol.Packet(inner).Clone())
			if err != nil {
				c.logger.Warn("broadcast relay failed", "session", sess.ID, "error", err)
				responses[i] = map[string]any{"success": false, "error": err.Error()}
				return
			}
			responses[i] = map[string]any(resp)
		}(i, sess)
	}
	wg.Wait()

	result := protocol.New(protocol.BroadcastResponse)
	result["responses"] = responses
	return result, nil
}

func (c *Coordinator) handleClusterReady(_ context.Context, _ protocol.Packet) (protocol.Packet, error) {
	c.logger.Info("worker reported ready", "total_sessions", c.SessionCount())
	return nil, nil
}

func (c *Coordinator) handleCooldown(_ context.Context, p protocol.Packet) (protocol.Packet, error) {
	canRun, remaining := c.cooldowns.Check(p.GetString("command"), p.GetInt64("user_id"))

	resp := protocol.New(protocol.CooldownResponse)
	resp["can_run"] = canRun
	resp["remaining"] = remaining.Seconds()
	return resp, nil
}

func (c *Coordinator) handleCooldownAdd(_ context.Context, p protocol.Packet) (protocol.Packet, error) {
	d := time.Duration(p.GetFloat64("duration") * float64(time.Second))
	c.cooldowns.Start(p.GetString("command"), p.GetInt64("user_id"), d)
	return nil, nil
}

func (c *Coordinator) handleCooldownReset(_ context.Context, p protocol.Packet) (protocol.Packet, error) {
	c.cooldowns.Reset(p.GetString("command"), p.GetInt64("user_id"))
	return nil, nil
}

func (c *Coordinator) handleConcurrencyCheck(_ context.Context, p protocol.Packet) (protocol.Packet, error) {
	canRun := c.concurrency.Reserve(p.GetString("command"), p.GetInt64("user_id"))

	resp := protocol.New(protocol.ConcurrencyCheckResponse)
	resp["can_run"] = canRun
	return resp, nil
}

func (c *Coordinator) handleConcurrencyAcquire(_ context.Context, p protocol.Packet) (protocol.Packet, error) {
	c.concurrency.Acquire(p.GetString("command"), p.GetInt64("user_id"))
	return nil, nil
}

func (c *Coordinator) handleConcurrencyRelease(_ context.Context, p protocol.Packet) (protocol.Packet, error) {
	c.concurrency.Release(p.GetString("command"), p.GetInt64("user_id"))
	return nil, nil
}

func (c *Coordinator) handleCommandRan(_ context.Context, p protocol.Packet) (protocol.Packet, error) {
	c.usage.Add(p.GetInt64("user_id"))
	return nil, nil
}

func (c *Coordinator) handleEconPause(_ context.Context, p protocol.Packet) (protocol.Packet, error) {
	c.pauseMu.Lock()
	c.paused[p.GetInt64("user_id")] = time.Now()
	c.pauseMu.Unlock()
	return protocol.Packet{"type": int(protocol.EconPause), "success": true}, nil
}

func (c *Coordinator) handleEconPauseUndo(_ context.Context, p protocol.Packet) (protocol.Packet, error) {
	c.pauseMu.Lock()
	delete(c.paused, p.GetInt64("user_id"))
	c.pauseMu.Unlock()
	return protocol.Packet{"type": int(protocol.EconPauseUndo), "success": true}, nil
}

func (c *Coordinator) handleEconPauseCheck(_ context.Context, p protocol.Packet) (protocol.Packet, error) {
	c.pauseMu.Lock()
	_, paused := c.paused[p.GetInt64("user_id")]
	c.pauseMu.Unlock()
	return protocol.Packet{"type": int(protocol.EconPauseCheck), "paused": paused}, nil
}

// handleReloadData is the single invalidation entry point for worker-side
// caches: it re-reads the admission rules and tells every worker to reload
// its own data.
func (c *Coordinator) handleReloadData(_ context.Context, p protocol.Packet) (protocol.Packet, error) {
	if c.limitsPath != "" {
		data, err := limits.Load(c.limitsPath)
		if err != nil {
			return nil, err
		}
		c.cooldowns.SetRates(data.CooldownRates())
		c.concurrency.SetCaps(data.Concurrency)
	}

	notice := protocol.New(protocol.ReloadData)
	for _, sess := range c.liveSessions() {
		if err := sess.send(notice); err != nil {
			c.logger.Warn("relaying reload", "session", sess.ID, "error", err)
		}
	}

	c.logger.Info("reloaded admission rules", "path", c.limitsPath)
	return protocol.Packet{"type": int(protocol.ReloadData), "success": true}, nil
}

// handleFetchStats collects per-worker stats via fan-out and adds the
// coordinator's own totals.
func (c *Coordinator) handleFetchStats(ctx context.Context, p protocol.Packet) (protocol.Packet, error) {
	ctx, cancel := context.WithTimeout(ctx, c.broadcastTimeout)
	defer cancel()

	sessions := c.liveSessions()
	workers := make([]any, len(sessions))

	var wg sync.WaitGroup
	for i, sess := range sessions {
		wg.Add(1)
		go func(i int, sess *session) {
			defer wg.Done()
			resp, err := sess.request(ctx, protocol.New(protocol.FetchStats))
			if err != nil {
				workers[i] = map[string]any{"success": false, "error": err.Error()}
				return
			}
			workers[i] = map[string]any(resp)
		}(i, sess)
	}
	wg.Wait()

	resp := protocol.New(protocol.StatsResponse)
	resp["workers"] = workers
	resp["sessions"] = len(sessions)
	resp["commands_handled"] = c.usage.Lifetime()
	resp["uptime_seconds"] = time.Since(c.startedAt).Seconds()
	return resp, nil
}
