// ABOUTME: The central coordinator process: accepts worker connections,
// ABOUTME: authenticates them, and dispatches packets to handlers.

package coordinator

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/villager-dev/swarm/internal/dispatch"
	"github.com/villager-dev/swarm/internal/limits"
	"github.com/villager-dev/swarm/internal/protocol"
	"github.com/villager-dev/swarm/internal/store"
)

// DefaultBroadcastTimeout bounds how long a broadcast waits for each
// worker's reply before giving up on it.
const DefaultBroadcastTimeout = 10 * time.Second

// authTimeout bounds how long a fresh connection may take to present its
// AUTH packet.
const authTimeout = 10 * time.Second

// DefaultFlushInterval is how often buffered command-usage counts are
// written to the store.
const DefaultFlushInterval = 30 * time.Second

// Options configures a Coordinator.
type Options struct {
	// ListenAddr is the TCP address workers connect to. ":0" picks a free
	// port, useful in tests.
	ListenAddr string

	// Secret is the shared secret every worker must present in its AUTH
	// packet.
	Secret string

	// LimitsPath points at the TOML admission-rules file. When set, the
	// rules are loaded at startup and re-loaded by the RELOAD_DATA packet.
	LimitsPath string

	// Usage receives flushed command-usage counts. Nil disables
	// persistence; counting still works in memory.
	Usage *store.UsageStore

	// ExtraLayers registers additional, more specific handler layers on
	// top of the coordinator's own. Later layers override earlier ones.
	ExtraLayers []dispatch.Layer

	BroadcastTimeout time.Duration
	FlushInterval    time.Duration

	Logger *slog.Logger
}

// Coordinator accepts and serves connections from the worker fleet. It is
// the single source of truth for cooldowns, concurrency budgets, economy
// pauses, and command-usage counts.
type Coordinator struct {
	secret           string
	limitsPath       string
	broadcastTimeout time.Duration
	flushInterval    time.Duration
	logger           *slog.Logger

	registry    *dispatch.Registry
	cooldowns   *limits.Cooldowns
	concurrency *limits.Concurrency
	usage       *usageCounter
	usageStore  *store.UsageStore

	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*session
	preAuth  map[net.Conn]struct{}
	closed   bool

	pauseMu sync.Mutex
	paused  map[int64]time.Time

	startedAt time.Time
}

// New creates a Coordinator and binds its listener. The returned
// coordinator is not serving yet; call Run.
func New(opts Options) (*Coordinator, error) {
	if opts.ListenAddr == "" {
		return nil, errors.New("coordinator: listen address is required")
	}
	if opts.Secret == "" {
		return nil, errors.New("coordinator: shared secret is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rates := map[string]time.Duration{}
	caps := map[string]int{}
	if opts.LimitsPath != "" {
		data, err := limits.Load(opts.LimitsPath)
		if err != nil {
			return nil, err
		}
		rates = data.CooldownRates()
		caps = data.Concurrency
	}

	broadcastTimeout := opts.BroadcastTimeout
	if broadcastTimeout <= 0 {
		broadcastTimeout = DefaultBroadcastTimeout
	}
	flushInterval := opts.FlushInterval
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		secret:           opts.Secret,
		limitsPath:       opts.LimitsPath,
		broadcastTimeout: broadcastTimeout,
		flushInterval:    flushInterval,
		logger:           logger.With("component", "coordinator"),
		cooldowns:        limits.NewCooldowns(rates),
		concurrency:      limits.NewConcurrency(caps),
		usage:            newUsageCounter(),
		usageStore:       opts.Usage,
		ctx:              ctx,
		cancel:           cancel,
		sessions:         make(map[string]*session),
		preAuth:          make(map[net.Conn]struct{}),
		paused:           make(map[int64]time.Time),
		startedAt:        time.Now(),
	}

	layers := append([]dispatch.Layer{c.baseLayer(), c.admissionLayer()}, opts.ExtraLayers...)
	registry, err := dispatch.NewRegistry(layers...)
	if err != nil {
		cancel()
		c.cooldowns.Close()
		return nil, err
	}
	c.registry = registry

	ln, err := net.Listen("tcp", opts.ListenAddr)
	if err != nil {
		cancel()
		c.cooldowns.Close()
		return nil, fmt.Errorf("listening on %s: %w", opts.ListenAddr, err)
	}
	c.listener = ln

	return c, nil
}

// Addr returns the bound listen address.
func (c *Coordinator) Addr() string {
	return c.listener.Addr().String()
}

// Run accepts and serves worker connections until the context is canceled
// or Close is called. Returns nil on graceful shutdown.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("coordinator listening", "addr", c.Addr())

	c.wg.Add(1)
	go c.flushLoop()

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if c.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleConn(conn)
		}()
	}
}

// handleConn authenticates one transport connection and then serves it
// until disconnect.
func (c *Coordinator) handleConn(conn net.Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.preAuth[conn] = struct{}{}
	c.mu.Unlock()

	stream := protocol.NewStream(conn)

	// A connection that never completes the handshake may not hold a read
	// slot forever.
	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))

	sess, ok := c.authenticate(stream, conn.RemoteAddr().String())

	c.mu.Lock()
	delete(c.preAuth, conn)
	c.mu.Unlock()

	if !ok {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	defer c.dropSession(sess)

	for {
		p, err := stream.ReadPacket()
		if err != nil {
			if !c.isClosed() {
				c.logger.Info("worker connection lost", "session", sess.ID, "error", err)
			}
			return
		}

		// Responses to coordinator-initiated requests (broadcast relays,
		// stat collection) resolve their placeholder directly.
		if sess.deliver(p) {
			continue
		}

		if p.Type() == protocol.Disconnect {
			c.logger.Info("worker disconnected", "session", sess.ID)
			return
		}

		// Independent task per packet: one slow handler must not stall
		// this connection's reads or anyone else's.
		go c.servePacket(sess, p)
	}
}

// authenticate enforces that the first packet is a correct AUTH. On success
// the session joins the live set and the worker gets a positive
// AUTH_RESPONSE; on failure it gets a negative one and the transport is
// closed with no retry.
func (c *Coordinator) authenticate(stream *protocol.Stream, remote string) (*session, bool) {
	first, err := stream.ReadPacket()
	if err != nil {
		_ = stream.Close()
		return nil, false
	}

	resp := protocol.New(protocol.AuthResponse)
	if id := first.ID(); id != "" {
		resp.SetID(id)
	}

	if first.Type() != protocol.Auth || !secretsEqual(first.GetString("auth"), c.secret) {
		resp["success"] = false
		_ = stream.WritePacket(resp)
		_ = stream.Close()
		c.logger.Warn("rejected connection with bad credentials", "remote", remote)
		return nil, false
	}

	sess := newSession(uuid.NewString(), stream, c.logger)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = stream.Close()
		return nil, false
	}
	c.sessions[sess.ID] = sess
	total := len(c.sessions)
	c.mu.Unlock()

	resp["success"] = true
	if err := stream.WritePacket(resp); err != nil {
		c.dropSession(sess)
		return nil, false
	}

	c.logger.Info("worker connected", "session", sess.ID, "remote", remote, "total_sessions", total)
	return sess, true
}

// servePacket dispatches one inbound packet. A handler that returns a
// packet answers the worker with the originating id; a handler error is
// logged and, when the packet carried an id, turned into an error-shaped
// response so the caller is never left suspended.
func (c *Coordinator) servePacket(sess *session, p protocol.Packet) {
	resp, err := c.registry.Dispatch(c.ctx, p)
	if err != nil {
		c.logger.Error("packet handler failed",
			"session", sess.ID,
			"type", p.Type().String(),
			"id", p.ID(),
			"error", err,
		)
		if p.ID() == "" {
			return
		}
		resp = protocol.Packet{"type": int(p.Type()), "success": false, "error": err.Error()}
	}
	if resp == nil || p.ID() == "" {
		return
	}

	resp.SetID(p.ID())
	if err := sess.send(resp); err != nil {
		c.logger.Warn("sending response", "session", sess.ID, "id", p.ID(), "error", err)
	}
}

// dropSession removes the session from the live set and closes it.
func (c *Coordinator) dropSession(sess *session) {
	c.mu.Lock()
	delete(c.sessions, sess.ID)
	c.mu.Unlock()
	sess.close()
}

// liveSessions snapshots the authenticated connection set for fan-out.
func (c *Coordinator) liveSessions() []*session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// SessionCount returns how many workers are currently authenticated.
func (c *Coordinator) SessionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

func (c *Coordinator) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Close stops the listener, disconnects every worker, flushes usage counts,
// and waits for the serve loops to finish. Safe to call more than once.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[string]*session)
	pending := make([]net.Conn, 0, len(c.preAuth))
	for conn := range c.preAuth {
		pending = append(pending, conn)
	}
	c.mu.Unlock()

	err := c.listener.Close()
	for _, s := range sessions {
		s.close()
	}
	for _, conn := range pending {
		_ = conn.Close()
	}

	c.cancel()
	c.wg.Wait()
	c.cooldowns.Close()
	c.flushUsage()

	c.logger.Info("coordinator stopped")
	return err
}

func secretsEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
