// ABOUTME: Worker-side connection to the coordinator (initiator role).
// ABOUTME: Handles the auth handshake, request correlation, and handler dispatch.

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/villager-dev/swarm/internal/dispatch"
	"github.com/villager-dev/swarm/internal/protocol"
)

// ErrAuthFailed indicates the coordinator rejected the shared secret. The
// worker must not proceed; reconnecting with the same secret will not help.
var ErrAuthFailed = errors.New("coordinator rejected authentication")

// ErrConnectionClosed fails requests that were pending when the connection
// died, and any operation attempted afterwards.
var ErrConnectionClosed = errors.New("connection closed")

// ErrNotConnected rejects Send and Request on a Connection whose Connect
// has not been called yet.
var ErrNotConnected = errors.New("connection not established")

// ErrRequestTimeout fails a request whose response never arrived. The base
// protocol has no timeout; one is imposed here so callers are never
// suspended forever.
var ErrRequestTimeout = errors.New("request timed out")

// DefaultRequestTimeout bounds how long Request waits for a correlated
// response when Options.RequestTimeout is zero.
const DefaultRequestTimeout = 15 * time.Second

// Options configures a Connection.
type Options struct {
	// Addr is the coordinator's listen address (host:port).
	Addr string

	// Registry routes unsolicited packets to this worker's handlers.
	Registry *dispatch.Registry

	// RequestTimeout bounds Request; zero means DefaultRequestTimeout.
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// Connection is one worker's persistent link to the coordinator. It owns a
// background read loop that resolves correlated responses and dispatches
// everything else to the handler registry. A Connection is single-use:
// once closed or dead it cannot be reconnected.
type Connection struct {
	addr           string
	registry       *dispatch.Registry
	requestTimeout time.Duration
	logger         *slog.Logger

	stream *protocol.Stream
	nextID atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  map[string]chan protocol.Packet
	closed   bool
	closeErr error
	done     chan struct{}
}

// New creates an unconnected Connection.
func New(opts Options) (*Connection, error) {
	if opts.Addr == "" {
		return nil, errors.New("client: coordinator address is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("client: handler registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		addr:           opts.Addr,
		registry:       opts.Registry,
		requestTimeout: timeout,
		logger:         logger.With("component", "client"),
		ctx:            ctx,
		cancel:         cancel,
		pending:        make(map[string]chan protocol.Packet),
		done:           make(chan struct{}),
	}, nil
}

// Connect opens the transport, starts the read loop, and performs the auth
// handshake. A rejected secret tears the transport down and returns
// ErrAuthFailed.
func (c *Connection) Connect(ctx context.Context, secret string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dialing coordinator: %w", err)
	}
	c.stream = protocol.NewStream(conn)

	go c.readLoop()

	auth := protocol.New(protocol.Auth)
	auth["auth"] = secret

	resp, err := c.Request(ctx, auth)
	if err != nil {
		c.teardown(err)
		return fmt.Errorf("auth handshake: %w", err)
	}
	if !resp.GetBool("success") {
		c.teardown(ErrAuthFailed)
		return ErrAuthFailed
	}

	c.logger.Info("connected to coordinator", "addr", c.addr)
	return nil
}

// Send writes a packet and returns once the bytes are handed to the
// transport. It does not wait for the coordinator to process anything.
func (c *Connection) Send(p protocol.Packet) error {
	if c.stream == nil {
		return ErrNotConnected
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnectionClosed
	}
	return c.stream.WritePacket(p)
}

// Request stamps a fresh correlation id onto the packet, sends it, and
// waits for the matching response. Concurrent requests may complete in any
// order; matching is purely by id.
func (c *Connection) Request(ctx context.Context, p protocol.Packet) (protocol.Packet, error) {
	if c.stream == nil {
		return nil, ErrNotConnected
	}

	id := fmt.Sprintf("c%d", c.nextID.Add(1)-1)

	req := p.Clone()
	req.SetID(id)

	ch := make(chan protocol.Packet, 1)

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.stream.WritePacket(req); err != nil {
		return nil, fmt.Errorf("sending request %s: %w", id, err)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("request %s (%s): %w", id, req.Type(), ErrRequestTimeout)
	case <-c.done:
		// The read loop may have resolved this request just before dying.
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		c.mu.Lock()
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
}

// Broadcast wraps the packet in a BROADCAST_REQUEST and waits for the
// coordinator's aggregated BROADCAST_RESPONSE. The "responses" field of the
// result holds one entry per live connection.
func (c *Connection) Broadcast(ctx context.Context, p protocol.Packet) (protocol.Packet, error) {
	req := protocol.New(protocol.BroadcastRequest)
	req["packet"] = map[string]any(p)
	return c.Request(ctx, req)
}

// Close cancels the read loop, sends a best-effort DISCONNECT, and closes
// the transport. Requests still pending fail with ErrConnectionClosed.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if c.stream != nil {
		// Best effort: the coordinator drops us either way once the
		// transport closes.
		_ = c.stream.WritePacket(protocol.New(protocol.Disconnect))
	}
	c.teardown(ErrConnectionClosed)
	return nil
}

// readLoop resolves correlated responses and dispatches everything else to
// the handler registry. Each handler runs in its own goroutine so a slow
// handler never blocks subsequent reads.
func (c *Connection) readLoop() {
	for {
		p, err := c.stream.ReadPacket()
		if err != nil {
			c.teardown(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
			return
		}

		if id := p.ID(); id != "" {
			c.mu.Lock()
			ch, ok := c.pending[id]
			if ok {
				delete(c.pending, id)
			}
			c.mu.Unlock()
			if ok {
				ch <- p
				continue
			}
		}

		go c.handle(p)
	}
}

// handle dispatches one unsolicited packet. A handler that returns a packet
// answers the coordinator with the originating id; broadcast replies travel
// this way as BROADCAST_RESPONSE packets.
func (c *Connection) handle(p protocol.Packet) {
	resp, err := c.registry.Dispatch(c.ctx, p)
	if err != nil {
		c.logger.Error("packet handler failed",
			"type", p.Type().String(),
			"id", p.ID(),
			"error", err,
		)
		if p.ID() == "" {
			return
		}
		resp = protocol.Packet{"success": false, "error": err.Error()}
	}
	if resp == nil {
		return
	}

	if id := p.ID(); id != "" {
		resp.SetID(id)
	}
	resp["type"] = int(protocol.BroadcastResponse)

	if err := c.Send(resp); err != nil {
		c.logger.Error("sending handler response", "id", p.ID(), "error", err)
	}
}

// teardown marks the connection dead, wakes every pending requester, and
// closes the transport. Safe to call more than once.
func (c *Connection) teardown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if cause == nil {
		cause = ErrConnectionClosed
	}
	c.closeErr = cause
	close(c.done)
	c.mu.Unlock()

	c.cancel()
	if c.stream != nil {
		_ = c.stream.Close()
	}

	if !errors.Is(cause, ErrConnectionClosed) || errors.Unwrap(cause) != nil {
		c.logger.Warn("connection to coordinator lost", "error", cause)
	}
}
