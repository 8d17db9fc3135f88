// ABOUTME: One authenticated worker connection as seen by the coordinator.
// ABOUTME: Owns the stream plus a pending table for coordinator-initiated requests.

package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/villager-dev/swarm/internal/protocol"
)

// session is one authenticated worker connection. The coordinator initiates
// its own requests on a session during broadcast fan-out; those use "b<N>"
// correlation ids so they can never collide with the worker's "c<N>" ids.
type session struct {
	ID     string
	stream *protocol.Stream
	logger *slog.Logger

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan protocol.Packet
	closed  bool
	done    chan struct{}
}

func newSession(id string, stream *protocol.Stream, logger *slog.Logger) *session {
	return &session{
		ID:      id,
		stream:  stream,
		logger:  logger.With("session", id),
		pending: make(map[string]chan protocol.Packet),
		done:    make(chan struct{}),
	}
}

// send writes a packet to the worker.
func (s *session) send(p protocol.Packet) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("session %s is closed", s.ID)
	}
	return s.stream.WritePacket(p)
}

// request sends a coordinator-initiated packet and waits for the worker's
// response, bounded by ctx.
func (s *session) request(ctx context.Context, p protocol.Packet) (protocol.Packet, error) {
	id := fmt.Sprintf("b%d", s.nextID.Add(1)-1)

	req := p.Clone()
	req.SetID(id)

	ch := make(chan protocol.Packet, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("session %s is closed", s.ID)
	}
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.stream.WritePacket(req); err != nil {
		return nil, fmt.Errorf("sending to session %s: %w", s.ID, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		return nil, fmt.Errorf("session %s disconnected", s.ID)
	}
}

// deliver resolves a pending coordinator-initiated request. Returns false
// when no placeholder matches, in which case the packet belongs to the
// normal dispatch path.
func (s *session) deliver(p protocol.Packet) bool {
	id := p.ID()
	if id == "" {
		return false
	}

	s.mu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	ch <- p
	return true
}

// close tears the session down and wakes any fan-out requests still waiting
// on this worker. Safe to call more than once.
func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	_ = s.stream.Close()
}
