// ABOUTME: Worker-side admission control speaking the coordinator protocol.
// ABOUTME: Cooldown checks, concurrency acquire/release pairing, usage signals.

package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/villager-dev/swarm/internal/protocol"
)

// Conn is the slice of the worker connection the gate needs. Implemented by
// *client.Connection.
type Conn interface {
	Request(ctx context.Context, p protocol.Packet) (protocol.Packet, error)
	Send(p protocol.Packet) error
}

// OnCooldownError denies an action because the user is still rate limited.
// Remaining is how long they must wait.
type OnCooldownError struct {
	Remaining time.Duration
}

func (e *OnCooldownError) Error() string {
	return fmt.Sprintf("command on cooldown for another %s", e.Remaining.Round(time.Millisecond))
}

// ErrTooBusy denies an action because the fleet-wide concurrency cap for
// the command is exhausted.
var ErrTooBusy = errors.New("too many instances of this command are running")

// Gate performs distributed admission control for rate-limited actions.
// All state lives at the coordinator; if the coordinator is unreachable the
// gate fails closed and the action does not run.
type Gate struct {
	conn   Conn
	logger *slog.Logger
}

// New creates a gate over an established coordinator connection.
func New(conn Conn, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{conn: conn, logger: logger.With("component", "gate")}
}

// CheckCooldown asks the coordinator whether the user may run the command.
// Returns nil when allowed (the cooldown starts immediately), an
// *OnCooldownError when denied, or the transport error when the coordinator
// cannot be reached.
func (g *Gate) CheckCooldown(ctx context.Context, command string, userID int64) error {
	p := protocol.New(protocol.Cooldown)
	p["command"] = command
	p["user_id"] = userID

	resp, err := g.conn.Request(ctx, p)
	if err != nil {
		return fmt.Errorf("cooldown check: %w", err)
	}
	if !resp.GetBool("can_run") {
		remaining := time.Duration(resp.GetFloat64("remaining") * float64(time.Second))
		return &OnCooldownError{Remaining: remaining}
	}
	return nil
}

// CheckConcurrency asks the coordinator to admit one instance of the
// command. Admission reserves the slot; the caller must follow up with the
// acquire/release pair (Do handles this). Returns ErrTooBusy when the cap
// is exhausted.
func (g *Gate) CheckConcurrency(ctx context.Context, command string, userID int64) error {
	p := protocol.New(protocol.ConcurrencyCheck)
	p["command"] = command
	p["user_id"] = userID

	resp, err := g.conn.Request(ctx, p)
	if err != nil {
		return fmt.Errorf("concurrency check: %w", err)
	}
	if !resp.GetBool("can_run") {
		return ErrTooBusy
	}
	return nil
}

// NotifyRan records command usage at the coordinator. Fire and forget: it
// returns once the packet is handed to the transport.
func (g *Gate) NotifyRan(userID int64) {
	p := protocol.New(protocol.CommandRan)
	p["user_id"] = userID
	if err := g.conn.Send(p); err != nil {
		g.logger.Warn("sending usage notification", "error", err)
	}
}

// Do runs fn under full admission control: the cooldown check, the
// concurrency check, the acquire before the body, and the release after it.
// The release is sent on every exit path, including a panic in fn, and
// exactly once per invocation.
func (g *Gate) Do(ctx context.Context, command string, userID int64, fn func(ctx context.Context) error) error {
	if err := g.CheckCooldown(ctx, command, userID); err != nil {
		return err
	}
	if err := g.CheckConcurrency(ctx, command, userID); err != nil {
		return err
	}

	g.NotifyRan(userID)

	acquire := protocol.New(protocol.ConcurrencyAcquire)
	acquire["command"] = command
	acquire["user_id"] = userID
	if err := g.conn.Send(acquire); err != nil {
		return fmt.Errorf("concurrency acquire: %w", err)
	}

	defer func() {
		release := protocol.New(protocol.ConcurrencyRelease)
		release["command"] = command
		release["user_id"] = userID
		if err := g.conn.Send(release); err != nil {
			g.logger.Error("sending concurrency release", "command", command, "error", err)
		}
	}()

	return fn(ctx)
}
