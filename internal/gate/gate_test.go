// ABOUTME: Tests for worker-side admission control against a scripted
// ABOUTME: coordinator connection.

package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/villager-dev/swarm/internal/protocol"
)

// fakeConn scripts coordinator responses by packet type and records every
// packet the gate produces, requests and sends alike, in order.
type fakeConn struct {
	responses map[protocol.PacketType]protocol.Packet
	errs      map[protocol.PacketType]error
	log       []protocol.Packet
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		responses: make(map[protocol.PacketType]protocol.Packet),
		errs:      make(map[protocol.PacketType]error),
	}
}

func (f *fakeConn) Request(_ context.Context, p protocol.Packet) (protocol.Packet, error) {
	f.log = append(f.log, p)
	if err := f.errs[p.Type()]; err != nil {
		return nil, err
	}
	resp, ok := f.responses[p.Type()]
	if !ok {
		return nil, errors.New("unscripted packet type")
	}
	return resp, nil
}

func (f *fakeConn) Send(p protocol.Packet) error {
	f.log = append(f.log, p)
	return f.errs[p.Type()]
}

func (f *fakeConn) types() []protocol.PacketType {
	out := make([]protocol.PacketType, len(f.log))
	for i, p := range f.log {
		out[i] = p.Type()
	}
	return out
}

func allowAll(conn *fakeConn) {
	conn.responses[protocol.Cooldown] = protocol.Packet{"can_run": true}
	conn.responses[protocol.ConcurrencyCheck] = protocol.Packet{"can_run": true}
}

func TestGate_CheckCooldown(t *testing.T) {
	conn := newFakeConn()
	g := New(conn, nil)

	conn.responses[protocol.Cooldown] = protocol.Packet{"can_run": true}
	require.NoError(t, g.CheckCooldown(context.Background(), "mine", 1))

	req := conn.log[0]
	assert.Equal(t, "mine", req.GetString("command"))
	assert.Equal(t, int64(1), req.GetInt64("user_id"))
}

func TestGate_CheckCooldown_Denied(t *testing.T) {
	conn := newFakeConn()
	g := New(conn, nil)

	conn.responses[protocol.Cooldown] = protocol.Packet{"can_run": false, "remaining": 2.5}
	err := g.CheckCooldown(context.Background(), "mine", 1)

	var denied *OnCooldownError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, 2500*time.Millisecond, denied.Remaining)
}

func TestGate_CheckCooldown_FailsClosed(t *testing.T) {
	conn := newFakeConn()
	g := New(conn, nil)

	transport := errors.New("connection closed")
	conn.errs[protocol.Cooldown] = transport

	err := g.CheckCooldown(context.Background(), "mine", 1)
	require.ErrorIs(t, err, transport, "an unreachable coordinator must deny, not allow")
}

func TestGate_CheckConcurrency_Denied(t *testing.T) {
	conn := newFakeConn()
	g := New(conn, nil)

	conn.responses[protocol.ConcurrencyCheck] = protocol.Packet{"can_run": false}
	err := g.CheckConcurrency(context.Background(), "mine", 1)
	require.ErrorIs(t, err, ErrTooBusy)
}

func TestGate_Do(t *testing.T) {
	conn := newFakeConn()
	allowAll(conn)
	g := New(conn, nil)

	ran := false
	err := g.Do(context.Background(), "mine", 1, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	assert.Equal(t, []protocol.PacketType{
		protocol.Cooldown,
		protocol.ConcurrencyCheck,
		protocol.CommandRan,
		protocol.ConcurrencyAcquire,
		protocol.ConcurrencyRelease,
	}, conn.types())
}

func TestGate_Do_DeniedRunsNothing(t *testing.T) {
	conn := newFakeConn()
	g := New(conn, nil)
	conn.responses[protocol.Cooldown] = protocol.Packet{"can_run": false, "remaining": 1.0}

	err := g.Do(context.Background(), "mine", 1, func(ctx context.Context) error {
		t.Fatal("denied action must not run")
		return nil
	})

	var denied *OnCooldownError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, []protocol.PacketType{protocol.Cooldown}, conn.types(),
		"a cooldown denial sends no usage, acquire, or release")
}

func TestGate_Do_ReleasesOnError(t *testing.T) {
	conn := newFakeConn()
	allowAll(conn)
	g := New(conn, nil)

	boom := errors.New("boom")
	err := g.Do(context.Background(), "mine", 1, func(ctx context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	types := conn.types()
	assert.Equal(t, protocol.ConcurrencyRelease, types[len(types)-1],
		"the release must go out even when the action fails")
}

func TestGate_Do_ReleasesOnPanic(t *testing.T) {
	conn := newFakeConn()
	allowAll(conn)
	g := New(conn, nil)

	func() {
		defer func() { require.NotNil(t, recover()) }()
		_ = g.Do(context.Background(), "mine", 1, func(ctx context.Context) error {
			panic("boom")
		})
	}()

	types := conn.types()
	assert.Equal(t, protocol.ConcurrencyRelease, types[len(types)-1],
		"the release must go out even when the action panics")
}
