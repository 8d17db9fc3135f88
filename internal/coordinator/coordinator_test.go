// ABOUTME: Integration tests running a real coordinator against real worker
// ABOUTME: connections over loopback TCP.

package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/villager-dev/swarm/internal/client"
	"github.com/villager-dev/swarm/internal/dispatch"
	"github.com/villager-dev/swarm/internal/gate"
	"github.com/villager-dev/swarm/internal/protocol"
	"github.com/villager-dev/swarm/internal/store"
)

const testSecret = "hunter2"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeLimits(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "limits.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// startCoordinator boots a coordinator on a random loopback port and serves
// it until the test ends.
func startCoordinator(t *testing.T, mod func(*Options)) *Coordinator {
	t.Helper()

	opts := Options{
		ListenAddr:       "127.0.0.1:0",
		Secret:           testSecret,
		BroadcastTimeout: 2 * time.Second,
		Logger:           discardLogger(),
	}
	if mod != nil {
		mod(&opts)
	}

	c, err := New(opts)
	require.NoError(t, err)

	go func() { _ = c.Run(context.Background()) }()
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func dropMissing(logger *slog.Logger) dispatch.Layer {
	return dispatch.Layer{
		Name: "base",
		Registrations: []dispatch.Registration{
			{Type: protocol.MissingPacket, Handler: func(_ context.Context, p protocol.Packet) (protocol.Packet, error) {
				logger.Warn("unrouted packet", "type", p.Type().String())
				return nil, nil
			}},
		},
	}
}

// connectWorker dials the coordinator, authenticates, and registers the
// given handler layers on top of a silent MISSING_PACKET fallback.
func connectWorker(t *testing.T, addr string, layers ...dispatch.Layer) *client.Connection {
	t.Helper()

	logger := discardLogger()
	registry, err := dispatch.NewRegistry(append([]dispatch.Layer{dropMissing(logger)}, layers...)...)
	require.NoError(t, err)

	conn, err := client.New(client.Options{
		Addr:           addr,
		Registry:       registry,
		RequestTimeout: 5 * time.Second,
		Logger:         logger,
	})
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background(), testSecret))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestCoordinator_AuthAndDisconnect(t *testing.T) {
	c := startCoordinator(t, nil)

	conn := connectWorker(t, c.Addr())
	assert.Equal(t, 1, c.SessionCount())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return c.SessionCount() == 0 },
		2*time.Second, 10*time.Millisecond, "a disconnected worker leaves the session set")
}

func TestCoordinator_AuthRejectsBadSecret(t *testing.T) {
	c := startCoordinator(t, nil)

	registry, err := dispatch.NewRegistry(dropMissing(discardLogger()))
	require.NoError(t, err)
	conn, err := client.New(client.Options{
		Addr:     c.Addr(),
		Registry: registry,
		Logger:   discardLogger(),
	})
	require.NoError(t, err)

	err = conn.Connect(context.Background(), "wrong")
	require.ErrorIs(t, err, client.ErrAuthFailed)
	assert.Zero(t, c.SessionCount())
}

func TestCoordinator_FirstPacketMustBeAuth(t *testing.T) {
	c := startCoordinator(t, nil)

	tcp, err := net.Dial("tcp", c.Addr())
	require.NoError(t, err)
	stream := protocol.NewStream(tcp)
	defer stream.Close()

	probe := protocol.New(protocol.Cooldown)
	probe.SetID("c0")
	require.NoError(t, stream.WritePacket(probe))

	resp, err := stream.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, protocol.AuthResponse, resp.Type())
	assert.False(t, resp.GetBool("success"))
	assert.Equal(t, "c0", resp.ID())

	_, err = stream.ReadPacket()
	require.Error(t, err, "the transport closes after a failed handshake")
	assert.Zero(t, c.SessionCount())
}

func TestCoordinator_CooldownFlow(t *testing.T) {
	path := writeLimits(t, "[cooldowns]\nmine = \"1h\"\n")
	c := startCoordinator(t, func(o *Options) { o.LimitsPath = path })

	conn := connectWorker(t, c.Addr())
	g := gate.New(conn, discardLogger())
	ctx := context.Background()

	require.NoError(t, g.Do(ctx, "mine", 1, func(context.Context) error { return nil }))

	err := g.Do(ctx, "mine", 1, func(context.Context) error {
		t.Fatal("must not run while on cooldown")
		return nil
	})
	var denied *gate.OnCooldownError
	require.ErrorAs(t, err, &denied)
	assert.Greater(t, denied.Remaining, time.Duration(0))

	// Other users are unaffected.
	require.NoError(t, g.Do(ctx, "mine", 2, func(context.Context) error { return nil }))
}

func TestCoordinator_CooldownAddAndReset(t *testing.T) {
	c := startCoordinator(t, nil)
	conn := connectWorker(t, c.Addr())

	add := protocol.New(protocol.CooldownAdd)
	add["command"] = "daily"
	add["user_id"] = 1
	add["duration"] = 3600.0
	require.NoError(t, conn.Send(add))

	require.Eventually(t, func() bool {
		return c.cooldowns.Remaining("daily", 1) > 0
	}, 2*time.Second, 10*time.Millisecond)

	reset := protocol.New(protocol.CooldownReset)
	reset["command"] = "daily"
	reset["user_id"] = 1
	require.NoError(t, conn.Send(reset))

	require.Eventually(t, func() bool {
		return c.cooldowns.Remaining("daily", 1) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCoordinator_ConcurrencyCapAcrossWorkers(t *testing.T) {
	path := writeLimits(t, "[concurrency]\nfish = 2\n")
	c := startCoordinator(t, func(o *Options) { o.LimitsPath = path })

	w1 := connectWorker(t, c.Addr())
	w2 := connectWorker(t, c.Addr())
	w3 := connectWorker(t, c.Addr())
	ctx := context.Background()

	require.NoError(t, gate.New(w1, discardLogger()).CheckConcurrency(ctx, "fish", 1))
	require.NoError(t, gate.New(w2, discardLogger()).CheckConcurrency(ctx, "fish", 2))

	err := gate.New(w3, discardLogger()).CheckConcurrency(ctx, "fish", 3)
	require.ErrorIs(t, err, gate.ErrTooBusy, "the cap holds across the whole fleet")
	assert.Equal(t, 2, c.concurrency.Active("fish"))

	release := protocol.New(protocol.ConcurrencyRelease)
	release["command"] = "fish"
	release["user_id"] = 1
	require.NoError(t, w1.Send(release))

	require.Eventually(t, func() bool {
		return c.concurrency.Active("fish") == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, gate.New(w3, discardLogger()).CheckConcurrency(ctx, "fish", 3))
}

func TestCoordinator_Broadcast(t *testing.T) {
	c := startCoordinator(t, nil)

	echo := func(tag string) dispatch.Layer {
		return dispatch.Layer{
			Name: "worker",
			Registrations: []dispatch.Registration{
				{Type: protocol.Reminder, Handler: func(_ context.Context, _ protocol.Packet) (protocol.Packet, error) {
					return protocol.Packet{"tag": tag}, nil
				}},
			},
		}
	}

	w1 := connectWorker(t, c.Addr(), echo("w1"))
	connectWorker(t, c.Addr(), echo("w2"))
	connectWorker(t, c.Addr(), echo("w3"))

	resp, err := w1.Broadcast(context.Background(), protocol.New(protocol.Reminder))
	require.NoError(t, err)
	assert.Equal(t, protocol.BroadcastResponse, resp.Type())

	entries, ok := resp["responses"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 3, "the issuer receives one entry per live worker, itself included")

	tags := make(map[string]bool)
	for _, e := range entries {
		m, ok := e.(map[string]any)
		require.True(t, ok)
		tags[m["tag"].(string)] = true
	}
	assert.Equal(t, map[string]bool{"w1": true, "w2": true, "w3": true}, tags)
}

func TestCoordinator_ConcurrentRequestsCorrelate(t *testing.T) {
	c := startCoordinator(t, func(o *Options) {
		o.ExtraLayers = []dispatch.Layer{{
			Name: "test",
			Registrations: []dispatch.Registration{
				{Type: protocol.Reminder, Handler: func(_ context.Context, p protocol.Packet) (protocol.Packet, error) {
					// Later requests answer first, forcing out-of-order
					// completion on the shared connection.
					n := p.GetInt64("n")
					time.Sleep(time.Duration(20-n) * 5 * time.Millisecond)
					return protocol.Packet{"echo": n}, nil
				}},
			},
		}}
	})

	conn := connectWorker(t, c.Addr())

	const requests = 20
	results := make(chan [2]int64, requests)
	for i := 0; i < requests; i++ {
		go func(n int64) {
			p := protocol.New(protocol.Reminder)
			p["n"] = n
			resp, err := conn.Request(context.Background(), p)
			if err != nil {
				t.Errorf("request %d failed: %v", n, err)
				results <- [2]int64{n, -1}
				return
			}
			results <- [2]int64{n, resp.GetInt64("echo")}
		}(int64(i))
	}

	for i := 0; i < requests; i++ {
		pair := <-results
		assert.Equal(t, pair[0], pair[1], "each caller must receive exactly its own response")
	}
}

func TestCoordinator_HandlerErrorBecomesResponse(t *testing.T) {
	c := startCoordinator(t, func(o *Options) {
		o.ExtraLayers = []dispatch.Layer{{
			Name: "test",
			Registrations: []dispatch.Registration{
				{Type: protocol.Reminder, Handler: func(_ context.Context, _ protocol.Packet) (protocol.Packet, error) {
					return nil, errors.New("kaput")
				}},
			},
		}}
	})

	conn := connectWorker(t, c.Addr())

	resp, err := conn.Request(context.Background(), protocol.New(protocol.Reminder))
	require.NoError(t, err, "a handler failure still resolves the request")
	assert.False(t, resp.GetBool("success"))
	assert.Contains(t, resp.GetString("error"), "kaput")
}

func TestCoordinator_RequestTimeout(t *testing.T) {
	c := startCoordinator(t, func(o *Options) {
		o.ExtraLayers = []dispatch.Layer{{
			Name: "test",
			Registrations: []dispatch.Registration{
				{Type: protocol.Reminder, Handler: func(ctx context.Context, _ protocol.Packet) (protocol.Packet, error) {
					<-ctx.Done()
					return nil, ctx.Err()
				}},
			},
		}}
	})

	registry, err := dispatch.NewRegistry(dropMissing(discardLogger()))
	require.NoError(t, err)
	conn, err := client.New(client.Options{
		Addr:           c.Addr(),
		Registry:       registry,
		RequestTimeout: 100 * time.Millisecond,
		Logger:         discardLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background(), testSecret))
	t.Cleanup(func() { _ = conn.Close() })

	_, err = conn.Request(context.Background(), protocol.New(protocol.Reminder))
	require.ErrorIs(t, err, client.ErrRequestTimeout)
}

func TestCoordinator_PendingRequestsFailOnShutdown(t *testing.T) {
	c := startCoordinator(t, func(o *Options) {
		o.ExtraLayers = []dispatch.Layer{{
			Name: "test",
			Registrations: []dispatch.Registration{
				{Type: protocol.Reminder, Handler: func(ctx context.Context, _ protocol.Packet) (protocol.Packet, error) {
					<-ctx.Done()
					return nil, ctx.Err()
				}},
			},
		}}
	})

	conn := connectWorker(t, c.Addr())

	result := make(chan error, 1)
	go func() {
		_, err := conn.Request(context.Background(), protocol.New(protocol.Reminder))
		result <- err
	}()

	// Let the request reach the coordinator, then tear everything down.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-result:
		require.ErrorIs(t, err, client.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not failed on shutdown")
	}
}

func TestCoordinator_EconPause(t *testing.T) {
	c := startCoordinator(t, nil)
	conn := connectWorker(t, c.Addr())
	ctx := context.Background()

	check := func() bool {
		p := protocol.New(protocol.EconPauseCheck)
		p["user_id"] = 42
		resp, err := conn.Request(ctx, p)
		require.NoError(t, err)
		return resp.GetBool("paused")
	}

	assert.False(t, check())

	pause := protocol.New(protocol.EconPause)
	pause["user_id"] = 42
	resp, err := conn.Request(ctx, pause)
	require.NoError(t, err)
	assert.True(t, resp.GetBool("success"))
	assert.True(t, check())

	undo := protocol.New(protocol.EconPauseUndo)
	undo["user_id"] = 42
	_, err = conn.Request(ctx, undo)
	require.NoError(t, err)
	assert.False(t, check())
}

func TestCoordinator_CommandRanPersistsOnShutdown(t *testing.T) {
	usage, err := store.NewUsageStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { usage.Close() })

	c := startCoordinator(t, func(o *Options) {
		o.Usage = usage
		o.FlushInterval = time.Hour // force the shutdown flush path
	})
	conn := connectWorker(t, c.Addr())

	for i := 0; i < 3; i++ {
		ran := protocol.New(protocol.CommandRan)
		ran["user_id"] = 42
		require.NoError(t, conn.Send(ran))
	}

	require.Eventually(t, func() bool { return c.usage.Lifetime() == 3 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())

	total, err := usage.TotalCommands(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
}

func TestCoordinator_ReloadData(t *testing.T) {
	path := writeLimits(t, "[cooldowns]\nmine = \"1h\"\n")
	c := startCoordinator(t, func(o *Options) { o.LimitsPath = path })

	reloaded := make(chan struct{}, 1)
	conn := connectWorker(t, c.Addr(), dispatch.Layer{
		Name: "worker",
		Registrations: []dispatch.Registration{
			{Type: protocol.ReloadData, Handler: func(_ context.Context, _ protocol.Packet) (protocol.Packet, error) {
				reloaded <- struct{}{}
				return nil, nil
			}},
		},
	})
	g := gate.New(conn, discardLogger())
	ctx := context.Background()

	// "fish" is unrestricted under the initial rules.
	require.NoError(t, g.CheckCooldown(ctx, "fish", 1))
	require.NoError(t, g.CheckCooldown(ctx, "fish", 1))

	require.NoError(t, os.WriteFile(path, []byte("[cooldowns]\nfish = \"1h\"\n"), 0644))

	resp, err := conn.Request(ctx, protocol.New(protocol.ReloadData))
	require.NoError(t, err)
	assert.True(t, resp.GetBool("success"))

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never received the reload notice")
	}

	require.NoError(t, g.CheckCooldown(ctx, "fish", 1))
	err = g.CheckCooldown(ctx, "fish", 1)
	var denied *gate.OnCooldownError
	require.ErrorAs(t, err, &denied, "the new rules apply after reload")
}

func TestCoordinator_FetchStats(t *testing.T) {
	c := startCoordinator(t, nil)

	statsLayer := dispatch.Layer{
		Name: "worker",
		Registrations: []dispatch.Registration{
			{Type: protocol.FetchStats, Handler: func(_ context.Context, _ protocol.Packet) (protocol.Packet, error) {
				resp := protocol.New(protocol.StatsResponse)
				resp["commands_ran"] = 5
				return resp, nil
			}},
		},
	}

	w1 := connectWorker(t, c.Addr(), statsLayer)
	connectWorker(t, c.Addr(), statsLayer)

	resp, err := w1.Request(context.Background(), protocol.New(protocol.FetchStats))
	require.NoError(t, err)

	assert.Equal(t, protocol.StatsResponse, resp.Type())
	assert.Equal(t, int64(2), resp.GetInt64("sessions"))
	assert.GreaterOrEqual(t, resp.GetFloat64("uptime_seconds"), 0.0)

	workers, ok := resp["workers"].([]any)
	require.True(t, ok)
	require.Len(t, workers, 2)
	for _, w := range workers {
		m, ok := w.(map[string]any)
		require.True(t, ok)
		assert.EqualValues(t, 5, m["commands_ran"])
	}
}

func TestCoordinator_CloseIsIdempotent(t *testing.T) {
	c := startCoordinator(t, nil)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestNew_RequiresSecret(t *testing.T) {
	_, err := New(Options{ListenAddr: "127.0.0.1:0"})
	require.Error(t, err)
}
