// ABOUTME: Entry point for swarm-worker, a fleet member that connects to the
// ABOUTME: coordinator, serves fan-out packets, and runs commands through the gate.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/villager-dev/swarm/internal/client"
	"github.com/villager-dev/swarm/internal/config"
	"github.com/villager-dev/swarm/internal/dispatch"
	"github.com/villager-dev/swarm/internal/gate"
	"github.com/villager-dev/swarm/internal/protocol"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("SWARM_CONFIG")
	if configPath == "" {
		configPath = "swarm.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	w := &worker{
		logger:    logger,
		startedAt: time.Now(),
	}

	registry, err := dispatch.NewRegistry(w.layers()...)
	if err != nil {
		return fmt.Errorf("building registry: %w", err)
	}

	conn, err := client.New(client.Options{
		Addr:           cfg.Worker.CoordinatorAddr,
		Registry:       registry,
		RequestTimeout: cfg.Worker.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("creating connection: %w", err)
	}

	w.gate = gate.New(conn, logger)

	if err := conn.Connect(ctx, cfg.Worker.Secret); err != nil {
		return fmt.Errorf("connecting to coordinator: %w", err)
	}
	defer conn.Close()

	logger.Info("connected to coordinator", "addr", cfg.Worker.CoordinatorAddr)

	if err := conn.Send(protocol.New(protocol.ClusterReady)); err != nil {
		return fmt.Errorf("announcing readiness: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// worker holds the handler state for one fleet member.
type worker struct {
	logger    *slog.Logger
	startedAt time.Time
	gate      *gate.Gate

	commandsRan atomic.Int64
}

// runCommand executes a user-triggered action under fleet-wide admission
// control.
func (w *worker) runCommand(ctx context.Context, command string, userID int64, fn func(ctx context.Context) error) error {
	err := w.gate.Do(ctx, command, userID, fn)
	if err == nil {
		w.commandsRan.Add(1)
	}
	return err
}

func (w *worker) layers() []dispatch.Layer {
	return []dispatch.Layer{
		{
			Name: "protocol",
			Registrations: []dispatch.Registration{
				{Type: protocol.MissingPacket, Handler: w.handleMissingPacket},
			},
		},
		{
			Name: "worker",
			Registrations: []dispatch.Registration{
				{Type: protocol.ReloadData, Handler: w.handleReloadData},
				{Type: protocol.FetchStats, Handler: w.handleFetchStats},
				{Type: protocol.Reminder, Handler: w.handleReminder},
				{Type: protocol.UpdateSupportServerRoles, Handler: w.handleUpdateRoles},
			},
		},
	}
}

func (w *worker) handleMissingPacket(_ context.Context, p protocol.Packet) (protocol.Packet, error) {
	w.logger.Error("no handler for packet type", "type", p.Type().String(), "id", p.ID())
	return nil, nil
}

func (w *worker) handleReloadData(_ context.Context, _ protocol.Packet) (protocol.Packet, error) {
	// Local caches would be re-read here. This worker keeps nothing cached.
	w.logger.Info("reload requested")
	return nil, nil
}

func (w *worker) handleFetchStats(_ context.Context, _ protocol.Packet) (protocol.Packet, error) {
	resp := protocol.New(protocol.StatsResponse)
	resp["commands_ran"] = w.commandsRan.Load()
	resp["uptime_seconds"] = time.Since(w.startedAt).Seconds()
	return resp, nil
}

// handleUpdateRoles refreshes a user's support server roles. The refresh is
// rate limited fleet-wide so repeated triggers for the same user coalesce.
func (w *worker) handleUpdateRoles(ctx context.Context, p protocol.Packet) (protocol.Packet, error) {
	userID := p.GetInt64("user_id")

	err := w.runCommand(ctx, "update_roles", userID, func(ctx context.Context) error {
		w.logger.Info("updating support server roles", "user_id", userID)
		return nil
	})

	var cooldown *gate.OnCooldownError
	if errors.As(err, &cooldown) {
		w.logger.Debug("role update coalesced", "user_id", userID, "remaining", cooldown.Remaining)
		return nil, nil
	}
	return nil, err
}

func (w *worker) handleReminder(_ context.Context, p protocol.Packet) (protocol.Packet, error) {
	w.logger.Info("reminder due",
		"user_id", p.GetInt64("user_id"),
		"text", p.GetString("text"),
	)
	return nil, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
