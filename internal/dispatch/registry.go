// ABOUTME: Static, layered packet-handler registry built once at startup.
// ABOUTME: More specific layers override general ones; same-layer duplicates are fatal.

package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/villager-dev/swarm/internal/protocol"
)

// HandlerFunc services one inbound packet. A non-nil returned packet is
// written back to the peer with the originating correlation id; a nil
// packet sends nothing.
type HandlerFunc func(ctx context.Context, p protocol.Packet) (protocol.Packet, error)

// Registration binds one packet type to a handler within a layer.
type Registration struct {
	Type    protocol.PacketType
	Handler HandlerFunc
}

// Layer is one capability's handler declarations. Layers are merged from
// most general to most specific, so a later layer may override an earlier
// one for the same type. Two registrations for the same type inside one
// layer have no precedence between them and reject the configuration.
type Layer struct {
	Name          string
	Registrations []Registration
}

// ConflictError reports two same-layer registrations for one packet type.
type ConflictError struct {
	Layer string
	Type  protocol.PacketType
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("dispatch: layer %q registers two handlers for %s", e.Layer, e.Type)
}

// ErrNoMissingPacketHandler rejects a registry without the mandatory
// fallback for unroutable packets.
var ErrNoMissingPacketHandler = errors.New("dispatch: no MISSING_PACKET handler registered")

// Registry is an immutable packet-type → handler table.
type Registry struct {
	handlers map[protocol.PacketType]HandlerFunc
	missing  HandlerFunc
}

// NewRegistry merges the given layers, general first, into a registry.
func NewRegistry(layers ...Layer) (*Registry, error) {
	handlers := make(map[protocol.PacketType]HandlerFunc)

	for _, layer := range layers {
		seen := make(map[protocol.PacketType]bool, len(layer.Registrations))
		for _, reg := range layer.Registrations {
			if reg.Handler == nil {
				return nil, fmt.Errorf("dispatch: layer %q registers a nil handler for %s", layer.Name, reg.Type)
			}
			if seen[reg.Type] {
				return nil, &ConflictError{Layer: layer.Name, Type: reg.Type}
			}
			seen[reg.Type] = true
			handlers[reg.Type] = reg.Handler
		}
	}

	missing, ok := handlers[protocol.MissingPacket]
	if !ok {
		return nil, ErrNoMissingPacketHandler
	}

	return &Registry{handlers: handlers, missing: missing}, nil
}

// Lookup returns the handler for the packet type, falling back to the
// MISSING_PACKET handler when no specific handler exists.
func (r *Registry) Lookup(t protocol.PacketType) HandlerFunc {
	if h, ok := r.handlers[t]; ok {
		return h
	}
	return r.missing
}

// Dispatch routes the packet to its handler.
func (r *Registry) Dispatch(ctx context.Context, p protocol.Packet) (protocol.Packet, error) {
	return r.Lookup(p.Type())(ctx, p)
}

// Handles reports whether a specific (non-fallback) handler exists for the
// packet type.
func (r *Registry) Handles(t protocol.PacketType) bool {
	_, ok := r.handlers[t]
	return ok
}
