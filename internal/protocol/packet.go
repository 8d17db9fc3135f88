// ABOUTME: Packet and PacketType definitions for the coordinator protocol.
// ABOUTME: Packets are JSON objects with a mandatory integer type field.

package protocol

import "fmt"

// PacketType identifies what a packet means and which handler services it.
// The numeric values are part of the wire format and must not be reordered.
type PacketType int

const (
	Auth PacketType = iota + 1
	AuthResponse
	Disconnect
	MissingPacket
	ClusterReady
	Eval
	EvalResponse
	Exec
	ExecResponse
	BroadcastRequest
	BroadcastResponse
	Cooldown
	CooldownResponse
	CooldownAdd
	CooldownReset
	ConcurrencyCheck
	ConcurrencyCheckResponse
	ConcurrencyAcquire
	ConcurrencyRelease
	CommandRan
	Reminder
	FetchStats
	StatsResponse
	UpdateSupportServerRoles
	ReloadData
	EconPause
	EconPauseUndo
	EconPauseCheck
)

var packetTypeNames = map[PacketType]string{
	Auth:                     "AUTH",
	AuthResponse:             "AUTH_RESPONSE",
	Disconnect:               "DISCONNECT",
	MissingPacket:            "MISSING_PACKET",
	ClusterReady:             "CLUSTER_READY",
	Eval:                     "EVAL",
	EvalResponse:             "EVAL_RESPONSE",
	Exec:                     "EXEC",
	ExecResponse:             "EXEC_RESPONSE",
	BroadcastRequest:         "BROADCAST_REQUEST",
	BroadcastResponse:        "BROADCAST_RESPONSE",
	Cooldown:                 "COOLDOWN",
	CooldownResponse:         "COOLDOWN_RESPONSE",
	CooldownAdd:              "COOLDOWN_ADD",
	CooldownReset:            "COOLDOWN_RESET",
	ConcurrencyCheck:         "CONCURRENCY_CHECK",
	ConcurrencyCheckResponse: "CONCURRENCY_CHECK_RESPONSE",
	ConcurrencyAcquire:       "CONCURRENCY_ACQUIRE",
	ConcurrencyRelease:       "CONCURRENCY_RELEASE",
	CommandRan:               "COMMAND_RAN",
	Reminder:                 "REMINDER",
	FetchStats:               "FETCH_STATS",
	StatsResponse:            "STATS_RESPONSE",
	UpdateSupportServerRoles: "UPDATE_SUPPORT_SERVER_ROLES",
	ReloadData:               "RELOAD_DATA",
	EconPause:                "ECON_PAUSE",
	EconPauseUndo:            "ECON_PAUSE_UNDO",
	EconPauseCheck:           "ECON_PAUSE_CHECK",
}

func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("PacketType(%d)", int(t))
}

// Packet is one protocol message: a JSON object with a mandatory "type"
// field and arbitrary JSON-compatible payload fields. Decoded packets hold
// values the way encoding/json produces them (float64 numbers, []any
// sequences, map[string]any mappings, Set for set envelopes).
type Packet map[string]any

// New creates a packet of the given type. Extra fields can be assigned
// directly since Packet is a map.
func New(t PacketType) Packet {
	return Packet{"type": int(t)}
}

// Type returns the packet type, or 0 if the field is missing or malformed.
func (p Packet) Type() PacketType {
	switch v := p["type"].(type) {
	case PacketType:
		return v
	case int:
		return PacketType(v)
	case float64:
		return PacketType(v)
	}
	return 0
}

// ID returns the correlation id, or "" if the packet is not a request or
// response.
func (p Packet) ID() string {
	id, _ := p["id"].(string)
	return id
}

// SetID stamps the correlation id onto the packet.
func (p Packet) SetID(id string) {
	p["id"] = id
}

// GetString returns the named field as a string, or "" if absent.
func (p Packet) GetString(key string) string {
	s, _ := p[key].(string)
	return s
}

// GetBool returns the named field as a bool, or false if absent.
func (p Packet) GetBool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// GetInt64 returns the named field as an int64. JSON numbers decode as
// float64, so both forms are accepted.
func (p Packet) GetInt64(key string) int64 {
	switch v := p[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// GetFloat64 returns the named field as a float64, or 0 if absent.
func (p Packet) GetFloat64(key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

// Clone returns a shallow copy of the packet. Nested values are shared.
func (p Packet) Clone() Packet {
	out := make(Packet, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
