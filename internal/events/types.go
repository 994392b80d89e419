// Package events defines the session events published to outer services.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Session lifecycle
	EventServerStarted EventType = "server_started"
	EventServerStopped EventType = "server_stopped"

	// Players
	EventPlayerJoined       EventType = "player_joined"
	EventPlayerLeft         EventType = "player_left"
	EventPlayerGroupChanged EventType = "player_group_changed"

	// Gameplay traffic
	EventChat           EventType = "chat"
	EventActionExecuted EventType = "action_executed"
	EventActionRejected EventType = "action_rejected"

	// Health of the lockstep
	EventDesync   EventType = "desync"
	EventPingList EventType = "ping_list"
	EventStats    EventType = "stats"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Time    time.Time
	Payload interface{}
}

// New builds an event stamped with the current time.
func New(t EventType, source string, payload interface{}) Event {
	return Event{Type: t, Source: source, Time: time.Now(), Payload: payload}
}

// ServerPayload describes the listening server.
type ServerPayload struct {
	Name       string `json:"name"`
	Port       int    `json:"port"`
	MaxPlayers int    `json:"max_players"`
	Tick       uint32 `json:"tick"`
}

// PlayerPayload describes a player joining, leaving or changing group.
type PlayerPayload struct {
	PlayerID uint32 `json:"player_id"`
	Name     string `json:"name"`
	KeyHash  string `json:"key_hash,omitempty"`
	GroupID  uint8  `json:"group_id"`
	Reason   string `json:"reason,omitempty"`
	Address  string `json:"address,omitempty"`
}

// ChatPayload is a relayed chat line.
type ChatPayload struct {
	PlayerID uint32 `json:"player_id"`
	Name     string `json:"name"`
	Text     string `json:"text"`
}

// ActionPayload describes a game action accepted or rejected by the server.
type ActionPayload struct {
	ActionID  uint32 `json:"action_id"`
	RequestID uint32 `json:"request_id"`
	PlayerID  uint32 `json:"player_id"`
	Player    string `json:"player,omitempty"`
	Type      string `json:"type"`
	Tick      uint32 `json:"tick"`
	Error     string `json:"error,omitempty"`
}

// DesyncPayload is emitted by a client when its state diverges.
type DesyncPayload struct {
	Tick           uint32 `json:"tick"`
	LocalChecksum  string `json:"local_checksum"`
	ServerChecksum string `json:"server_checksum"`
	Cause          string `json:"cause"`
}

// PingListPayload maps player id to latency in milliseconds.
type PingListPayload struct {
	Pings map[uint32]uint32 `json:"pings"`
}

// StatsPayload is a periodic server snapshot for telemetry.
type StatsPayload struct {
	Tick        uint32  `json:"tick"`
	Players     int     `json:"players"`
	Connections int     `json:"connections"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"memory_percent"`
}
