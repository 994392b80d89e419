package player

import (
	"time"

	"golang.org/x/time/rate"
)

// ServerPlayerID is the id actions carry when the server itself issued
// them. It is never assigned to a connected player.
const ServerPlayerID uint32 = 0

// Player is a connected, authenticated participant.
type Player struct {
	ID      uint32        `json:"id"`
	Name    string        `json:"name"`
	KeyHash string        `json:"key_hash"`
	GroupID uint8         `json:"group_id"`
	Ping    time.Duration `json:"ping"`

	JoinedAt     time.Time `json:"joined_at"`
	LastActionAt time.Time `json:"last_action_at"`
	CommandsRan  int       `json:"commands_ran"`
	ChatMessages int       `json:"chat_messages"`

	chat *rate.Limiter
}

// PingMillis returns the last measured latency in milliseconds.
func (p *Player) PingMillis() uint32 {
	return uint32(p.Ping / time.Millisecond)
}
