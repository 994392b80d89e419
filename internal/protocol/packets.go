// Package protocol implements the parknet wire format: length-prefixed
// frames carrying a command id, typed payloads for every command, and the
// chunked transfer used for map and game state snapshots. All integers are
// little-endian.
package protocol

import "fmt"

// Command identifies the meaning of a frame's payload.
type Command uint32

const (
	CmdAuth Command = iota
	CmdMap
	CmdChat
	CmdGameAction
	CmdTick
	CmdPlayerInfo
	CmdPlayerList
	CmdPing
	CmdPingList
	CmdDisconnectMessage
	CmdGameInfo
	CmdShowError
	CmdGroupList
	CmdEvent
	CmdToken
	CmdObjectsList
	CmdMapRequest
	CmdScripts
	CmdRequestGameState
	CmdGameState
	CmdHeartbeat

	cmdCount
)

var commandNames = [...]string{
	CmdAuth:              "AUTH",
	CmdMap:               "MAP",
	CmdChat:              "CHAT",
	CmdGameAction:        "GAME_ACTION",
	CmdTick:              "TICK",
	CmdPlayerInfo:        "PLAYERINFO",
	CmdPlayerList:        "PLAYERLIST",
	CmdPing:              "PING",
	CmdPingList:          "PINGLIST",
	CmdDisconnectMessage: "SETDISCONNECTMSG",
	CmdGameInfo:          "GAMEINFO",
	CmdShowError:         "SHOWERROR",
	CmdGroupList:         "GROUPLIST",
	CmdEvent:             "EVENT",
	CmdToken:             "TOKEN",
	CmdObjectsList:       "OBJECTS_LIST",
	CmdMapRequest:        "MAPREQUEST",
	CmdScripts:           "SCRIPTS",
	CmdRequestGameState:  "REQUEST_GAMESTATE",
	CmdGameState:         "GAMESTATE",
	CmdHeartbeat:         "HEARTBEAT",
}

func (c Command) String() string {
	if c.Known() {
		return commandNames[c]
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint32(c))
}

// Known reports whether c is part of the command enumeration.
func (c Command) Known() bool {
	return c < cmdCount
}

const (
	// HeaderSize is [totalLength:4][command:4].
	HeaderSize = 8

	// MaxPacketSize bounds totalLength, header included.
	MaxPacketSize = 16 << 20
)

// Packet is one decoded frame.
type Packet struct {
	Command Command
	Payload []byte
}

// Size returns the encoded frame length.
func (p Packet) Size() int {
	return HeaderSize + len(p.Payload)
}

// DiscoveryMagicByte prefixes LAN discovery probes and replies.
const DiscoveryMagicByte byte = 0xCA

// NetworkVersion must match exactly between client and server. Bump it on
// any change to the wire format or the simulation's determinism.
const NetworkVersion = "parknet-1"
