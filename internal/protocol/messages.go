package protocol

import (
	"encoding/json"
	"fmt"
)

// Typed payloads. Each Marshal produces a Packet; each Unmarshal function
// parses the payload of the matching command and wraps failures in
// ErrMalformedPayload.

// TokenResponse carries the server's authentication challenge.
type TokenResponse struct {
	Challenge []byte
}

func (m TokenResponse) Marshal() Packet {
	return NewPacketBuilder().WriteBlob(m.Challenge).Packet(CmdToken)
}

func UnmarshalTokenResponse(payload []byte) (TokenResponse, error) {
	r := NewPacketReader(payload)
	m := TokenResponse{Challenge: r.ReadBlob("challenge")}
	return m, r.Err()
}

// AuthRequest is the client's credentials.
type AuthRequest struct {
	GameVersion     string
	Name            string
	Password        string
	PublicKey       []byte
	Signature       []byte
	ReconnectTicket string
}

func (m AuthRequest) Marshal() Packet {
	return NewPacketBuilder().
		WriteString(m.GameVersion).
		WriteString(m.Name).
		WriteString(m.Password).
		WriteBlob(m.PublicKey).
		WriteBlob(m.Signature).
		WriteString(m.ReconnectTicket).
		Packet(CmdAuth)
}

func UnmarshalAuthRequest(payload []byte) (AuthRequest, error) {
	r := NewPacketReader(payload)
	m := AuthRequest{
		GameVersion:     r.ReadString("game_version"),
		Name:            r.ReadString("name"),
		Password:        r.ReadString("password"),
		PublicKey:       r.ReadBlob("public_key"),
		Signature:       r.ReadBlob("signature"),
		ReconnectTicket: r.ReadString("ticket"),
	}
	return m, r.Err()
}

// AuthResult is the outcome code of an authentication attempt.
type AuthResult uint8

const (
	AuthOK AuthResult = iota
	AuthBadVersion
	AuthBadName
	AuthBadPassword
	AuthBadSignature
	AuthServerFull
	AuthBanned
	AuthThrottled
	AuthTooManyAttempts
)

var authResultNames = [...]string{
	AuthOK:              "ok",
	AuthBadVersion:      "bad_version",
	AuthBadName:         "bad_name",
	AuthBadPassword:     "bad_password",
	AuthBadSignature:    "bad_signature",
	AuthServerFull:      "server_full",
	AuthBanned:          "banned",
	AuthThrottled:       "throttled",
	AuthTooManyAttempts: "too_many_attempts",
}

func (a AuthResult) String() string {
	if int(a) < len(authResultNames) {
		return authResultNames[a]
	}
	return fmt.Sprintf("auth_result(%d)", uint8(a))
}

// AuthResponse answers an AuthRequest.
type AuthResponse struct {
	Result   AuthResult
	PlayerID uint32
	Reason   string
	Ticket   string
}

func (m AuthResponse) Marshal() Packet {
	return NewPacketBuilder().
		WriteByte(byte(m.Result)).
		WriteUint32(m.PlayerID).
		WriteString(m.Reason).
		WriteString(m.Ticket).
		Packet(CmdAuth)
}

func UnmarshalAuthResponse(payload []byte) (AuthResponse, error) {
	r := NewPacketReader(payload)
	m := AuthResponse{
		Result:   AuthResult(r.ReadUint8("result")),
		PlayerID: r.ReadUint32("player_id"),
		Reason:   r.ReadString("reason"),
		Ticket:   r.ReadString("ticket"),
	}
	return m, r.Err()
}

// Chat is a chat line. Clients send only Text; the server fills in the
// sender before relaying.
type Chat struct {
	PlayerID uint32
	Name     string
	Text     string
}

func (m Chat) Marshal() Packet {
	return NewPacketBuilder().
		WriteUint32(m.PlayerID).
		WriteString(m.Name).
		WriteString(m.Text).
		Packet(CmdChat)
}

func UnmarshalChat(payload []byte) (Chat, error) {
	r := NewPacketReader(payload)
	m := Chat{
		PlayerID: r.ReadUint32("player_id"),
		Name:     r.ReadString("name"),
		Text:     r.ReadString("text"),
	}
	return m, r.Err()
}

// Game action flags.
const (
	// ActionFlagRejected marks a server reply that the action was refused
	// and will never execute.
	ActionFlagRejected uint32 = 1 << 0
	// ActionFlagServer marks actions injected by the server itself.
	ActionFlagServer uint32 = 1 << 1
)

// GameAction is a command for the deterministic simulation. Clients fill
// RequestID, Type and Params; the server assigns ActionID, Tick and
// PlayerID before broadcasting.
type GameAction struct {
	ActionID  uint32
	RequestID uint32
	Tick      uint32
	PlayerID  uint32
	Type      uint32
	Flags     uint32
	ErrorCode uint16
	Error     string
	Params    []byte
}

// Rejected reports whether the server refused this action.
func (m GameAction) Rejected() bool {
	return m.Flags&ActionFlagRejected != 0
}

func (m GameAction) write(b *PacketBuilder) {
	b.WriteUint32(m.ActionID).
		WriteUint32(m.RequestID).
		WriteUint32(m.Tick).
		WriteUint32(m.PlayerID).
		WriteUint32(m.Type).
		WriteUint32(m.Flags).
		WriteUint16(m.ErrorCode).
		WriteString(m.Error).
		WriteBlob(m.Params)
}

func readGameAction(r *PacketReader) GameAction {
	return GameAction{
		ActionID:  r.ReadUint32("action_id"),
		RequestID: r.ReadUint32("request_id"),
		Tick:      r.ReadUint32("tick"),
		PlayerID:  r.ReadUint32("player_id"),
		Type:      r.ReadUint32("type"),
		Flags:     r.ReadUint32("flags"),
		ErrorCode: r.ReadUint16("error_code"),
		Error:     r.ReadString("error"),
		Params:    r.ReadBlob("params"),
	}
}

func (m GameAction) Marshal() Packet {
	b := NewPacketBuilder()
	m.write(b)
	return b.Packet(CmdGameAction)
}

func UnmarshalGameAction(payload []byte) (GameAction, error) {
	r := NewPacketReader(payload)
	m := readGameAction(r)
	return m, r.Err()
}

// Tick is the server's per-tick record.
type Tick struct {
	Tick      uint32
	Seed      uint32
	Checksum  string
	ActionIDs []uint32
}

func (m Tick) Marshal() Packet {
	b := NewPacketBuilder().
		WriteUint32(m.Tick).
		WriteUint32(m.Seed).
		WriteString(m.Checksum).
		WriteUint32(uint32(len(m.ActionIDs)))
	for _, id := range m.ActionIDs {
		b.WriteUint32(id)
	}
	return b.Packet(CmdTick)
}

func UnmarshalTick(payload []byte) (Tick, error) {
	r := NewPacketReader(payload)
	m := Tick{
		Tick:     r.ReadUint32("tick"),
		Seed:     r.ReadUint32("seed"),
		Checksum: r.ReadString("checksum"),
	}
	n := r.Count("action_count", 4)
	if n > 0 {
		m.ActionIDs = make([]uint32, n)
		for i := range m.ActionIDs {
			m.ActionIDs[i] = r.ReadUint32("action_id")
		}
	}
	return m, r.Err()
}

// PlayerEntry describes one connected player.
type PlayerEntry struct {
	ID      uint32
	Name    string
	GroupID uint8
	Ping    uint32
	Flags   uint8
}

// PlayerFlagServer marks the server host's own player.
const PlayerFlagServer uint8 = 1 << 0

func (e PlayerEntry) write(b *PacketBuilder) {
	b.WriteUint32(e.ID).WriteString(e.Name).WriteByte(e.GroupID).WriteUint32(e.Ping).WriteByte(e.Flags)
}

func readPlayerEntry(r *PacketReader) PlayerEntry {
	return PlayerEntry{
		ID:      r.ReadUint32("player_id"),
		Name:    r.ReadString("name"),
		GroupID: r.ReadUint8("group_id"),
		Ping:    r.ReadUint32("ping"),
		Flags:   r.ReadUint8("flags"),
	}
}

// PlayerInfo updates a single player.
type PlayerInfo struct {
	Player PlayerEntry
}

func (m PlayerInfo) Marshal() Packet {
	b := NewPacketBuilder()
	m.Player.write(b)
	return b.Packet(CmdPlayerInfo)
}

func UnmarshalPlayerInfo(payload []byte) (PlayerInfo, error) {
	r := NewPacketReader(payload)
	m := PlayerInfo{Player: readPlayerEntry(r)}
	return m, r.Err()
}

// PlayerList replaces the client's view of connected players.
type PlayerList struct {
	Players []PlayerEntry
}

func (m PlayerList) Marshal() Packet {
	b := NewPacketBuilder().WriteUint32(uint32(len(m.Players)))
	for _, p := range m.Players {
		p.write(b)
	}
	return b.Packet(CmdPlayerList)
}

func UnmarshalPlayerList(payload []byte) (PlayerList, error) {
	r := NewPacketReader(payload)
	n := r.Count("player_count", 12)
	m := PlayerList{Players: make([]PlayerEntry, 0, n)}
	for i := 0; i < n; i++ {
		m.Players = append(m.Players, readPlayerEntry(r))
	}
	return m, r.Err()
}

// Ping is echoed verbatim by the client.
type Ping struct {
	Sequence uint32
}

func (m Ping) Marshal() Packet {
	return NewPacketBuilder().WriteUint32(m.Sequence).Packet(CmdPing)
}

func UnmarshalPing(payload []byte) (Ping, error) {
	r := NewPacketReader(payload)
	m := Ping{Sequence: r.ReadUint32("sequence")}
	return m, r.Err()
}

// PingEntry is one player's latency in milliseconds.
type PingEntry struct {
	PlayerID uint32
	Ping     uint32
}

// PingList carries everyone's latency.
type PingList struct {
	Entries []PingEntry
}

func (m PingList) Marshal() Packet {
	b := NewPacketBuilder().WriteUint32(uint32(len(m.Entries)))
	for _, e := range m.Entries {
		b.WriteUint32(e.PlayerID).WriteUint32(e.Ping)
	}
	return b.Packet(CmdPingList)
}

func UnmarshalPingList(payload []byte) (PingList, error) {
	r := NewPacketReader(payload)
	n := r.Count("entry_count", 8)
	m := PingList{Entries: make([]PingEntry, 0, n)}
	for i := 0; i < n; i++ {
		m.Entries = append(m.Entries, PingEntry{
			PlayerID: r.ReadUint32("player_id"),
			Ping:     r.ReadUint32("ping"),
		})
	}
	return m, r.Err()
}

// DisconnectMessage tells the peer why the connection is about to close.
type DisconnectMessage struct {
	Reason string
}

func (m DisconnectMessage) Marshal() Packet {
	return NewPacketBuilder().WriteString(m.Reason).Packet(CmdDisconnectMessage)
}

func UnmarshalDisconnectMessage(payload []byte) (DisconnectMessage, error) {
	r := NewPacketReader(payload)
	m := DisconnectMessage{Reason: r.ReadString("reason")}
	return m, r.Err()
}

// GameInfo describes the server. It travels as JSON so fields can be
// added without a protocol change.
type GameInfo struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	Greeting        string `json:"greeting"`
	Version         string `json:"version"`
	Players         int    `json:"players"`
	MaxPlayers      int    `json:"maxPlayers"`
	RequiresPass    bool   `json:"requiresPassword"`
	Tick            uint32 `json:"tick"`
	ProviderName    string `json:"providerName,omitempty"`
	ProviderEmail   string `json:"providerEmail,omitempty"`
	ProviderWebsite string `json:"providerWebsite,omitempty"`
	HostOS          string `json:"hostOS,omitempty"`
	HostCPU         string `json:"hostCPU,omitempty"`
}

func (m GameInfo) Marshal() Packet {
	data, _ := json.Marshal(m)
	return NewPacketBuilder().WriteBlob(data).Packet(CmdGameInfo)
}

func UnmarshalGameInfo(payload []byte) (GameInfo, error) {
	r := NewPacketReader(payload)
	data := r.ReadBlob("json")
	if r.Err() != nil {
		return GameInfo{}, r.Err()
	}
	var m GameInfo
	if err := json.Unmarshal(data, &m); err != nil {
		return GameInfo{}, fmt.Errorf("%w: game info: %v", ErrMalformedPayload, err)
	}
	return m, nil
}

// ShowError asks the client to display an error.
type ShowError struct {
	Title   string
	Message string
}

func (m ShowError) Marshal() Packet {
	return NewPacketBuilder().WriteString(m.Title).WriteString(m.Message).Packet(CmdShowError)
}

func UnmarshalShowError(payload []byte) (ShowError, error) {
	r := NewPacketReader(payload)
	m := ShowError{Title: r.ReadString("title"), Message: r.ReadString("message")}
	return m, r.Err()
}

// GroupEntry describes one permission group.
type GroupEntry struct {
	ID          uint8
	Name        string
	Permissions uint64
}

// GroupList carries every group and the default group id.
type GroupList struct {
	DefaultGroup uint8
	Groups       []GroupEntry
}

func (m GroupList) Marshal() Packet {
	b := NewPacketBuilder().WriteByte(m.DefaultGroup).WriteUint32(uint32(len(m.Groups)))
	for _, g := range m.Groups {
		b.WriteByte(g.ID).WriteString(g.Name).WriteUint64(g.Permissions)
	}
	return b.Packet(CmdGroupList)
}

func UnmarshalGroupList(payload []byte) (GroupList, error) {
	r := NewPacketReader(payload)
	m := GroupList{DefaultGroup: r.ReadUint8("default_group")}
	n := r.Count("group_count", 11)
	for i := 0; i < n; i++ {
		m.Groups = append(m.Groups, GroupEntry{
			ID:          r.ReadUint8("group_id"),
			Name:        r.ReadString("name"),
			Permissions: r.ReadUint64("permissions"),
		})
	}
	return m, r.Err()
}

// EventKind enumerates session notifications.
type EventKind uint16

const (
	EventKindPlayerJoined EventKind = iota
	EventKindPlayerDisconnected
)

// Event notifies clients about a player joining or leaving.
type Event struct {
	Kind     EventKind
	PlayerID uint32
	Name     string
	Reason   string
}

func (m Event) Marshal() Packet {
	return NewPacketBuilder().
		WriteUint16(uint16(m.Kind)).
		WriteUint32(m.PlayerID).
		WriteString(m.Name).
		WriteString(m.Reason).
		Packet(CmdEvent)
}

func UnmarshalEvent(payload []byte) (Event, error) {
	r := NewPacketReader(payload)
	m := Event{
		Kind:     EventKind(r.ReadUint16("kind")),
		PlayerID: r.ReadUint32("player_id"),
		Name:     r.ReadString("name"),
		Reason:   r.ReadString("reason"),
	}
	return m, r.Err()
}

// ObjectEntry identifies a content object the session depends on.
// Source is only filled in the detailed list sent for missing objects.
type ObjectEntry struct {
	ID       string
	Checksum string
	Version  string
	Source   string
	Size     uint32
}

// ObjectsList announces the session's required content.
type ObjectsList struct {
	Detailed bool
	Objects  []ObjectEntry
}

func (m ObjectsList) Marshal() Packet {
	b := NewPacketBuilder().WriteBool(m.Detailed).WriteUint32(uint32(len(m.Objects)))
	for _, o := range m.Objects {
		b.WriteString(o.ID).WriteString(o.Checksum).WriteString(o.Version)
		if m.Detailed {
			b.WriteString(o.Source).WriteUint32(o.Size)
		}
	}
	return b.Packet(CmdObjectsList)
}

func UnmarshalObjectsList(payload []byte) (ObjectsList, error) {
	r := NewPacketReader(payload)
	m := ObjectsList{Detailed: r.ReadBool("detailed")}
	n := r.Count("object_count", 6)
	for i := 0; i < n; i++ {
		o := ObjectEntry{
			ID:       r.ReadString("id"),
			Checksum: r.ReadString("checksum"),
			Version:  r.ReadString("version"),
		}
		if m.Detailed {
			o.Source = r.ReadString("source")
			o.Size = r.ReadUint32("size")
		}
		m.Objects = append(m.Objects, o)
	}
	return m, r.Err()
}

// MapRequest lists objects the client is missing. An empty request means
// the client is ready for the map.
type MapRequest struct {
	ObjectIDs []string
}

func (m MapRequest) Marshal() Packet {
	b := NewPacketBuilder().WriteUint32(uint32(len(m.ObjectIDs)))
	for _, id := range m.ObjectIDs {
		b.WriteString(id)
	}
	return b.Packet(CmdMapRequest)
}

func UnmarshalMapRequest(payload []byte) (MapRequest, error) {
	r := NewPacketReader(payload)
	n := r.Count("id_count", 2)
	m := MapRequest{}
	for i := 0; i < n; i++ {
		m.ObjectIDs = append(m.ObjectIDs, r.ReadString("id"))
	}
	return m, r.Err()
}

// Script is one server plugin pushed to clients.
type Script struct {
	Name string
	Code []byte
}

// Scripts carries the server's plugins.
type Scripts struct {
	Scripts []Script
}

func (m Scripts) Marshal() Packet {
	b := NewPacketBuilder().WriteUint32(uint32(len(m.Scripts)))
	for _, s := range m.Scripts {
		b.WriteString(s.Name).WriteBlob(s.Code)
	}
	return b.Packet(CmdScripts)
}

func UnmarshalScripts(payload []byte) (Scripts, error) {
	r := NewPacketReader(payload)
	n := r.Count("script_count", 6)
	m := Scripts{}
	for i := 0; i < n; i++ {
		m.Scripts = append(m.Scripts, Script{Name: r.ReadString("name"), Code: r.ReadBlob("code")})
	}
	return m, r.Err()
}

// RequestGameState asks the server for a fresh snapshot.
type RequestGameState struct {
	Tick uint32
}

func (m RequestGameState) Marshal() Packet {
	return NewPacketBuilder().WriteUint32(m.Tick).Packet(CmdRequestGameState)
}

func UnmarshalRequestGameState(payload []byte) (RequestGameState, error) {
	r := NewPacketReader(payload)
	m := RequestGameState{Tick: r.ReadUint32("tick")}
	return m, r.Err()
}

// Heartbeat keeps an idle client connection alive.
type Heartbeat struct {
	Tick uint32
}

func (m Heartbeat) Marshal() Packet {
	return NewPacketBuilder().WriteUint32(m.Tick).Packet(CmdHeartbeat)
}

func UnmarshalHeartbeat(payload []byte) (Heartbeat, error) {
	r := NewPacketReader(payload)
	m := Heartbeat{Tick: r.ReadUint32("tick")}
	return m, r.Err()
}

// Snapshot is the decompressed body of a MAP or GAMESTATE transfer: the
// simulation state at Tick plus every action already scheduled for a later
// tick, so a late joiner does not miss broadcasts it never received.
type Snapshot struct {
	Tick    uint32
	State   []byte
	Pending []GameAction
}

// Encode serializes the snapshot body.
func (s Snapshot) Encode() []byte {
	b := NewPacketBuilder().
		WriteUint32(s.Tick).
		WriteBlob(s.State).
		WriteUint32(uint32(len(s.Pending)))
	for _, a := range s.Pending {
		a.write(b)
	}
	return b.Build()
}

// DecodeSnapshot parses a snapshot body.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	r := NewPacketReader(data)
	s := Snapshot{
		Tick:  r.ReadUint32("tick"),
		State: r.ReadBlob("state"),
	}
	n := r.Count("pending_count", 32)
	for i := 0; i < n; i++ {
		s.Pending = append(s.Pending, readGameAction(r))
	}
	return s, r.Err()
}
