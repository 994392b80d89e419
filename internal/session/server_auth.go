package session

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/parknet-project/parknet/internal/events"
	"github.com/parknet-project/parknet/internal/network"
	"github.com/parknet-project/parknet/internal/player"
	"github.com/parknet-project/parknet/internal/protocol"
	"github.com/parknet-project/parknet/internal/sim"
	"github.com/parknet-project/parknet/internal/util"
)

func (s *Server) handleToken(c *network.Connection, p protocol.Packet) error {
	if c.AuthStatus == network.AuthOK {
		return fmt.Errorf("%w: token after authentication", ErrUnexpectedCommand)
	}
	challenge, err := util.RandomBytes(challengeSize)
	if err != nil {
		return err
	}
	c.Challenge = challenge
	c.AuthStatus = network.AuthVerifying
	c.QueuePacket(protocol.TokenResponse{Challenge: challenge}.Marshal())
	return nil
}

// authDenial is a failed authentication. Retryable denials leave the
// connection open until the attempt limit is reached.
type authDenial struct {
	result    protocol.AuthResult
	reason    string
	retryable bool
}

func (s *Server) handleAuth(c *network.Connection, p protocol.Packet) error {
	if c.AuthStatus == network.AuthOK {
		return fmt.Errorf("%w: auth after authentication", ErrUnexpectedCommand)
	}
	if len(c.Challenge) == 0 {
		return fmt.Errorf("%w: auth without token", ErrUnexpectedCommand)
	}
	req, err := protocol.UnmarshalAuthRequest(p.Payload)
	if err != nil {
		return err
	}

	c.AuthAttempts++
	keyHash, denial := s.checkCredentials(c, req)
	if denial != nil {
		s.denyAuth(c, *denial)
		return nil
	}

	name := req.Name
	var restoredGroup *uint8
	if req.ReconnectTicket != "" {
		claims, err := s.tickets.Verify(req.ReconnectTicket, keyHash)
		if err != nil {
			c.Logger().Debug().Err(err).Msg("ignoring reconnect ticket")
		} else {
			name = player.BaseName(claims.Name)
			restoredGroup = &claims.GroupID
		}
	}

	var pl *player.Player
	if restoredGroup != nil {
		pl, err = s.registry.AddPlayerInGroup(name, keyHash, *restoredGroup)
	} else {
		pl, err = s.registry.AddPlayer(name, keyHash)
	}
	if err != nil {
		s.denyAuth(c, authDenial{result: protocol.AuthBadName, reason: protocol.ReasonBadName, retryable: true})
		return nil
	}

	c.AuthStatus = network.AuthOK
	c.Ready = false
	c.BindPlayer(pl.ID, pl.Name, keyHash)

	ticket, err := s.tickets.Issue(keyHash, pl.Name, pl.GroupID, s.now)
	if err != nil {
		c.Logger().Warn().Err(err).Msg("failed to issue reconnect ticket")
	}

	c.QueuePacket(protocol.AuthResponse{Result: protocol.AuthOK, PlayerID: pl.ID, Ticket: ticket}.Marshal())
	c.QueuePacket(s.groupList().Marshal())
	c.QueuePacket(s.GameInfo().Marshal())
	s.broadcastPlayerList()
	s.conns.SendToAll(protocol.Event{
		Kind:     protocol.EventKindPlayerJoined,
		PlayerID: pl.ID,
		Name:     pl.Name,
	}.Marshal(), func(other *network.Connection) bool {
		return other.ID != c.ID && other.AuthStatus == network.AuthOK && !s.isClosing(other)
	})
	c.QueuePacket(s.scriptsPacket())
	c.QueuePacket(s.requiredObjects().Marshal())

	s.emit(events.EventPlayerJoined, events.PlayerPayload{
		PlayerID: pl.ID,
		Name:     pl.Name,
		KeyHash:  keyHash,
		GroupID:  pl.GroupID,
		Address:  c.Socket().IPAddress(),
	})
	c.Logger().Info().
		Uint8("group_id", pl.GroupID).
		Bool("restored", restoredGroup != nil).
		Msg("player authenticated")
	return nil
}

// checkCredentials runs every authentication check in order and returns
// the key hash on success.
func (s *Server) checkCredentials(c *network.Connection, req protocol.AuthRequest) (string, *authDenial) {
	if req.GameVersion != protocol.NetworkVersion {
		return "", &authDenial{result: protocol.AuthBadVersion, reason: protocol.ReasonVersionIncompatible}
	}
	if err := util.VerifySignature(req.PublicKey, c.Challenge, req.Signature); err != nil {
		c.Logger().Debug().Err(err).Msg("signature check failed")
		return "", &authDenial{result: protocol.AuthBadSignature, reason: protocol.ReasonBadSignature}
	}
	keyHash := util.KeyHash(req.PublicKey)

	if s.registry.IsBanned(keyHash) {
		return "", &authDenial{result: protocol.AuthBanned, reason: protocol.ReasonBanned}
	}
	if s.network.MaxPlayers > 0 && s.registry.PlayerCount() >= s.network.MaxPlayers {
		return "", &authDenial{result: protocol.AuthServerFull, reason: protocol.ReasonServerFull}
	}
	// The cooldown counts connections, not password retries on one.
	if c.AuthAttempts == 1 && !s.allowReconnect(keyHash) {
		return "", &authDenial{result: protocol.AuthThrottled, reason: protocol.ReasonReconnectThrottled}
	}
	if len(s.passwordHash) > 0 {
		group, _ := s.registry.Group(s.registry.GroupByHash(keyHash))
		if !group.Can(player.PermPasswordlessLogin) {
			if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(req.Password)); err != nil {
				return "", &authDenial{result: protocol.AuthBadPassword, reason: protocol.ReasonBadPassword, retryable: true}
			}
		}
	}
	if _, err := player.ValidateName(req.Name); err != nil {
		return "", &authDenial{result: protocol.AuthBadName, reason: protocol.ReasonBadName, retryable: true}
	}
	return keyHash, nil
}

func (s *Server) denyAuth(c *network.Connection, d authDenial) {
	if d.retryable && c.AuthAttempts >= s.cfg.MaxAuthAttempts {
		d = authDenial{result: protocol.AuthTooManyAttempts, reason: protocol.ReasonTooManyAttempts}
	}
	c.Logger().Info().
		Str("result", d.result.String()).
		Int("attempt", c.AuthAttempts).
		Msg("authentication denied")

	c.QueuePacket(protocol.AuthResponse{Result: d.result, Reason: d.reason}.Marshal())
	if d.retryable {
		return
	}
	c.AuthStatus = network.AuthDenied
	s.disconnect(c, d.reason)
}

func (s *Server) allowReconnect(keyHash string) bool {
	lim, ok := s.reconnects[keyHash]
	if !ok {
		every := rate.Every(s.cfg.ReconnectCooldown())
		if s.cfg.ReconnectCooldownMS <= 0 {
			every = rate.Inf
		}
		lim = rate.NewLimiter(every, reconnectBurst)
		s.reconnects[keyHash] = lim
	}
	return lim.AllowN(s.now, 1)
}

// pruneReconnectLimiters forgets keys whose limiter has refilled.
func (s *Server) pruneReconnectLimiters() {
	for key, lim := range s.reconnects {
		if lim.TokensAt(s.now) >= reconnectBurst {
			delete(s.reconnects, key)
		}
	}
}

func (s *Server) scriptsPacket() protocol.Packet {
	var msg protocol.Scripts
	if s.scripts != nil {
		for _, sc := range s.scripts.Scripts() {
			msg.Scripts = append(msg.Scripts, protocol.Script{Name: sc.Name, Code: sc.Code})
		}
	}
	return msg.Marshal()
}

func (s *Server) requiredObjects() protocol.ObjectsList {
	var list protocol.ObjectsList
	for _, o := range s.objects.Required() {
		list.Objects = append(list.Objects, protocol.ObjectEntry{
			ID:       o.ID,
			Checksum: o.Checksum,
			Version:  o.Version,
		})
	}
	return list
}

func (s *Server) handleGameInfo(c *network.Connection, p protocol.Packet) error {
	c.QueuePacket(s.GameInfo().Marshal())
	return nil
}

func (s *Server) handleDisconnectMessage(c *network.Connection, p protocol.Packet) error {
	msg, err := protocol.UnmarshalDisconnectMessage(p.Payload)
	if err != nil {
		return err
	}
	reason := msg.Reason
	if reason == "" {
		reason = protocol.ReasonClientQuit
	}
	c.SetDisconnectReason(reason)
	s.closing[c.ID] = struct{}{}
	c.Logger().Info().Str("reason", reason).Msg("client is leaving")
	return nil
}

func (s *Server) handleHeartbeat(c *network.Connection, p protocol.Packet) error {
	if _, err := protocol.UnmarshalHeartbeat(p.Payload); err != nil {
		return err
	}
	return nil
}

func (s *Server) objectDetails(ids []string) protocol.ObjectsList {
	list := protocol.ObjectsList{Detailed: true}
	for _, id := range ids {
		o, ok := s.objects.Details(id)
		if !ok {
			continue
		}
		list.Objects = append(list.Objects, objectEntry(o))
	}
	return list
}

func objectEntry(o sim.Object) protocol.ObjectEntry {
	return protocol.ObjectEntry{
		ID:       o.ID,
		Checksum: o.Checksum,
		Version:  o.Version,
		Source:   o.Source,
		Size:     o.Size,
	}
}

var errNoSnapshot = errors.New("snapshot unavailable")
