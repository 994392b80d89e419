package protocol

import "fmt"

// Disconnect and denial reasons sent on the wire. Clients match on these
// strings, so they must not change.
const (
	ReasonTooManyAttempts     = "too many attempts"
	ReasonDesynchronized      = "desynchronized"
	ReasonProtocolError       = "protocol error"
	ReasonTimedOut            = "timed out"
	ReasonAuthTimedOut        = "authentication timed out"
	ReasonVersionIncompatible = "version incompatible"
	ReasonServerFull          = "server full"
	ReasonBanned              = "banned"
	ReasonBadPassword         = "bad password"
	ReasonBadSignature        = "bad signature"
	ReasonBadName             = "bad name"
	ReasonReconnectThrottled  = "reconnecting too quickly"
	ReasonKicked              = "kicked"
	ReasonServerShutdown      = "server shutting down"
	ReasonClientQuit          = "client quit"
	ReasonConnectionLost      = "connection lost"
)

// ReasonMissingObject names a content object the client could not obtain.
func ReasonMissingObject(id string) string {
	return fmt.Sprintf("missing object %s", id)
}
