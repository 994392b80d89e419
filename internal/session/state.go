package session

// State is where a client is in the session lifecycle.
type State int

const (
	StateClosed State = iota
	StateResolving
	StateConnecting
	StateConnected
	StateAuthenticating
	StateActive
	StateDesynchronized
)

var stateNames = [...]string{
	StateClosed:         "closed",
	StateResolving:      "resolving",
	StateConnecting:     "connecting",
	StateConnected:      "connected",
	StateAuthenticating: "authenticating",
	StateActive:         "active",
	StateDesynchronized: "desynchronized",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Synced reports whether the client is running ticks.
func (s State) Synced() bool {
	return s == StateActive || s == StateDesynchronized
}
