package session

// State is a position in the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingHello
	StateHandshaking
	StateActive
	StateClosing
)

var stateNames = [...]string{
	StateIdle:          "Idle",
	StateConnecting:    "Connecting",
	StateAwaitingHello: "AwaitingHello",
	StateHandshaking:   "Handshaking",
	StateActive:        "Active",
	StateClosing:       "Closing",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// allStates lists every state name, for the one-hot state gauge.
func allStates() []string {
	return stateNames[:]
}
