package session

// State is a session lifecycle state.
type State string

const (
	StateConnecting State = "connecting"
	StateResolving  State = "resolving"
	StateListening  State = "listening"
	StateThinking   State = "thinking"
	StateSpeaking   State = "speaking"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// Active reports whether s is one of the conversational sub-states.
func (s State) Active() bool {
	switch s {
	case StateListening, StateThinking, StateSpeaking:
		return true
	}
	return false
}

// ParseState maps an engine state name onto a session state. Unknown names
// (for example "initializing") report false.
func ParseState(name string) (State, bool) {
	switch s := State(name); s {
	case StateListening, StateThinking, StateSpeaking:
		return s, true
	}
	return "", false
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	if to == StateClosed {
		return from == StateClosing || from == StateConnecting || from == StateResolving
	}
	switch from {
	case StateConnecting:
		return to == StateResolving || to == StateClosing
	case StateResolving:
		return to.Active() || to == StateClosing
	case StateListening, StateThinking, StateSpeaking:
		return (to.Active() && to != from) || to == StateClosing
	}
	return false
}

// Binding is the identity a session learns once dispatch metadata resolves.
type Binding struct {
	UserID         string
	ConversationID string
	PersonaID      string
	MetadataSource string
}
