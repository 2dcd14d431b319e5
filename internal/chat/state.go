package chat

// State is the protocol state of a single connection.
type State int

const (
	// StateConnecting covers the time between transport accept and a
	// successful credential and ban check.
	StateConnecting State = iota
	// StateAuthenticated means the user is known but not in a room.
	StateAuthenticated
	// StateInRoom means the connection holds a session in exactly one room.
	StateInRoom
	// StateDisconnected is terminal.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateInRoom:
		return "in_room"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// accepts reports whether a client frame of type t is valid in state s.
func (s State) accepts(t string) bool {
	switch s {
	case StateAuthenticated:
		switch t {
		case TypeJoin, TypeAdminBan, TypeAdminUnban, TypeAdminDeleteMessage:
			return true
		}
	case StateInRoom:
		switch t {
		case TypeJoin, TypeLeave, TypeSend, TypeTyping, TypeGetStats,
			TypeAdminBan, TypeAdminUnban, TypeAdminDeleteMessage:
			return true
		}
	}
	return false
}
