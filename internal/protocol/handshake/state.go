package handshake

// State is the handshake progress of one connection.
type State uint8

const (
	StateUnauthenticated State = iota
	StateAwaitingChallenge
	StateAwaitingVerdict
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "UNAUTHENTICATED"
	case StateAwaitingChallenge:
		return "AWAITING_CHALLENGE"
	case StateAwaitingVerdict:
		return "AWAITING_VERDICT"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Pending reports whether the handshake is waiting on the peer.
func (s State) Pending() bool {
	return s == StateAwaitingChallenge || s == StateAwaitingVerdict
}
