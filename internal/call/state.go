package call

// Role is which side of the negotiation this participant plays.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// State is the call session lifecycle.
//
//	Idle → Initiating | AwaitingOffer → Negotiating → Connected → Ended
//	any non-terminal → Ended | Failed
type State int

const (
	StateIdle State = iota
	StateInitiating
	StateAwaitingOffer
	StateNegotiating
	StateConnected
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitiating:
		return "initiating"
	case StateAwaitingOffer:
		return "awaiting-offer"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}
