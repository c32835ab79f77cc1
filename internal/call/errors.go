package call

import "errors"

var (
	// ErrDuplicateNegotiation reports a second remote description for the
	// same negotiation attempt. A protocol violation: the registry filters
	// re-delivered message IDs, so a duplicate here means the remote sent a
	// distinct second offer or answer. Logged and dropped, never fatal.
	ErrDuplicateNegotiation = errors.New("call: duplicate negotiation")

	// ErrNegotiationTimeout reports that the session did not reach a live
	// media path within the bounded negotiation window.
	ErrNegotiationTimeout = errors.New("call: negotiation timed out")
)
