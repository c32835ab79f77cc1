// Package constant holds shared slog attribute keys.
package constant

const (
	Error   = "error"
	RoomID  = "room_id"
	UserID  = "user_id"
	PeerID  = "peer_id"
	State   = "state"
	Topic   = "topic"
	Signal  = "signal_id"
	SigType = "signal_type"
)
