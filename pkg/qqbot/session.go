package qqbot

import "time"

// State is the gateway connection state.
type State int32

const (
	StateDisconnected State = iota
	StateAwaitingHello
	StateIdentifying
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateIdentifying:
		return "identifying"
	case StateEstablished:
		return "established"
	default:
		return "unknown"
	}
}

// Session is the mutable gateway session. Gateway owns it and only touches it
// under its lock; readers get copies.
type Session struct {
	Token             string
	Expiry            time.Time
	ShardID           int
	ShardCount        int
	HeartbeatInterval time.Duration
	LastSeq           *int64
	InvalidCount      int
	SessionID         string
}

func (s Session) seq() any {
	if s.LastSeq == nil {
		return nil
	}
	return *s.LastSeq
}
