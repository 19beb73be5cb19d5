package stream

// ConnectionState is the client's position in the connect/reconnect lifecycle.
//
//	Disconnected ──Connect()──▶ Connecting ──dial ok──▶ Connected
//	     ▲                       ▲      │                   │
//	     │                       │   dial failed         conn ended
//	     │                       │      │                   │
//	     │                       └──retry timer◀────────────┘
//	     │                              │ budget exhausted
//	 Disconnect()                       ▼
//	 (from any state)                 Failed ──Connect()──▶ Connecting
//
// Failed is terminal until an explicit Connect. Disconnect from any state
// lands in Disconnected and cancels a pending retry timer.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateFailed
)

// String returns the lowercase state name used in logs and the TUI footer.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}
