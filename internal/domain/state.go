package domain

import "time"

// ConnState is the lifecycle state of a gateway connection.
//
//	Disconnected -> Connecting -> HandshakePending -> Connected -> Disconnected
//	any -> Closed (terminal, after an explicit Close)
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateHandshakePending
	StateConnected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshakePending:
		return "handshake_pending"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// HealthStatus is the result of a client health probe.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	State   ConnState     `json:"-"`
	Latency time.Duration `json:"latency"`
	Detail  string        `json:"detail,omitempty"`
}
