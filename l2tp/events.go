package l2tp

// EventHandler is implemented by applications wishing to be told about
// tunnel state transitions.
type EventHandler interface {
	HandleEvent(event interface{})
}

// TunnelUpEvent is delivered when the tunnel first answers a probe.
type TunnelUpEvent struct {
	InterfaceName string
	Descriptor    TunnelDescriptor
}

// TunnelDegradedEvent is delivered when a probe fails on an up tunnel.
type TunnelDegradedEvent struct {
	InterfaceName       string
	ConsecutiveFailures int
	Err                 error
}

// TunnelRecoveredEvent is delivered when a degraded tunnel answers a probe.
type TunnelRecoveredEvent struct {
	InterfaceName string
}

// TunnelDownEvent is delivered whenever the manager returns to the down
// state.  Fatal is set when the link was lost rather than stopped.
type TunnelDownEvent struct {
	InterfaceName string
	Reason        string
	Fatal         bool
	Err           error
}
