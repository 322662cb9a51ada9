package l2tp

import (
	"fmt"
)

// TunnelState is the lifecycle state of the tunnel owned by a Manager.
type TunnelState int

const (
	StateDown TunnelState = iota
	StateStarting
	StateUp
	StateDegraded
	StateStopping
)

func (s TunnelState) String() string {
	switch s {
	case StateDown:
		return "down"
	case StateStarting:
		return "starting"
	case StateUp:
		return "up"
	case StateDegraded:
		return "degraded"
	case StateStopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type fsmCallback func(args []interface{})

type eventDesc struct {
	from, to TunnelState
	events   []string
	cb       fsmCallback
}

type fsm struct {
	current TunnelState
	table   []eventDesc
}

func (f *fsm) handleEvent(e string, args ...interface{}) error {
	for _, t := range f.table {
		if f.current == t.from {
			for _, event := range t.events {
				if e == event {
					f.current = t.to
					if t.cb != nil {
						t.cb(args)
					}
					return nil
				}
			}
		}
	}
	return fmt.Errorf("no transition defined for event %v in state %v", e, f.current)
}
