package l2tp

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	// ErrTunnelExists is returned by Start if the manager already owns a tunnel.
	ErrTunnelExists = errors.New("a tunnel is already active")
	// ErrStartCancelled is reported when Stop interrupts Start.
	ErrStartCancelled = errors.New("tunnel start cancelled")
	// ErrPeerUnreachable is reported when the peer did not answer a probe
	// within the start timeout.
	ErrPeerUnreachable = errors.New("peer did not answer liveness probe")
	// ErrLinkLost is carried by fatal TunnelDownEvents.
	ErrLinkLost = errors.New("tunnel link lost")
)

// ConfigIncompleteError is returned when required configuration is missing.
type ConfigIncompleteError struct {
	Missing []string
}

func (e *ConfigIncompleteError) Error() string {
	return "configuration incomplete: missing " + strings.Join(e.Missing, ", ")
}

// KernelResourceError is returned when the kernel refuses to create a
// tunnel or session, typically because the IDs are already in use.
type KernelResourceError struct {
	Op        string
	TunnelID  ControlConnID
	SessionID ControlConnID
	Err       error
}

func (e *KernelResourceError) Error() string {
	return fmt.Sprintf("%s: tunnel %d session %d: %v", e.Op, e.TunnelID, e.SessionID, e.Err)
}

func (e *KernelResourceError) Unwrap() error { return e.Err }

// AddressConflictError is returned when an interface address overlaps a
// route owned by another interface.
type AddressConflictError struct {
	CIDR  string
	Route string
	Err   error
}

func (e *AddressConflictError) Error() string {
	if e.Route != "" {
		return fmt.Sprintf("address %s conflicts with existing route %s", e.CIDR, e.Route)
	}
	return fmt.Sprintf("address %s conflicts with existing address: %v", e.CIDR, e.Err)
}

func (e *AddressConflictError) Unwrap() error { return e.Err }

// PermissionError is returned when the caller lacks the privilege to
// modify kernel networking state.
type PermissionError struct {
	Op  string
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s: permission denied: %v", e.Op, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// NotFoundError is returned by DestroyTunnel for identifiers the driver
// never created.
type NotFoundError struct {
	TunnelID  ControlConnID
	SessionID ControlConnID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tunnel %d session %d was not created by this driver", e.TunnelID, e.SessionID)
}

// StartError aggregates a failed Start: the error that caused it and any
// errors seen while rolling back.
type StartError struct {
	Op             string
	Err            error
	RollbackErrors []error
}

func (e *StartError) Error() string {
	s := fmt.Sprintf("failed to start tunnel: %s: %v", e.Op, e.Err)
	if len(e.RollbackErrors) > 0 {
		s += fmt.Sprintf(" (%d rollback errors, first: %v)", len(e.RollbackErrors), e.RollbackErrors[0])
	}
	return s
}

func (e *StartError) Unwrap() error { return e.Err }

// classifyKernelError maps errno values from netlink into the driver's
// error taxonomy.
func classifyKernelError(op string, tid, sid ControlConnID, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return &PermissionError{Op: op, Err: err}
	default:
		return &KernelResourceError{Op: op, TunnelID: tid, SessionID: sid, Err: err}
	}
}

func isNotExist(err error) bool {
	return errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENODEV)
}
