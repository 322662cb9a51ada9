package l2tp

// TunnelDriver is the single point of contact with kernel networking for
// tunnel primitives.  Implementations retain no state beyond what they need
// to recognise the objects they created.
type TunnelDriver interface {
	// CreateTunnel instantiates the tunnel and its session.  The returned
	// interface exists but is administratively down and unaddressed.
	// Fails with *KernelResourceError if the IDs are already in use and
	// with *PermissionError if the caller lacks privilege.
	CreateTunnel(cfg *TunnelConfig) (interfaceName string, err error)
	// AssignAddress assigns cidr to the interface.  Fails with
	// *AddressConflictError if cidr overlaps a route on another link.
	AssignAddress(interfaceName, cidr string) error
	// SetInterfaceUp is a no-op if the interface is already up.
	SetInterfaceUp(interfaceName string) error
	// SetInterfaceDown is a no-op if the interface is already down.
	SetInterfaceDown(interfaceName string) error
	// DestroyTunnel removes the tunnel and session.  Destroying a tunnel
	// twice succeeds silently; IDs never created by this driver give
	// *NotFoundError.
	DestroyTunnel(tunnelID, sessionID ControlConnID) error
	// InterfaceExists reports whether the named interface is present.
	InterfaceExists(interfaceName string) (bool, error)
	// Close releases driver resources.  Kernel objects are left alone.
	Close()
}
