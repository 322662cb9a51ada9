package l2tp

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var _ TunnelDriver = (*NullDriver)(nil)

type nullInterface struct {
	up    bool
	addrs []string
}

type nullTunnel struct {
	sessionID ControlConnID
	ifname    string
	destroyed bool
}

// NullDriver is a TunnelDriver which keeps tunnels in memory rather than
// in the kernel.
type NullDriver struct {
	mu      sync.Mutex
	tunnels map[ControlConnID]*nullTunnel
	ifaces  map[string]*nullInterface
}

// NewNullDriver returns an empty NullDriver.
func NewNullDriver() *NullDriver {
	return &NullDriver{
		tunnels: make(map[ControlConnID]*nullTunnel),
		ifaces:  make(map[string]*nullInterface),
	}
}

func (nd *NullDriver) CreateTunnel(cfg *TunnelConfig) (string, error) {
	if cfg == nil {
		return "", errors.New("invalid nil tunnel config")
	}
	if cfg.InterfaceName == "" {
		return "", errors.New("tunnel config must name the session interface")
	}

	nd.mu.Lock()
	defer nd.mu.Unlock()

	if t, ok := nd.tunnels[cfg.TunnelID]; ok && !t.destroyed {
		return "", &KernelResourceError{
			Op:        "create tunnel",
			TunnelID:  cfg.TunnelID,
			SessionID: cfg.SessionID,
			Err:       unix.EEXIST,
		}
	}
	if _, ok := nd.ifaces[cfg.InterfaceName]; ok {
		return "", &KernelResourceError{
			Op:        "create session",
			TunnelID:  cfg.TunnelID,
			SessionID: cfg.SessionID,
			Err:       unix.EEXIST,
		}
	}

	nd.tunnels[cfg.TunnelID] = &nullTunnel{sessionID: cfg.SessionID, ifname: cfg.InterfaceName}
	nd.ifaces[cfg.InterfaceName] = &nullInterface{}
	return cfg.InterfaceName, nil
}

func (nd *NullDriver) AssignAddress(interfaceName, cidr string) error {
	if _, _, err := net.ParseCIDR(cidr); err != nil {
		return errors.Wrapf(err, "invalid interface address %q", cidr)
	}

	nd.mu.Lock()
	defer nd.mu.Unlock()

	iface, ok := nd.ifaces[interfaceName]
	if !ok {
		return errors.Errorf("no such interface %s", interfaceName)
	}
	for _, a := range iface.addrs {
		if a == cidr {
			return nil
		}
	}
	iface.addrs = append(iface.addrs, cidr)
	return nil
}

func (nd *NullDriver) SetInterfaceUp(interfaceName string) error {
	return nd.setState(interfaceName, true)
}

func (nd *NullDriver) SetInterfaceDown(interfaceName string) error {
	return nd.setState(interfaceName, false)
}

func (nd *NullDriver) setState(interfaceName string, up bool) error {
	nd.mu.Lock()
	defer nd.mu.Unlock()

	iface, ok := nd.ifaces[interfaceName]
	if !ok {
		return errors.Errorf("no such interface %s", interfaceName)
	}
	iface.up = up
	return nil
}

func (nd *NullDriver) DestroyTunnel(tunnelID, sessionID ControlConnID) error {
	nd.mu.Lock()
	defer nd.mu.Unlock()

	t, ok := nd.tunnels[tunnelID]
	if !ok || t.sessionID != sessionID {
		return &NotFoundError{TunnelID: tunnelID, SessionID: sessionID}
	}
	if !t.destroyed {
		delete(nd.ifaces, t.ifname)
		t.destroyed = true
	}
	return nil
}

func (nd *NullDriver) InterfaceExists(interfaceName string) (bool, error) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	_, ok := nd.ifaces[interfaceName]
	return ok, nil
}

func (nd *NullDriver) Close() {
}

// LiveTunnels returns the number of tunnels which have not been destroyed.
func (nd *NullDriver) LiveTunnels() int {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	n := 0
	for _, t := range nd.tunnels {
		if !t.destroyed {
			n++
		}
	}
	return n
}

// LiveInterfaces returns the number of interfaces currently present.
func (nd *NullDriver) LiveInterfaces() int {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	return len(nd.ifaces)
}

// IsUp reports whether the named interface exists and is up.
func (nd *NullDriver) IsUp(interfaceName string) bool {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	iface, ok := nd.ifaces[interfaceName]
	return ok && iface.up
}

// RemoveInterface deletes an interface behind the manager's back, as if an
// operator had run 'ip link del'.
func (nd *NullDriver) RemoveInterface(interfaceName string) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	delete(nd.ifaces, interfaceName)
}
