package l2tp

import (
	"net"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/katalix/vortexl2/internal/nll2tp"
	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

var _ TunnelDriver = (*netlinkDriver)(nil)

// createdTunnel remembers what the driver put into the kernel, so that
// DestroyTunnel can tell "already destroyed" from "never created".
type createdTunnel struct {
	tcfg      *nll2tp.TunnelConfig
	scfg      *nll2tp.SessionConfig
	destroyed bool
}

type netlinkDriver struct {
	logger  log.Logger
	nlconn  *nll2tp.Conn
	mu      sync.Mutex
	tunnels map[ControlConnID]*createdTunnel
}

// NewNetlinkDriver returns a TunnelDriver which instantiates tunnels in the
// Linux kernel.  The L2TP genetlink family must be available, which usually
// means the l2tp_eth and l2tp_ip modules are loaded.
func NewNetlinkDriver(logger log.Logger) (TunnelDriver, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	nlconn, err := nll2tp.Dial()
	if err != nil {
		return nil, errors.Wrap(err, "failed to establish a netlink/L2TP connection")
	}

	return &netlinkDriver{
		logger:  log.With(logger, "component", "netlink_driver"),
		nlconn:  nlconn,
		tunnels: make(map[ControlConnID]*createdTunnel),
	}, nil
}

func tunnelCfgToNl(cfg *TunnelConfig) *nll2tp.TunnelConfig {
	return &nll2tp.TunnelConfig{
		Tid:        nll2tp.L2tpTunnelID(cfg.TunnelID),
		Ptid:       nll2tp.L2tpTunnelID(cfg.PeerTunnelID),
		Version:    nll2tp.ProtocolVersion3,
		Encap:      nll2tp.L2tpEncapType(cfg.Encap),
		DebugFlags: nll2tp.L2tpDebugFlags(0),
	}
}

func sessionCfgToNl(cfg *TunnelConfig) *nll2tp.SessionConfig {
	return &nll2tp.SessionConfig{
		Tid:            nll2tp.L2tpTunnelID(cfg.TunnelID),
		Ptid:           nll2tp.L2tpTunnelID(cfg.PeerTunnelID),
		Sid:            nll2tp.L2tpSessionID(cfg.SessionID),
		Psid:           nll2tp.L2tpSessionID(cfg.PeerSessionID),
		PseudowireType: nll2tp.PwtypeEth,
		L2SpecType:     nll2tp.L2spectypeNone,
		IfName:         cfg.InterfaceName,
		DebugFlags:     nll2tp.L2tpDebugFlags(0),
	}
}

func (d *netlinkDriver) CreateTunnel(cfg *TunnelConfig) (string, error) {
	if cfg == nil {
		return "", errors.New("invalid nil tunnel config")
	}
	if cfg.InterfaceName == "" {
		return "", errors.New("tunnel config must name the session interface")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if ct, ok := d.tunnels[cfg.TunnelID]; ok && !ct.destroyed {
		return "", &KernelResourceError{
			Op:        "create tunnel",
			TunnelID:  cfg.TunnelID,
			SessionID: cfg.SessionID,
			Err:       unix.EEXIST,
		}
	}

	tcfg := tunnelCfgToNl(cfg)
	scfg := sessionCfgToNl(cfg)

	err := d.nlconn.CreateStaticTunnel(cfg.Local, cfg.UDPPort, cfg.Peer, cfg.UDPPort, tcfg)
	if err != nil {
		return "", classifyKernelError("create tunnel", cfg.TunnelID, cfg.SessionID, err)
	}

	// From here on the tunnel exists: undo it if anything else fails.
	undo := func(cause error) error {
		if derr := d.nlconn.DeleteTunnel(tcfg); derr != nil && !isNotExist(derr) {
			level.Error(d.logger).Log(
				"message", "failed to delete tunnel after partial create",
				"tunnel_id", cfg.TunnelID,
				"error", derr)
		}
		return cause
	}

	err = d.nlconn.CreateSession(scfg)
	if err != nil {
		return "", undo(classifyKernelError("create session", cfg.TunnelID, cfg.SessionID, err))
	}

	if cfg.MTU > 0 {
		link, err := netlink.LinkByName(cfg.InterfaceName)
		if err == nil {
			err = netlink.LinkSetMTU(link, cfg.MTU)
		}
		if err != nil {
			return "", undo(classifyKernelError("set mtu", cfg.TunnelID, cfg.SessionID, err))
		}
	}

	d.tunnels[cfg.TunnelID] = &createdTunnel{tcfg: tcfg, scfg: scfg}

	level.Debug(d.logger).Log(
		"message", "created tunnel",
		"tunnel_id", cfg.TunnelID,
		"peer_tunnel_id", cfg.PeerTunnelID,
		"session_id", cfg.SessionID,
		"peer_session_id", cfg.PeerSessionID,
		"encap", cfg.Encap,
		"interface_name", cfg.InterfaceName)

	return cfg.InterfaceName, nil
}

func (d *netlinkDriver) AssignAddress(interfaceName, cidr string) error {
	link, err := netlink.LinkByName(interfaceName)
	if err != nil {
		return errors.Wrapf(err, "failed to look up interface %s", interfaceName)
	}

	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return errors.Wrapf(err, "invalid interface address %q", cidr)
	}

	family := netlink.FAMILY_V4
	if addr.IP.To4() == nil {
		family = netlink.FAMILY_V6
	}

	routes, err := netlink.RouteList(nil, family)
	if err != nil {
		return errors.Wrap(err, "failed to list routes")
	}
	for _, r := range routes {
		if r.LinkIndex == link.Attrs().Index || r.Dst == nil {
			continue
		}
		if ones, _ := r.Dst.Mask.Size(); ones == 0 {
			continue
		}
		if netsOverlap(r.Dst, addr.IPNet) {
			return &AddressConflictError{CIDR: cidr, Route: r.Dst.String()}
		}
	}

	err = netlink.AddrReplace(link, addr)
	if err != nil {
		if errors.Is(err, unix.EEXIST) || errors.Is(err, unix.EADDRINUSE) {
			return &AddressConflictError{CIDR: cidr, Err: err}
		}
		if errors.Is(err, unix.EPERM) {
			return &PermissionError{Op: "assign address", Err: err}
		}
		return errors.Wrapf(err, "failed to assign %s to %s", cidr, interfaceName)
	}
	return nil
}

func (d *netlinkDriver) SetInterfaceUp(interfaceName string) error {
	return d.setLinkState(interfaceName, true)
}

func (d *netlinkDriver) SetInterfaceDown(interfaceName string) error {
	return d.setLinkState(interfaceName, false)
}

func (d *netlinkDriver) setLinkState(interfaceName string, up bool) error {
	link, err := netlink.LinkByName(interfaceName)
	if err != nil {
		return errors.Wrapf(err, "failed to look up interface %s", interfaceName)
	}

	isUp := link.Attrs().Flags&net.FlagUp != 0
	if isUp == up {
		return nil
	}

	if up {
		err = netlink.LinkSetUp(link)
	} else {
		err = netlink.LinkSetDown(link)
	}
	if err != nil {
		if errors.Is(err, unix.EPERM) {
			return &PermissionError{Op: "set link state", Err: err}
		}
		return errors.Wrapf(err, "failed to set %s up=%v", interfaceName, up)
	}
	return nil
}

func (d *netlinkDriver) DestroyTunnel(tunnelID, sessionID ControlConnID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ct, ok := d.tunnels[tunnelID]
	if !ok || ct.scfg.Sid != nll2tp.L2tpSessionID(sessionID) {
		return &NotFoundError{TunnelID: tunnelID, SessionID: sessionID}
	}
	if ct.destroyed {
		return nil
	}

	err := d.nlconn.DeleteSession(ct.scfg)
	if err != nil && !isNotExist(err) {
		level.Error(d.logger).Log(
			"message", "failed to delete session",
			"tunnel_id", tunnelID,
			"session_id", sessionID,
			"error", err)
	}

	// Deleting the tunnel takes any remaining sessions with it.
	err = d.nlconn.DeleteTunnel(ct.tcfg)
	if err != nil && !isNotExist(err) {
		return classifyKernelError("delete tunnel", tunnelID, sessionID, err)
	}

	ct.destroyed = true
	level.Debug(d.logger).Log(
		"message", "destroyed tunnel",
		"tunnel_id", tunnelID,
		"session_id", sessionID)
	return nil
}

func (d *netlinkDriver) InterfaceExists(interfaceName string) (bool, error) {
	_, err := netlink.LinkByName(interfaceName)
	if err != nil {
		var nf netlink.LinkNotFoundError
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *netlinkDriver) Close() {
	if d.nlconn != nil {
		d.nlconn.Close()
	}
}

func netsOverlap(a, b *net.IPNet) bool {
	return a.Contains(b.IP) || b.Contains(a.IP)
}
