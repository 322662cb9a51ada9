package l2tp

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"github.com/katalix/vortexl2/internal/nll2tp"
	"github.com/pkg/errors"
)

// ControlConnID is a generic identifier used for RFC3931 control
// connection (tunnel) IDs and session IDs.
type ControlConnID uint32

// EncapType is the lower-level encapsulation to use for a tunnel
type EncapType int

const (
	// EncapTypeUDP is used for RFC3931 tunnels using UDP encapsulation
	EncapTypeUDP = EncapType(nll2tp.EncaptypeUdp)
	// EncapTypeIP is used for RFC3931 tunnels using IP encapsulation
	EncapTypeIP = EncapType(nll2tp.EncaptypeIp)
)

// DefaultUDPPort is the IANA assigned L2TP port.
const DefaultUDPPort = 1701

func (e EncapType) String() string {
	switch e {
	case EncapTypeIP:
		return "ip"
	case EncapTypeUDP:
		return "udp"
	}
	return fmt.Sprintf("encap(%d)", int(e))
}

// ParseEncapType converts "ip" or "udp" into an EncapType.
func ParseEncapType(s string) (EncapType, error) {
	switch s {
	case "ip":
		return EncapTypeIP, nil
	case "udp":
		return EncapTypeUDP, nil
	}
	return 0, fmt.Errorf("expect 'udp' or 'ip', got %q", s)
}

// TunnelParams describes the tunnel an application wants.
type TunnelParams struct {
	// Local and Remote are the transport addresses of the two peers.
	Local, Remote net.IP
	// InterfaceCIDR is the address assigned to the local tunnel interface.
	InterfaceCIDR string
	// ProbeTarget is the peer's tunnel interface address.
	ProbeTarget net.IP
	Encap       EncapType
	// UDPPort is used at both ends for UDP encapsulation.
	UDPPort       uint16
	InterfaceName string
	// MTU of the tunnel interface, or 0 to keep the kernel default.
	MTU int
}

// ParamSource supplies the desired tunnel parameters.  It returns a
// *ConfigIncompleteError if required fields are missing.
type ParamSource interface {
	TunnelParams() (*TunnelParams, error)
}

// TunnelConfig is what the driver needs to instantiate a tunnel and
// its session in the kernel.
type TunnelConfig struct {
	Local, Peer   net.IP
	UDPPort       uint16
	Encap         EncapType
	TunnelID      ControlConnID
	PeerTunnelID  ControlConnID
	SessionID     ControlConnID
	PeerSessionID ControlConnID
	InterfaceName string
	MTU           int
}

// TunnelDescriptor represents the kernel tunnel and session pair owned
// by a Manager.
type TunnelDescriptor struct {
	Config        TunnelConfig
	InterfaceName string
	InterfaceCIDR string
	Created       time.Time
}

// IDs is a set of tunnel and session identifiers for both peers.
type IDs struct {
	TunnelID      ControlConnID
	PeerTunnelID  ControlConnID
	SessionID     ControlConnID
	PeerSessionID ControlConnID
}

// IDAllocator hands out identifiers for a new tunnel.
type IDAllocator interface {
	Allocate(local, remote net.IP) (IDs, error)
}

// PairedIDAllocator derives identifiers from the ordering of the two
// transport addresses, so that both peers arrive at mirrored IDs without
// having to exchange them.
type PairedIDAllocator struct {
	TunnelIDs  [2]ControlConnID
	SessionIDs [2]ControlConnID
}

// DefaultIDAllocator returns the allocator used unless overridden.
func DefaultIDAllocator() *PairedIDAllocator {
	return &PairedIDAllocator{
		TunnelIDs:  [2]ControlConnID{1000, 2000},
		SessionIDs: [2]ControlConnID{10, 20},
	}
}

// Allocate implements IDAllocator.
func (a *PairedIDAllocator) Allocate(local, remote net.IP) (IDs, error) {
	if local == nil || remote == nil {
		return IDs{}, errors.New("cannot allocate IDs without both addresses")
	}
	switch c := bytes.Compare(local.To16(), remote.To16()); {
	case c < 0:
		return IDs{
			TunnelID:      a.TunnelIDs[0],
			PeerTunnelID:  a.TunnelIDs[1],
			SessionID:     a.SessionIDs[0],
			PeerSessionID: a.SessionIDs[1],
		}, nil
	case c > 0:
		return IDs{
			TunnelID:      a.TunnelIDs[1],
			PeerTunnelID:  a.TunnelIDs[0],
			SessionID:     a.SessionIDs[1],
			PeerSessionID: a.SessionIDs[0],
		}, nil
	}
	return IDs{}, errors.Errorf("local and remote address are both %v", local)
}
