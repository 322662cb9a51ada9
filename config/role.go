package config

import (
	"fmt"
	"net"
	"strings"
)

// Role says which end of the tunnel this host is.
type Role string

const (
	// RoleIran is the inside-network endpoint.  It forwards ports.
	RoleIran Role = "IRAN"
	// RoleOutside is the remote endpoint.
	RoleOutside Role = "OUTSIDE"
)

// ParseRole converts "IRAN" or "OUTSIDE" (in any case) into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := roleTable[r]; !ok {
		return "", fmt.Errorf("role must be '%s' or '%s', got %q", RoleIran, RoleOutside, s)
	}
	return r, nil
}

// Addressing is everything in the configuration that depends on role.
type Addressing struct {
	IPIran, IPKharej string
	// IfaceIP is the IRAN end's tunnel interface CIDR.
	IfaceIP string
	// RemoteForwardIP is the OUTSIDE end's tunnel interface address.
	RemoteForwardIP string
}

type roleDesc struct {
	endpoints      func(a *Addressing) (local, remote string)
	interfaceCIDR  func(a *Addressing) (string, error)
	probeTarget    func(a *Addressing) (net.IP, error)
	forwardsPorts  bool
	forwardTargets func(a *Addressing) (net.IP, error)
}

var roleTable = map[Role]roleDesc{
	RoleIran: {
		endpoints: func(a *Addressing) (string, string) {
			return a.IPIran, a.IPKharej
		},
		interfaceCIDR: func(a *Addressing) (string, error) {
			if _, _, err := net.ParseCIDR(a.IfaceIP); err != nil {
				return "", fmt.Errorf("iran_iface_ip: %v", err)
			}
			return a.IfaceIP, nil
		},
		probeTarget:    remoteForwardIP,
		forwardsPorts:  true,
		forwardTargets: remoteForwardIP,
	},
	RoleOutside: {
		endpoints: func(a *Addressing) (string, string) {
			return a.IPKharej, a.IPIran
		},
		interfaceCIDR: func(a *Addressing) (string, error) {
			ip, err := remoteForwardIP(a)
			if err != nil {
				return "", err
			}
			_, ipnet, err := net.ParseCIDR(a.IfaceIP)
			if err != nil {
				return "", fmt.Errorf("iran_iface_ip: %v", err)
			}
			ones, _ := ipnet.Mask.Size()
			return fmt.Sprintf("%v/%d", ip, ones), nil
		},
		probeTarget: func(a *Addressing) (net.IP, error) {
			ip, _, err := net.ParseCIDR(a.IfaceIP)
			if err != nil {
				return nil, fmt.Errorf("iran_iface_ip: %v", err)
			}
			return ip, nil
		},
		forwardsPorts: false,
		forwardTargets: func(a *Addressing) (net.IP, error) {
			return nil, fmt.Errorf("role %s does not forward ports", RoleOutside)
		},
	},
}

func remoteForwardIP(a *Addressing) (net.IP, error) {
	ip := net.ParseIP(a.RemoteForwardIP)
	if ip == nil {
		return nil, fmt.Errorf("remote_forward_ip: invalid address %q", a.RemoteForwardIP)
	}
	return ip, nil
}

// Endpoints returns the local and remote transport addresses for the role.
func (r Role) Endpoints(a *Addressing) (local, remote string) {
	desc, ok := roleTable[r]
	if !ok {
		return "", ""
	}
	return desc.endpoints(a)
}

// InterfaceCIDR returns the address of this end's tunnel interface.
func (r Role) InterfaceCIDR(a *Addressing) (string, error) {
	desc, ok := roleTable[r]
	if !ok {
		return "", fmt.Errorf("unknown role %q", r)
	}
	return desc.interfaceCIDR(a)
}

// ProbeTarget returns the tunnel interface address of the other end.
func (r Role) ProbeTarget(a *Addressing) (net.IP, error) {
	desc, ok := roleTable[r]
	if !ok {
		return nil, fmt.Errorf("unknown role %q", r)
	}
	return desc.probeTarget(a)
}

// ForwardsPorts reports whether hosts in this role install forwarding rules.
func (r Role) ForwardsPorts() bool {
	return roleTable[r].forwardsPorts
}

// ForwardTarget returns where forwarded traffic is sent.
func (r Role) ForwardTarget(a *Addressing) (net.IP, error) {
	desc, ok := roleTable[r]
	if !ok {
		return nil, fmt.Errorf("unknown role %q", r)
	}
	return desc.forwardTargets(a)
}
