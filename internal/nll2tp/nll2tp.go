// Package nll2tp is a minimal client for the Linux kernel L2TP generic
// netlink family. It covers the static (unmanaged) L2TPv3 tunnel and
// session primitives: no control protocol socket is handed to the kernel.
package nll2tp

import (
	"errors"
	"fmt"
	"net"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
)

type L2tpProtocolVersion uint32
type L2tpTunnelID uint32
type L2tpSessionID uint32

const (
	ProtocolVersion2 = 2
	ProtocolVersion3 = 3
)

// TunnelConfig describes a kernel tunnel instance.
type TunnelConfig struct {
	Tid        L2tpTunnelID
	Ptid       L2tpTunnelID
	Version    L2tpProtocolVersion
	Encap      L2tpEncapType
	DebugFlags L2tpDebugFlags
}

// SessionConfig describes a kernel session instance within a tunnel.
type SessionConfig struct {
	Tid            L2tpTunnelID
	Ptid           L2tpTunnelID
	Sid            L2tpSessionID
	Psid           L2tpSessionID
	PseudowireType L2tpPwtype
	L2SpecType     L2tpL2specType
	IfName         string
	DebugFlags     L2tpDebugFlags
}

// Conn is a genetlink connection bound to the L2TP family.
type Conn struct {
	genlFamily genetlink.Family
	c          *genetlink.Conn
}

// Dial creates a new genetlink L2TP connection to the kernel.
func Dial() (*Conn, error) {
	c, err := genetlink.Dial(nil)
	if err != nil {
		return nil, err
	}

	id, err := c.GetFamily(GenlName)
	if err != nil {
		c.Close()
		return nil, err
	}

	return &Conn{
		genlFamily: id,
		c:          c,
	}, nil
}

// Close connection, releasing associated resources
func (c *Conn) Close() {
	c.c.Close()
}

// CreateStaticTunnel creates a new unmanaged tunnel instance in the kernel.
// Ports are only meaningful for UDP encapsulation and are ignored otherwise.
func (c *Conn) CreateStaticTunnel(localAddr net.IP, localPort uint16,
	peerAddr net.IP, peerPort uint16,
	config *TunnelConfig) error {

	attr, err := tunnelCreateAttr(config)
	if err != nil {
		return err
	}

	addrAttr, err := staticAddrAttr(localAddr, localPort, peerAddr, peerPort, config.Encap)
	if err != nil {
		return err
	}

	return c.execute(CmdTunnelCreate, append(attr, addrAttr...))
}

// DeleteTunnel deletes a tunnel instance in the kernel, along with any
// sessions it still contains.
func (c *Conn) DeleteTunnel(config *TunnelConfig) error {
	if config == nil {
		return errors.New("invalid nil tunnel config")
	}

	return c.execute(CmdTunnelDelete, []netlink.Attribute{
		{
			Type: AttrConnId,
			Data: nlenc.Uint32Bytes(uint32(config.Tid)),
		},
	})
}

// CreateSession creates a session instance in the kernel.
func (c *Conn) CreateSession(config *SessionConfig) error {
	attr, err := sessionCreateAttr(config)
	if err != nil {
		return err
	}
	return c.execute(CmdSessionCreate, attr)
}

// DeleteSession deletes a session instance in the kernel.
func (c *Conn) DeleteSession(config *SessionConfig) error {
	if config == nil {
		return errors.New("invalid nil session config")
	}

	return c.execute(CmdSessionDelete, []netlink.Attribute{
		{
			Type: AttrConnId,
			Data: nlenc.Uint32Bytes(uint32(config.Tid)),
		},
		{
			Type: AttrSessionId,
			Data: nlenc.Uint32Bytes(uint32(config.Sid)),
		},
	})
}

func (c *Conn) execute(cmd uint8, attr []netlink.Attribute) error {
	b, err := netlink.MarshalAttributes(attr)
	if err != nil {
		return err
	}

	req := genetlink.Message{
		Header: genetlink.Header{
			Command: cmd,
			Version: c.genlFamily.Version,
		},
		Data: b,
	}

	_, err = c.c.Execute(req, c.genlFamily.ID, netlink.Request|netlink.Acknowledge)
	return err
}

func tunnelCreateAttr(config *TunnelConfig) ([]netlink.Attribute, error) {

	// Basic error checking
	if config == nil {
		return nil, errors.New("invalid nil tunnel config")
	}
	if config.Tid == 0 {
		return nil, errors.New("tunnel config must have a non-zero tunnel ID")
	}
	if config.Ptid == 0 {
		return nil, errors.New("tunnel config must have a non-zero peer tunnel ID")
	}
	if config.Version != ProtocolVersion3 {
		return nil, fmt.Errorf("static tunnels must be L2TPv3, not version %d", config.Version)
	}
	if config.Encap != EncaptypeUdp && config.Encap != EncaptypeIp {
		return nil, errors.New("invalid tunnel encap (expect IP or UDP)")
	}

	return []netlink.Attribute{
		{
			Type: AttrConnId,
			Data: nlenc.Uint32Bytes(uint32(config.Tid)),
		},
		{
			Type: AttrPeerConnId,
			Data: nlenc.Uint32Bytes(uint32(config.Ptid)),
		},
		{
			Type: AttrProtoVersion,
			Data: nlenc.Uint8Bytes(uint8(config.Version)),
		},
		{
			Type: AttrEncapType,
			Data: nlenc.Uint16Bytes(uint16(config.Encap)),
		},
		{
			Type: AttrDebug,
			Data: nlenc.Uint32Bytes(uint32(config.DebugFlags)),
		},
	}, nil
}

func staticAddrAttr(localAddr net.IP, localPort uint16,
	peerAddr net.IP, peerPort uint16,
	encap L2tpEncapType) ([]netlink.Attribute, error) {

	if localAddr == nil {
		return nil, errors.New("unmanaged tunnel needs a valid local address")
	}
	if peerAddr == nil {
		return nil, errors.New("unmanaged tunnel needs a valid peer address")
	}
	if ipAddrLen(localAddr) != ipAddrLen(peerAddr) {
		return nil, errors.New("local and peer IP addresses must be of the same address family")
	}

	saddr, daddr := uint16(AttrIpSaddr), uint16(AttrIpDaddr)
	if ipAddrLen(localAddr) == 16 {
		saddr, daddr = AttrIp6Saddr, AttrIp6Daddr
	}

	attr := []netlink.Attribute{
		{
			Type: saddr,
			Data: ipAddrBytes(localAddr),
		},
		{
			Type: daddr,
			Data: ipAddrBytes(peerAddr),
		},
	}

	if encap == EncaptypeUdp {
		if localPort == 0 {
			return nil, errors.New("unmanaged UDP tunnel needs a valid local port")
		}
		if peerPort == 0 {
			return nil, errors.New("unmanaged UDP tunnel needs a valid peer port")
		}
		attr = append(attr, netlink.Attribute{
			Type: AttrUdpSport,
			Data: nlenc.Uint16Bytes(localPort),
		}, netlink.Attribute{
			Type: AttrUdpDport,
			Data: nlenc.Uint16Bytes(peerPort),
		})
	}

	return attr, nil
}

func sessionCreateAttr(config *SessionConfig) ([]netlink.Attribute, error) {
	if config == nil {
		return nil, errors.New("invalid nil session config")
	}
	if config.Tid == 0 || config.Ptid == 0 {
		return nil, errors.New("session config must have non-zero tunnel IDs")
	}
	if config.Sid == 0 {
		return nil, errors.New("session config must have a non-zero session ID")
	}
	if config.Psid == 0 {
		return nil, errors.New("session config must have a non-zero peer session ID")
	}
	if config.PseudowireType == PwtypeNone {
		return nil, errors.New("session config must specify a pseudowire type")
	}

	attr := []netlink.Attribute{
		{
			Type: AttrConnId,
			Data: nlenc.Uint32Bytes(uint32(config.Tid)),
		},
		{
			Type: AttrPeerConnId,
			Data: nlenc.Uint32Bytes(uint32(config.Ptid)),
		},
		{
			Type: AttrSessionId,
			Data: nlenc.Uint32Bytes(uint32(config.Sid)),
		},
		{
			Type: AttrPeerSessionId,
			Data: nlenc.Uint32Bytes(uint32(config.Psid)),
		},
		{
			Type: AttrPwType,
			Data: nlenc.Uint16Bytes(uint16(config.PseudowireType)),
		},
		{
			Type: AttrL2specType,
			Data: nlenc.Uint8Bytes(uint8(config.L2SpecType)),
		},
		{
			Type: AttrDebug,
			Data: nlenc.Uint32Bytes(uint32(config.DebugFlags)),
		},
	}

	if config.IfName != "" {
		attr = append(attr, netlink.Attribute{
			Type: AttrIfname,
			Data: nlenc.Bytes(config.IfName),
		})
	}

	return attr, nil
}

func ipAddrLen(addr net.IP) uint {
	switch {
	case addr == nil:
		return 0
	case addr.To4() != nil:
		return 4
	case addr.To16() != nil:
		return 16
	default:
		panic("Unexpected IP address length")
	}
}

func ipAddrBytes(addr net.IP) []byte {
	if addr != nil {
		b := addr.To4()
		if b != nil {
			return b
		}
		b = addr.To16()
		if b != nil {
			return b
		}
	}
	return nil
}
