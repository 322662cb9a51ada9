package nll2tp

import (
	"net"
	"testing"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
)

func findAttr(attrs []netlink.Attribute, typ uint16) (netlink.Attribute, bool) {
	for _, a := range attrs {
		if a.Type == typ {
			return a, true
		}
	}
	return netlink.Attribute{}, false
}

func TestTunnelCreateAttr(t *testing.T) {
	cases := []struct {
		name       string
		cfg        *TunnelConfig
		expectFail bool
	}{
		{
			name:       "nil config",
			expectFail: true,
		},
		{
			name:       "zero tunnel ID",
			cfg:        &TunnelConfig{Ptid: 2, Version: ProtocolVersion3, Encap: EncaptypeIp},
			expectFail: true,
		},
		{
			name:       "zero peer tunnel ID",
			cfg:        &TunnelConfig{Tid: 1, Version: ProtocolVersion3, Encap: EncaptypeIp},
			expectFail: true,
		},
		{
			name:       "L2TPv2 rejected",
			cfg:        &TunnelConfig{Tid: 1, Ptid: 2, Version: ProtocolVersion2, Encap: EncaptypeUdp},
			expectFail: true,
		},
		{
			name:       "bad encap",
			cfg:        &TunnelConfig{Tid: 1, Ptid: 2, Version: ProtocolVersion3, Encap: L2tpEncapType(7)},
			expectFail: true,
		},
		{
			name: "L2TPv3 IP",
			cfg:  &TunnelConfig{Tid: 1000, Ptid: 2000, Version: ProtocolVersion3, Encap: EncaptypeIp},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			attr, err := tunnelCreateAttr(c.cfg)
			if c.expectFail {
				if err == nil {
					t.Fatalf("tunnelCreateAttr(%v): expected failure", c.cfg)
				}
				return
			}
			if err != nil {
				t.Fatalf("tunnelCreateAttr(%v): %v", c.cfg, err)
			}
			a, ok := findAttr(attr, AttrConnId)
			if !ok {
				t.Fatalf("no conn ID attribute")
			}
			if got := nlenc.Uint32(a.Data); got != uint32(c.cfg.Tid) {
				t.Errorf("conn ID: got %v, want %v", got, c.cfg.Tid)
			}
			a, ok = findAttr(attr, AttrPeerConnId)
			if !ok {
				t.Fatalf("no peer conn ID attribute")
			}
			if got := nlenc.Uint32(a.Data); got != uint32(c.cfg.Ptid) {
				t.Errorf("peer conn ID: got %v, want %v", got, c.cfg.Ptid)
			}
		})
	}
}

func TestStaticAddrAttr(t *testing.T) {
	v4a, v4b := net.ParseIP("192.0.2.1"), net.ParseIP("198.51.100.7")
	v6 := net.ParseIP("2001:db8::1")

	cases := []struct {
		name        string
		local, peer net.IP
		lport       uint16
		pport       uint16
		encap       L2tpEncapType
		expectFail  bool
		expectAttrs []uint16
	}{
		{
			name:       "missing local",
			peer:       v4b,
			encap:      EncaptypeIp,
			expectFail: true,
		},
		{
			name:       "mixed families",
			local:      v4a,
			peer:       v6,
			encap:      EncaptypeIp,
			expectFail: true,
		},
		{
			name:       "UDP without ports",
			local:      v4a,
			peer:       v4b,
			encap:      EncaptypeUdp,
			expectFail: true,
		},
		{
			name:        "IP encap ignores ports",
			local:       v4a,
			peer:        v4b,
			encap:       EncaptypeIp,
			expectAttrs: []uint16{AttrIpSaddr, AttrIpDaddr},
		},
		{
			name:        "UDP encap",
			local:       v4a,
			peer:        v4b,
			lport:       1701,
			pport:       1701,
			encap:       EncaptypeUdp,
			expectAttrs: []uint16{AttrIpSaddr, AttrIpDaddr, AttrUdpSport, AttrUdpDport},
		},
		{
			name:        "IPv6",
			local:       v6,
			peer:        net.ParseIP("2001:db8::2"),
			encap:       EncaptypeIp,
			expectAttrs: []uint16{AttrIp6Saddr, AttrIp6Daddr},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			attr, err := staticAddrAttr(c.local, c.lport, c.peer, c.pport, c.encap)
			if c.expectFail {
				if err == nil {
					t.Fatalf("expected failure")
				}
				return
			}
			if err != nil {
				t.Fatalf("staticAddrAttr: %v", err)
			}
			if len(attr) != len(c.expectAttrs) {
				t.Fatalf("got %d attributes, want %d", len(attr), len(c.expectAttrs))
			}
			for i, typ := range c.expectAttrs {
				if attr[i].Type != typ {
					t.Errorf("attribute %d: got type %v, want %v", i, attr[i].Type, typ)
				}
			}
		})
	}
}

func TestSessionCreateAttr(t *testing.T) {
	good := SessionConfig{
		Tid:            1000,
		Ptid:           2000,
		Sid:            10,
		Psid:           20,
		PseudowireType: PwtypeEth,
		IfName:         "l2tpeth0",
	}

	attr, err := sessionCreateAttr(&good)
	if err != nil {
		t.Fatalf("sessionCreateAttr(%v): %v", good, err)
	}
	a, ok := findAttr(attr, AttrIfname)
	if !ok {
		t.Fatalf("no interface name attribute")
	}
	if got := nlenc.String(a.Data); got != "l2tpeth0" {
		t.Errorf("ifname: got %q, want %q", got, "l2tpeth0")
	}

	noName := good
	noName.IfName = ""
	attr, err = sessionCreateAttr(&noName)
	if err != nil {
		t.Fatalf("sessionCreateAttr(%v): %v", noName, err)
	}
	if _, ok := findAttr(attr, AttrIfname); ok {
		t.Errorf("unexpected interface name attribute")
	}

	for _, bad := range []SessionConfig{
		{Tid: 1, Ptid: 2, Psid: 20, PseudowireType: PwtypeEth},
		{Tid: 1, Ptid: 2, Sid: 10, PseudowireType: PwtypeEth},
		{Tid: 1, Ptid: 2, Sid: 10, Psid: 20},
		{Sid: 10, Psid: 20, PseudowireType: PwtypeEth},
	} {
		bad := bad
		if _, err := sessionCreateAttr(&bad); err == nil {
			t.Errorf("sessionCreateAttr(%v): expected failure", bad)
		}
	}
}
