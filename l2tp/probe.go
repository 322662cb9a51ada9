package l2tp

import (
	"context"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Prober checks reachability of the peer across the tunnel.
type Prober interface {
	Probe(ctx context.Context, target net.IP) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, target net.IP) error

// Probe calls f(ctx, target).
func (f ProberFunc) Probe(ctx context.Context, target net.IP) error {
	return f(ctx, target)
}

const (
	protocolICMP     = 1
	protocolIPv6ICMP = 58
)

var probePayload = []byte("vortexl2-probe")

type icmpProber struct {
	timeout time.Duration
	id      int
	seq     uint32
}

// NewICMPProber returns a Prober which sends a single ICMP echo request to
// the target and waits up to timeout for the matching reply.  It needs a
// raw socket, and hence CAP_NET_RAW.
func NewICMPProber(timeout time.Duration) Prober {
	return &icmpProber{
		timeout: timeout,
		id:      os.Getpid() & 0xffff,
	}
}

func (p *icmpProber) Probe(ctx context.Context, target net.IP) error {
	if target == nil {
		return errors.New("no probe target")
	}

	network, laddr, proto := "ip4:icmp", "0.0.0.0", protocolICMP
	var echoType, replyType icmp.Type = ipv4.ICMPTypeEcho, ipv4.ICMPTypeEchoReply
	if target.To4() == nil {
		network, laddr, proto = "ip6:ipv6-icmp", "::", protocolIPv6ICMP
		echoType, replyType = ipv6.ICMPTypeEchoRequest, ipv6.ICMPTypeEchoReply
	}

	c, err := icmp.ListenPacket(network, laddr)
	if err != nil {
		return errors.Wrap(err, "failed to open icmp socket")
	}
	defer c.Close()

	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.SetDeadline(deadline); err != nil {
		return err
	}

	// Unblock the read as soon as the caller gives up.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.SetDeadline(time.Now())
		case <-done:
		}
	}()

	seq := int(atomic.AddUint32(&p.seq, 1) & 0xffff)
	msg := icmp.Message{
		Type: echoType,
		Code: 0,
		Body: &icmp.Echo{
			ID:   p.id,
			Seq:  seq,
			Data: probePayload,
		},
	}
	b, err := msg.Marshal(nil)
	if err != nil {
		return err
	}

	if _, err := c.WriteTo(b, &net.IPAddr{IP: target}); err != nil {
		return errors.Wrapf(err, "failed to send echo request to %v", target)
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := c.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrapf(err, "no echo reply from %v", target)
		}

		rm, err := icmp.ParseMessage(proto, buf[:n])
		if err != nil || rm.Type != replyType {
			continue
		}
		echo, ok := rm.Body.(*icmp.Echo)
		if !ok || echo.ID != p.id || echo.Seq != seq {
			continue
		}
		if ip, ok := peer.(*net.IPAddr); ok && !ip.IP.Equal(target) {
			continue
		}
		return nil
	}
}
