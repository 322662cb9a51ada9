package forward

import (
	"net/netip"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"github.com/ti-mo/conntrack"
	"golang.org/x/sys/unix"
)

type conntrackFlusher struct {
	logger log.Logger
}

// NewConntrackFlusher returns a Flusher which deletes the conntrack
// entries of flows DNAT'd by a rule.
func NewConntrackFlusher(logger log.Logger) Flusher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &conntrackFlusher{logger: log.With(logger, "component", "conntrack")}
}

func (f *conntrackFlusher) Flush(r Rule) error {
	c, err := conntrack.Dial(nil)
	if err != nil {
		return errors.Wrap(err, "failed to open conntrack connection")
	}
	defer c.Close()

	flows, err := c.Dump(nil)
	if err != nil {
		return errors.Wrap(err, "failed to dump conntrack table")
	}

	n := 0
	for _, flow := range flows {
		if !flowMatches(flow, r) {
			continue
		}
		if err := c.Delete(flow); err != nil {
			level.Debug(f.logger).Log("message", "failed to delete flow", "error", err)
			continue
		}
		n++
	}

	level.Debug(f.logger).Log("message", "flushed flows", "port", r.Port, "count", n)
	return nil
}

func protocolNumber(p Protocol) uint8 {
	if p == ProtocolUDP {
		return unix.IPPROTO_UDP
	}
	return unix.IPPROTO_TCP
}

// flowMatches reports whether a flow was translated by r: its original
// destination port is the forwarded port and the reply comes from the
// forward target.
func flowMatches(flow conntrack.Flow, r Rule) bool {
	if flow.TupleOrig.Proto.Protocol != protocolNumber(r.Port.Protocol) {
		return false
	}
	if flow.TupleOrig.Proto.DestinationPort != r.Port.Number {
		return false
	}
	target, ok := netip.AddrFromSlice(r.Target)
	if !ok {
		return false
	}
	return flow.TupleReply.IP.SourceAddress.Unmap() == target.Unmap()
}
