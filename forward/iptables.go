package forward

import (
	"net"
	"os"
	"strconv"

	"github.com/coreos/go-iptables/iptables"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

// Chains owned by the iptables backend.  Each is hooked from the builtin
// chain of the same suffix.
const (
	ChainPrerouting  = "VORTEXL2-PREROUTING"
	ChainPostrouting = "VORTEXL2-POSTROUTING"
	ChainForward     = "VORTEXL2-FORWARD"
)

type chainHook struct {
	table, builtin, chain string
}

var chainHooks = []chainHook{
	{table: "nat", builtin: "PREROUTING", chain: ChainPrerouting},
	{table: "nat", builtin: "POSTROUTING", chain: ChainPostrouting},
	{table: "filter", builtin: "FORWARD", chain: ChainForward},
}

// ruleSpec is one iptables rule in one of our chains.
type ruleSpec struct {
	table, chain string
	spec         []string
}

// ruleSpecs returns the iptables rules which implement r: DNAT of traffic
// arriving anywhere but the tunnel, masquerade of what leaves through it,
// and a filter accept so a DROP forward policy doesn't get in the way.
func ruleSpecs(r Rule) []ruleSpec {
	proto := string(r.Port.Protocol)
	port := strconv.Itoa(int(r.Port.Number))
	target := r.Target.String()
	comment := []string{"-m", "comment", "--comment", "vortexl2 " + r.Port.String()}

	return []ruleSpec{
		{
			table: "nat",
			chain: ChainPrerouting,
			spec: append([]string{
				"-p", proto,
				"!", "-i", r.Interface,
				"--dport", port,
				"-j", "DNAT",
				"--to-destination", net.JoinHostPort(target, port),
			}, comment...),
		},
		{
			table: "nat",
			chain: ChainPostrouting,
			spec: append([]string{
				"-p", proto,
				"-o", r.Interface,
				"-d", target,
				"--dport", port,
				"-j", "MASQUERADE",
			}, comment...),
		},
		{
			table: "filter",
			chain: ChainForward,
			spec: append([]string{
				"-p", proto,
				"-o", r.Interface,
				"-d", target,
				"--dport", port,
				"-j", "ACCEPT",
			}, comment...),
		},
	}
}

var establishedSpec = []string{"-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED", "-j", "ACCEPT"}

// ipTables is the subset of *iptables.IPTables the backend uses.
type ipTables interface {
	ChainExists(table, chain string) (bool, error)
	NewChain(table, chain string) error
	ClearChain(table, chain string) error
	ClearAndDeleteChain(table, chain string) error
	AppendUnique(table, chain string, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
}

type iptablesBackend struct {
	logger        log.Logger
	ipt           ipTables
	forwardSysctl string
}

// NewIPTablesBackend returns a Backend which programs netfilter through
// the iptables (or ip6tables) binary.
func NewIPTablesBackend(logger log.Logger, ipv6 bool) (Backend, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	proto, sysctl := iptables.ProtocolIPv4, "/proc/sys/net/ipv4/ip_forward"
	if ipv6 {
		proto, sysctl = iptables.ProtocolIPv6, "/proc/sys/net/ipv6/conf/all/forwarding"
	}

	ipt, err := iptables.New(iptables.IPFamily(proto))
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialise iptables")
	}

	return &iptablesBackend{
		logger:        log.With(logger, "component", "iptables"),
		ipt:           ipt,
		forwardSysctl: sysctl,
	}, nil
}

func (b *iptablesBackend) Setup() error {
	for _, h := range chainHooks {
		exists, err := b.ipt.ChainExists(h.table, h.chain)
		if err != nil {
			return errors.Wrapf(err, "failed to check chain %s/%s", h.table, h.chain)
		}
		if exists {
			// Left over from an unclean exit.
			err = b.ipt.ClearChain(h.table, h.chain)
		} else {
			err = b.ipt.NewChain(h.table, h.chain)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to prepare chain %s/%s", h.table, h.chain)
		}
		if err := b.ipt.AppendUnique(h.table, h.builtin, "-j", h.chain); err != nil {
			return errors.Wrapf(err, "failed to hook %s/%s", h.table, h.chain)
		}
	}

	if err := b.ipt.AppendUnique("filter", ChainForward, establishedSpec...); err != nil {
		return errors.Wrap(err, "failed to accept established flows")
	}

	if b.forwardSysctl != "" {
		if err := os.WriteFile(b.forwardSysctl, []byte("1"), 0644); err != nil {
			return errors.Wrap(err, "failed to enable ip forwarding")
		}
	}

	level.Debug(b.logger).Log("message", "iptables chains ready")
	return nil
}

func (b *iptablesBackend) AddRule(r Rule) error {
	for _, rs := range ruleSpecs(r) {
		if err := b.ipt.AppendUnique(rs.table, rs.chain, rs.spec...); err != nil {
			return errors.Wrapf(err, "failed to append to %s/%s", rs.table, rs.chain)
		}
	}
	return nil
}

func (b *iptablesBackend) RemoveRule(r Rule) error {
	var first error
	for _, rs := range ruleSpecs(r) {
		if err := b.ipt.DeleteIfExists(rs.table, rs.chain, rs.spec...); err != nil && first == nil {
			first = errors.Wrapf(err, "failed to delete from %s/%s", rs.table, rs.chain)
		}
	}
	return first
}

func (b *iptablesBackend) Cleanup() error {
	var first error
	for _, h := range chainHooks {
		if err := b.ipt.DeleteIfExists(h.table, h.builtin, "-j", h.chain); err != nil && first == nil {
			first = errors.Wrapf(err, "failed to unhook %s/%s", h.table, h.chain)
		}
		exists, err := b.ipt.ChainExists(h.table, h.chain)
		if err == nil && exists {
			err = b.ipt.ClearAndDeleteChain(h.table, h.chain)
		}
		if err != nil && first == nil {
			first = errors.Wrapf(err, "failed to delete chain %s/%s", h.table, h.chain)
		}
	}
	level.Debug(b.logger).Log("message", "iptables chains removed")
	return first
}
