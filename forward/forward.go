/*
Package forward keeps a set of port forwarding NAT rules in step with a
desired list of (protocol, port) pairs.

Rules are anchored on a tunnel interface and a forward target: traffic
arriving on any other interface for a forwarded port is DNAT'd to the
target across the tunnel.  The Manager diffs the desired list against what
it last installed and asks a Backend to add or remove the difference, so
that repeated reconciliation with unchanged input touches nothing.

	backend, err := forward.NewIPTablesBackend(logger, false)
	if err != nil {
		panic(err)
	}
	mgr := forward.NewManager(logger, backend, store, forward.NewConntrackFlusher(logger), nil)
	err = mgr.Reconcile([]forward.Port{{Protocol: forward.ProtocolTCP, Number: 443}}, "l2tpeth0")
*/
package forward

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

// Protocol is the transport protocol of a forwarded port.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// ParseProtocol converts "tcp" or "udp" into a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return ProtocolTCP, nil
	case "udp":
		return ProtocolUDP, nil
	}
	return "", fmt.Errorf("expect 'tcp' or 'udp', got %q", s)
}

// Port is a forwarded (protocol, port number) pair.
type Port struct {
	Protocol Protocol
	Number   uint16
}

func (p Port) String() string {
	return fmt.Sprintf("%s/%d", p.Protocol, p.Number)
}

// ParsePort parses "proto/port", or a bare port number which is taken
// to be TCP.
func ParsePort(s string) (Port, error) {
	proto, num := string(ProtocolTCP), s
	if i := strings.IndexByte(s, '/'); i >= 0 {
		proto, num = s[:i], s[i+1:]
	}

	p, err := ParseProtocol(proto)
	if err != nil {
		return Port{}, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(num), 10, 16)
	if err != nil || n == 0 {
		return Port{}, fmt.Errorf("invalid port number %q", num)
	}
	return Port{Protocol: p, Number: uint16(n)}, nil
}

func sortPorts(ports []Port) {
	sort.Slice(ports, func(i, j int) bool {
		if ports[i].Protocol != ports[j].Protocol {
			return ports[i].Protocol < ports[j].Protocol
		}
		return ports[i].Number < ports[j].Number
	})
}

// Rule is a Port anchored to the interface it is forwarded across and the
// address it is forwarded to.
type Rule struct {
	Port      Port
	Interface string
	Target    net.IP
}

func (r Rule) sameAnchor(ifname string, target net.IP) bool {
	return r.Interface == ifname && r.Target.Equal(target)
}

// Backend installs and removes rules.  AddRule and RemoveRule must be
// idempotent.
type Backend interface {
	// Setup prepares the backend before the first rule is added.
	Setup() error
	AddRule(r Rule) error
	RemoveRule(r Rule) error
	// Cleanup removes anything Setup or AddRule left behind.
	Cleanup() error
}

// TargetSource supplies the address forwarded traffic is sent to.
type TargetSource interface {
	ForwardTarget() (net.IP, error)
}

// Flusher drops connection tracking state for a removed rule, so that
// established flows don't keep using the old translation.
type Flusher interface {
	Flush(r Rule) error
}

// PortError records a failure to add or remove the rule for one port.
type PortError struct {
	Port Port
	Op   string
	Err  error
}

func (e PortError) Error() string {
	return fmt.Sprintf("%s %v: %v", e.Op, e.Port, e.Err)
}

// PartialFailure is returned by Reconcile when some ports could not be
// brought into line.  All other ports were applied.
type PartialFailure struct {
	Failed []PortError
}

func (e *PartialFailure) Error() string {
	msgs := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		msgs[i] = f.Error()
	}
	return fmt.Sprintf("%d port(s) failed: %s", len(e.Failed), strings.Join(msgs, "; "))
}

// Config tunes a Manager.
type Config struct {
	// Attempts is how many times a backend call is tried per port.
	Attempts int
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration
}

// DefaultConfig tries each backend call 3 times, 100ms apart.
func DefaultConfig() *Config {
	return &Config{
		Attempts:   3,
		RetryDelay: 100 * time.Millisecond,
	}
}

// Manager owns the set of installed forwarding rules.
type Manager struct {
	logger  log.Logger
	backend Backend
	targets TargetSource
	flusher Flusher
	cfg     Config

	mu     sync.Mutex
	active map[Port]Rule
	ifname string
	ready  bool
}

// NewManager creates a Manager with nothing installed.  flusher may be nil.
func NewManager(logger log.Logger, backend Backend, targets TargetSource, flusher Flusher, cfg *Config) *Manager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{
		logger:  log.With(logger, "component", "forward_manager"),
		backend: backend,
		targets: targets,
		flusher: flusher,
		cfg:     *cfg,
		active:  make(map[Port]Rule),
	}
	if m.cfg.Attempts <= 0 {
		m.cfg.Attempts = 1
	}
	return m
}

// Reconcile brings the installed rules into line with desired, anchored on
// ifname.  Stale rules are removed before missing ones are added.  A rule
// whose interface or target changed is replaced.
func (m *Manager) Reconcile(desired []Port, ifname string) error {
	if ifname == "" {
		return errors.New("cannot forward ports without a tunnel interface")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconcileLocked(desired, ifname)
}

// Refresh reconciles against the interface of the last Reconcile.  It does
// nothing while no interface is attached.
func (m *Manager) Refresh(desired []Port) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ifname == "" {
		level.Debug(m.logger).Log("message", "no tunnel interface, deferring port update")
		return nil
	}
	return m.reconcileLocked(desired, m.ifname)
}

func (m *Manager) reconcileLocked(desired []Port, ifname string) error {
	// An empty set needs no target, and hosts which forward nothing have none.
	var target net.IP
	if len(desired) > 0 {
		var err error
		target, err = m.targets.ForwardTarget()
		if err != nil {
			return errors.Wrap(err, "failed to resolve forward target")
		}

		if !m.ready {
			if err := m.backend.Setup(); err != nil {
				return errors.Wrap(err, "failed to set up rule backend")
			}
			m.ready = true
		}
	}
	m.ifname = ifname

	want := make(map[Port]bool, len(desired))
	for _, p := range desired {
		want[p] = true
	}

	var failed []PortError
	blocked := make(map[Port]bool)

	for _, p := range m.activePortsLocked() {
		r := m.active[p]
		if want[p] && r.sameAnchor(ifname, target) {
			continue
		}
		if err := m.removeLocked(r); err != nil {
			failed = append(failed, PortError{Port: p, Op: "remove", Err: err})
			blocked[p] = true
		}
	}

	ports := make([]Port, 0, len(want))
	for p := range want {
		ports = append(ports, p)
	}
	sortPorts(ports)

	for _, p := range ports {
		if _, ok := m.active[p]; ok || blocked[p] {
			continue
		}
		r := Rule{Port: p, Interface: ifname, Target: target}
		err := m.retry(func() error { return m.backend.AddRule(r) })
		if err != nil {
			level.Error(m.logger).Log(
				"message", "failed to add forwarding rule",
				"port", p,
				"error", err)
			failed = append(failed, PortError{Port: p, Op: "add", Err: err})
			continue
		}
		m.active[p] = r
		level.Info(m.logger).Log(
			"message", "forwarding port",
			"port", p,
			"interface_name", ifname,
			"target", target)
	}

	if len(failed) > 0 {
		return &PartialFailure{Failed: failed}
	}
	return nil
}

func (m *Manager) removeLocked(r Rule) error {
	err := m.retry(func() error { return m.backend.RemoveRule(r) })
	if err != nil {
		level.Error(m.logger).Log(
			"message", "failed to remove forwarding rule",
			"port", r.Port,
			"error", err)
		return err
	}
	delete(m.active, r.Port)
	level.Info(m.logger).Log(
		"message", "stopped forwarding port",
		"port", r.Port,
		"interface_name", r.Interface)

	if m.flusher != nil {
		if err := m.flusher.Flush(r); err != nil {
			level.Debug(m.logger).Log(
				"message", "failed to flush connection tracking state",
				"port", r.Port,
				"error", err)
		}
	}
	return nil
}

// TeardownAll removes every installed rule and detaches from the
// interface.  Failures are logged; nothing is left recorded as active.
func (m *Manager) TeardownAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.activePortsLocked() {
		// removeLocked logs its own failures
		_ = m.removeLocked(m.active[p])
	}
	m.active = make(map[Port]Rule)
	m.ifname = ""

	if m.ready {
		if err := m.backend.Cleanup(); err != nil {
			level.Error(m.logger).Log("message", "failed to clean up rule backend", "error", err)
		}
		m.ready = false
	}
}

// Active returns the installed ports in protocol then number order.
func (m *Manager) Active() []Port {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activePortsLocked()
}

// Interface returns the interface rules are anchored on, or "" when
// detached.
func (m *Manager) Interface() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ifname
}

func (m *Manager) activePortsLocked() []Port {
	ports := make([]Port, 0, len(m.active))
	for p := range m.active {
		ports = append(ports, p)
	}
	sortPorts(ports)
	return ports
}

func (m *Manager) retry(fn func() error) (err error) {
	for i := 0; i < m.cfg.Attempts; i++ {
		if i > 0 && m.cfg.RetryDelay > 0 {
			time.Sleep(m.cfg.RetryDelay)
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}
