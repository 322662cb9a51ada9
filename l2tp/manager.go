package l2tp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// ManagerConfig tunes the lifecycle of the managed tunnel.
type ManagerConfig struct {
	// ProbeInterval is the period between liveness probes.
	ProbeInterval time.Duration
	// FailureThreshold is the number of consecutive probe failures after
	// which the tunnel is considered lost.
	FailureThreshold int
	// StartTimeout bounds how long Start waits for the first successful
	// probe.  Zero means wait until cancelled.
	StartTimeout time.Duration
	// IDs allocates tunnel and session IDs.  Nil selects DefaultIDAllocator.
	IDs IDAllocator
}

// DefaultManagerConfig returns a probe every 5 seconds, a threshold of
// 3 failures, and no start timeout.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		ProbeInterval:    5 * time.Second,
		FailureThreshold: 3,
	}
}

// Status is a point in time view of the manager.
type Status struct {
	State                    TunnelState
	InterfaceName            string
	Uptime                   time.Duration
	ConsecutiveProbeFailures int
	TunnelID                 ControlConnID
	SessionID                ControlConnID
	LastError                string
}

// UptimeSeconds is Uptime truncated to whole seconds.
func (s Status) UptimeSeconds() int64 {
	return int64(s.Uptime / time.Second)
}

func (s Status) String() string {
	return fmt.Sprintf("state=%v interface=%q uptime=%ds failures=%d",
		s.State, s.InterfaceName, s.UptimeSeconds(), s.ConsecutiveProbeFailures)
}

type statusSnapshot struct {
	status  Status
	upSince time.Time
}

// Manager owns the lifecycle of a single tunnel.  Start, Stop and the
// periodic probe share one transition lock; Status never takes it.
type Manager struct {
	logger log.Logger
	driver TunnelDriver
	params ParamSource
	prober Prober
	cfg    ManagerConfig
	now    func() time.Time

	// mu is the transition lock
	mu          sync.Mutex
	fsm         fsm
	desc        *TunnelDescriptor
	undo        *rollback
	probeTarget net.IP
	failures    int
	upSince     time.Time
	lastErr     error
	sched       *cron.Cron

	inflightMu sync.Mutex
	inflight   map[uint64]context.CancelFunc
	nextToken  uint64
	stopping   bool

	status atomic.Pointer[statusSnapshot]

	handlerMu sync.RWMutex
	handlers  []EventHandler
}

// NewManager creates a Manager.  Nothing is done to the kernel until Start
// is called.
func NewManager(logger log.Logger,
	driver TunnelDriver,
	params ParamSource,
	prober Prober,
	cfg *ManagerConfig) *Manager {

	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg == nil {
		cfg = DefaultManagerConfig()
	}

	m := &Manager{
		logger:   log.With(logger, "component", "tunnel_manager"),
		driver:   driver,
		params:   params,
		prober:   prober,
		cfg:      *cfg,
		now:      time.Now,
		inflight: make(map[uint64]context.CancelFunc),
	}

	if m.cfg.ProbeInterval <= 0 {
		m.cfg.ProbeInterval = DefaultManagerConfig().ProbeInterval
	}
	if m.cfg.FailureThreshold <= 0 {
		m.cfg.FailureThreshold = DefaultManagerConfig().FailureThreshold
	}
	if m.cfg.IDs == nil {
		m.cfg.IDs = DefaultIDAllocator()
	}

	m.fsm = fsm{
		current: StateDown,
		table: []eventDesc{
			{from: StateDown, events: []string{"start"}, to: StateStarting},

			{from: StateStarting, events: []string{"established"}, cb: m.fsmActUp, to: StateUp},
			{from: StateStarting, events: []string{"fail"}, cb: m.fsmActDown, to: StateDown},
			{from: StateStarting, events: []string{"stop"}, to: StateStopping},

			{from: StateUp, events: []string{"probe_fail"}, cb: m.fsmActDegraded, to: StateDegraded},
			{from: StateUp, events: []string{"probe_ok"}, to: StateUp},
			{from: StateUp, events: []string{"link_lost"}, cb: m.fsmActDown, to: StateDown},
			{from: StateUp, events: []string{"stop"}, to: StateStopping},

			{from: StateDegraded, events: []string{"probe_fail"}, to: StateDegraded},
			{from: StateDegraded, events: []string{"probe_ok"}, cb: m.fsmActRecovered, to: StateUp},
			{from: StateDegraded, events: []string{"link_lost"}, cb: m.fsmActDown, to: StateDown},
			{from: StateDegraded, events: []string{"stop"}, to: StateStopping},

			{from: StateStopping, events: []string{"stopped"}, cb: m.fsmActDown, to: StateDown},
		},
	}

	m.publishLocked()
	return m
}

// RegisterEventHandler adds an event handler to the manager.
func (m *Manager) RegisterEventHandler(handler EventHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// UnregisterEventHandler removes a previously registered event handler.
func (m *Manager) UnregisterEventHandler(handler EventHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	for i, h := range m.handlers {
		if h == handler {
			m.handlers = append(m.handlers[:i], m.handlers[i+1:]...)
			return
		}
	}
}

func (m *Manager) handleUserEvent(event interface{}) {
	m.handlerMu.RLock()
	handlers := append([]EventHandler(nil), m.handlers...)
	m.handlerMu.RUnlock()
	for _, h := range handlers {
		h.HandleEvent(event)
	}
}

// Status returns the last known state of the tunnel.  It never blocks on
// a transition and never probes.
func (m *Manager) Status() Status {
	snap := m.status.Load()
	s := snap.status
	if s.State == StateUp || s.State == StateDegraded {
		s.Uptime = m.now().Sub(snap.upSince)
	}
	return s
}

// Descriptor returns a copy of the active tunnel descriptor, if any.
func (m *Manager) Descriptor() (TunnelDescriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.desc == nil {
		return TunnelDescriptor{}, false
	}
	return *m.desc, true
}

// Start brings the tunnel up.  It returns once the peer has answered a
// liveness probe, or with an error after all kernel objects created by the
// attempt have been released.
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	token := m.trackInFlight(cancel)
	defer m.untrackInFlight(token)

	m.mu.Lock()
	desc, err := m.establishLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	return m.awaitPeer(ctx, desc)
}

// Stop tears the tunnel down from any state.  Cleanup is best effort:
// failures are logged and the manager always ends up down.
func (m *Manager) Stop() {
	m.cancelInFlight()

	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.stopDone()
	m.stopLocked("stopped")
}

func (m *Manager) establishLocked(ctx context.Context) (*TunnelDescriptor, error) {
	if m.fsm.current != StateDown {
		return nil, ErrTunnelExists
	}
	if ctx.Err() != nil {
		return nil, &StartError{Op: "start", Err: ErrStartCancelled}
	}

	params, err := m.params.TunnelParams()
	if err != nil {
		m.setErrorLocked(err)
		return nil, err
	}
	if missing := missingParams(params); len(missing) > 0 {
		err := &ConfigIncompleteError{Missing: missing}
		m.setErrorLocked(err)
		return nil, err
	}

	ids, err := m.cfg.IDs.Allocate(params.Local, params.Remote)
	if err != nil {
		m.setErrorLocked(err)
		return nil, err
	}

	cfg := TunnelConfig{
		Local:         params.Local,
		Peer:          params.Remote,
		UDPPort:       params.UDPPort,
		Encap:         params.Encap,
		TunnelID:      ids.TunnelID,
		PeerTunnelID:  ids.PeerTunnelID,
		SessionID:     ids.SessionID,
		PeerSessionID: ids.PeerSessionID,
		InterfaceName: params.InterfaceName,
		MTU:           params.MTU,
	}
	if cfg.Encap == EncapTypeUDP && cfg.UDPPort == 0 {
		cfg.UDPPort = DefaultUDPPort
	}

	m.fsm.handleEvent("start")
	m.failures = 0
	m.lastErr = nil
	m.publishLocked()

	level.Info(m.logger).Log(
		"message", "starting tunnel",
		"local", cfg.Local,
		"peer", cfg.Peer,
		"encap", cfg.Encap,
		"tunnel_id", cfg.TunnelID,
		"peer_tunnel_id", cfg.PeerTunnelID,
		"session_id", cfg.SessionID,
		"peer_session_id", cfg.PeerSessionID)

	rb := newRollback(m.logger)
	fail := func(op string, err error) error {
		serr := &StartError{Op: op, Err: err, RollbackErrors: rb.unwind()}
		m.lastErr = serr
		m.fsm.handleEvent("fail", "", serr, "start failed")
		level.Error(m.logger).Log("message", "tunnel start failed", "error", serr)
		return serr
	}

	ifname, err := m.driver.CreateTunnel(&cfg)
	if err != nil {
		return nil, fail("create tunnel", err)
	}
	rb.push("destroy tunnel", func() error {
		return m.driver.DestroyTunnel(cfg.TunnelID, cfg.SessionID)
	})
	if ctx.Err() != nil {
		return nil, m.cancelStartLocked(rb, ifname)
	}

	err = m.driver.AssignAddress(ifname, params.InterfaceCIDR)
	if err != nil {
		return nil, fail("assign address", err)
	}
	if ctx.Err() != nil {
		return nil, m.cancelStartLocked(rb, ifname)
	}

	err = m.driver.SetInterfaceUp(ifname)
	if err != nil {
		return nil, fail("set interface up", err)
	}
	rb.push("set interface down", func() error {
		return m.driver.SetInterfaceDown(ifname)
	})
	if ctx.Err() != nil {
		return nil, m.cancelStartLocked(rb, ifname)
	}

	m.desc = &TunnelDescriptor{
		Config:        cfg,
		InterfaceName: ifname,
		InterfaceCIDR: params.InterfaceCIDR,
		Created:       m.now(),
	}
	m.undo = rb
	m.probeTarget = params.ProbeTarget
	m.publishLocked()

	level.Debug(m.logger).Log(
		"message", "tunnel interface up, waiting for peer",
		"interface_name", ifname,
		"interface_address", params.InterfaceCIDR,
		"probe_target", params.ProbeTarget)

	return m.desc, nil
}

// cancelStartLocked unwinds a start attempt interrupted by Stop.
func (m *Manager) cancelStartLocked(rb *rollback, ifname string) error {
	m.fsm.handleEvent("stop")
	m.publishLocked()
	serr := &StartError{Op: "start", Err: ErrStartCancelled, RollbackErrors: rb.unwind()}
	m.lastErr = serr
	m.desc = nil
	m.undo = nil
	m.fsm.handleEvent("stopped", ifname, serr, "start cancelled")
	level.Info(m.logger).Log("message", "tunnel start cancelled")
	return serr
}

// awaitPeer probes the peer until it answers, promoting the tunnel to up.
// The transition lock is only held while a probe is in flight, so that
// Stop can get in between attempts.
func (m *Manager) awaitPeer(ctx context.Context, desc *TunnelDescriptor) error {
	var timeout <-chan time.Time
	if m.cfg.StartTimeout > 0 {
		t := time.NewTimer(m.cfg.StartTimeout)
		defer t.Stop()
		timeout = t.C
	}

	for {
		m.mu.Lock()
		if m.desc != desc || m.fsm.current != StateStarting {
			// Stop got in first and has already released everything.
			m.mu.Unlock()
			return &StartError{Op: "start", Err: ErrStartCancelled}
		}
		if ctx.Err() != nil {
			err := m.cancelStartLocked(m.undo, desc.InterfaceName)
			m.mu.Unlock()
			return err
		}

		err := m.prober.Probe(ctx, m.probeTarget)
		switch {
		case ctx.Err() != nil:
			err = m.cancelStartLocked(m.undo, desc.InterfaceName)
			m.mu.Unlock()
			return err
		case err == nil:
			m.failures = 0
			m.upSince = m.now()
			m.fsm.handleEvent("established")
			m.mu.Unlock()
			return nil
		}

		m.failures++
		m.lastErr = err
		m.publishLocked()
		level.Debug(m.logger).Log(
			"message", "peer not answering yet",
			"attempt", m.failures,
			"error", err)
		m.mu.Unlock()

		select {
		case <-ctx.Done():
		case <-timeout:
			m.mu.Lock()
			if m.desc != desc || m.fsm.current != StateStarting {
				m.mu.Unlock()
				return &StartError{Op: "start", Err: ErrStartCancelled}
			}
			m.fsm.handleEvent("stop")
			serr := &StartError{
				Op:             "wait for peer",
				Err:            errors.Wrapf(ErrPeerUnreachable, "after %v", m.cfg.StartTimeout),
				RollbackErrors: m.undo.unwind(),
			}
			m.lastErr = serr
			m.desc = nil
			m.undo = nil
			m.fsm.handleEvent("stopped", desc.InterfaceName, serr, "peer unreachable")
			m.mu.Unlock()
			level.Error(m.logger).Log("message", "tunnel start failed", "error", serr)
			return serr
		case <-time.After(m.cfg.ProbeInterval):
		}
	}
}

func (m *Manager) stopLocked(reason string) {
	if m.fsm.current == StateDown {
		return
	}

	m.fsm.handleEvent("stop")
	m.publishLocked()

	m.stopProbingLocked()

	ifname := ""
	if m.desc != nil {
		ifname = m.desc.InterfaceName
	}
	if m.undo != nil {
		m.undo.unwind()
	}
	m.desc = nil
	m.undo = nil

	m.fsm.handleEvent("stopped", ifname, nil, reason)
	level.Info(m.logger).Log("message", "tunnel stopped", "interface_name", ifname)
}

// probeTick runs one liveness probe.  It is driven by the scheduler, and
// may be called directly.
func (m *Manager) probeTick() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	token := m.trackInFlight(cancel)
	defer m.untrackInFlight(token)

	m.mu.Lock()
	defer m.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if m.fsm.current != StateUp && m.fsm.current != StateDegraded {
		return
	}

	ifname := m.desc.InterfaceName
	exists, err := m.driver.InterfaceExists(ifname)
	if err != nil {
		level.Debug(m.logger).Log("message", "interface lookup failed", "error", err)
	} else if !exists {
		m.linkLostLocked(errors.Wrapf(ErrLinkLost, "interface %s disappeared", ifname))
		return
	}

	err = m.prober.Probe(ctx, m.probeTarget)
	if ctx.Err() != nil {
		// Stop wants the lock; this probe does not count.
		return
	}

	if err == nil {
		m.failures = 0
		m.fsm.handleEvent("probe_ok")
		m.publishLocked()
		return
	}

	m.failures++
	m.lastErr = err
	level.Debug(m.logger).Log(
		"message", "probe failed",
		"consecutive_failures", m.failures,
		"error", err)

	m.fsm.handleEvent("probe_fail", err)
	m.publishLocked()

	if m.failures >= m.cfg.FailureThreshold {
		m.linkLostLocked(errors.Wrapf(ErrLinkLost, "%d consecutive probe failures, last: %v", m.failures, err))
	}
}

func (m *Manager) linkLostLocked(err error) {
	m.stopProbingLocked()

	ifname := m.desc.InterfaceName
	if m.undo != nil {
		m.undo.unwind()
	}
	m.desc = nil
	m.undo = nil
	m.lastErr = err

	level.Error(m.logger).Log(
		"message", "tunnel link lost",
		"interface_name", ifname,
		"error", err)

	m.fsm.handleEvent("link_lost", ifname, err, "link lost")
}

func (m *Manager) startProbingLocked() {
	m.sched = cron.New(
		cron.WithLogger(cronLogger{m.logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{m.logger})))
	m.sched.Schedule(everySchedule(m.cfg.ProbeInterval), cron.FuncJob(m.probeTick))
	m.sched.Start()
}

// everySchedule fires at a fixed interval.  Unlike cron's "@every" it
// keeps sub-second precision.
type everySchedule time.Duration

func (e everySchedule) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

func (m *Manager) stopProbingLocked() {
	if m.sched != nil {
		// Don't wait for a running probe: it may be the caller.
		m.sched.Stop()
		m.sched = nil
	}
}

func (m *Manager) fsmActUp(args []interface{}) {
	m.publishLocked()
	m.startProbingLocked()
	level.Info(m.logger).Log(
		"message", "tunnel up",
		"interface_name", m.desc.InterfaceName,
		"tunnel_id", m.desc.Config.TunnelID,
		"session_id", m.desc.Config.SessionID)
	m.handleUserEvent(&TunnelUpEvent{
		InterfaceName: m.desc.InterfaceName,
		Descriptor:    *m.desc,
	})
}

func (m *Manager) fsmActDegraded(args []interface{}) {
	var err error
	if len(args) > 0 {
		err, _ = args[0].(error)
	}
	level.Info(m.logger).Log(
		"message", "tunnel degraded",
		"interface_name", m.desc.InterfaceName,
		"error", err)
	m.handleUserEvent(&TunnelDegradedEvent{
		InterfaceName:       m.desc.InterfaceName,
		ConsecutiveFailures: m.failures,
		Err:                 err,
	})
}

func (m *Manager) fsmActRecovered(args []interface{}) {
	m.lastErr = nil
	level.Info(m.logger).Log("message", "tunnel recovered", "interface_name", m.desc.InterfaceName)
	m.handleUserEvent(&TunnelRecoveredEvent{InterfaceName: m.desc.InterfaceName})
}

// fsmActDown expects args of (interface name, error, reason).
func (m *Manager) fsmActDown(args []interface{}) {
	ev := &TunnelDownEvent{}
	if len(args) > 0 {
		ev.InterfaceName, _ = args[0].(string)
	}
	if len(args) > 1 {
		ev.Err, _ = args[1].(error)
	}
	if len(args) > 2 {
		ev.Reason, _ = args[2].(string)
	}
	ev.Fatal = errors.Is(ev.Err, ErrLinkLost)

	m.failures = 0
	m.upSince = time.Time{}
	m.publishLocked()
	m.handleUserEvent(ev)
}

func (m *Manager) setErrorLocked(err error) {
	m.lastErr = err
	m.publishLocked()
}

func (m *Manager) publishLocked() {
	s := Status{
		State:                    m.fsm.current,
		ConsecutiveProbeFailures: m.failures,
	}
	if m.desc != nil {
		s.InterfaceName = m.desc.InterfaceName
		s.TunnelID = m.desc.Config.TunnelID
		s.SessionID = m.desc.Config.SessionID
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	m.status.Store(&statusSnapshot{status: s, upSince: m.upSince})
}

// trackInFlight registers the cancel function of a Start or probe so that
// Stop can preempt it.  Work registered while a Stop is pending is cancelled
// straight away.
func (m *Manager) trackInFlight(cancel context.CancelFunc) uint64 {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	if m.stopping {
		cancel()
	}
	m.nextToken++
	m.inflight[m.nextToken] = cancel
	return m.nextToken
}

func (m *Manager) untrackInFlight(token uint64) {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	delete(m.inflight, token)
}

func (m *Manager) cancelInFlight() {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	m.stopping = true
	for _, cancel := range m.inflight {
		cancel()
	}
}

func (m *Manager) stopDone() {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	m.stopping = false
}

func missingParams(p *TunnelParams) (missing []string) {
	if p == nil {
		return []string{"tunnel parameters"}
	}
	if p.Local == nil {
		missing = append(missing, "local address")
	}
	if p.Remote == nil {
		missing = append(missing, "remote address")
	}
	if p.InterfaceCIDR == "" {
		missing = append(missing, "interface address")
	}
	if p.InterfaceName == "" {
		missing = append(missing, "interface name")
	}
	return missing
}

// cronLogger adapts a go-kit logger to the robfig/cron logging interface.
type cronLogger struct {
	logger log.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	level.Debug(l.logger).Log(append([]interface{}{"message", msg}, keysAndValues...)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	level.Error(l.logger).Log(append([]interface{}{"message", msg, "error", err}, keysAndValues...)...)
}
