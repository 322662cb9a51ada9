package l2tp

import (
	"context"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type staticParams struct {
	params *TunnelParams
	err    error
}

func (s *staticParams) TunnelParams() (*TunnelParams, error) {
	if s.err != nil {
		return nil, s.err
	}
	p := *s.params
	return &p, nil
}

func iranParams() *staticParams {
	return &staticParams{
		params: &TunnelParams{
			Local:         net.ParseIP("192.0.2.1"),
			Remote:        net.ParseIP("198.51.100.7"),
			InterfaceCIDR: "10.30.30.1/30",
			ProbeTarget:   net.ParseIP("10.30.30.2"),
			Encap:         EncapTypeIP,
			InterfaceName: "l2tpeth0",
		},
	}
}

// testPeer is a Prober whose answer can be switched at runtime.
type testPeer struct {
	up     atomic.Bool
	calls  atomic.Int32
	probed chan struct{}
	block  chan struct{}
}

func newTestPeer(up bool) *testPeer {
	p := &testPeer{probed: make(chan struct{}, 64)}
	p.up.Store(up)
	return p
}

func (p *testPeer) Probe(ctx context.Context, target net.IP) error {
	p.calls.Add(1)
	select {
	case p.probed <- struct{}{}:
	default:
	}
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if p.up.Load() {
		return nil
	}
	return errors.Errorf("no reply from %v", target)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []interface{}
}

func (r *eventRecorder) HandleEvent(event interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) all() []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]interface{}(nil), r.events...)
}

func (r *eventRecorder) last() interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

// faultyDriver fails the named operation, and otherwise defers to a
// NullDriver.
type faultyDriver struct {
	*NullDriver
	failOn      string
	destroyErrs int
}

func (d *faultyDriver) CreateTunnel(cfg *TunnelConfig) (string, error) {
	if d.failOn == "create" {
		return "", &KernelResourceError{Op: "create tunnel", TunnelID: cfg.TunnelID, Err: errors.New("file exists")}
	}
	return d.NullDriver.CreateTunnel(cfg)
}

func (d *faultyDriver) AssignAddress(ifname, cidr string) error {
	if d.failOn == "address" {
		return &AddressConflictError{CIDR: cidr, Route: "10.30.30.0/24"}
	}
	return d.NullDriver.AssignAddress(ifname, cidr)
}

func (d *faultyDriver) SetInterfaceUp(ifname string) error {
	if d.failOn == "up" {
		return &PermissionError{Op: "set link state", Err: errors.New("operation not permitted")}
	}
	return d.NullDriver.SetInterfaceUp(ifname)
}

func (d *faultyDriver) DestroyTunnel(tid, sid ControlConnID) error {
	if d.destroyErrs > 0 {
		d.destroyErrs--
		return errors.New("device busy")
	}
	return d.NullDriver.DestroyTunnel(tid, sid)
}

func testLogger() log.Logger {
	return level.NewFilter(log.NewLogfmtLogger(os.Stderr), level.AllowDebug())
}

// testConfig keeps the scheduler out of the way: tests drive probeTick
// directly.
func testConfig() *ManagerConfig {
	return &ManagerConfig{
		ProbeInterval:    time.Hour,
		FailureThreshold: 3,
	}
}

func newTestManager(t *testing.T, drv TunnelDriver, params ParamSource, peer Prober, cfg *ManagerConfig) (*Manager, *eventRecorder) {
	m := NewManager(testLogger(), drv, params, peer, cfg)
	rec := &eventRecorder{}
	m.RegisterEventHandler(rec)
	t.Cleanup(m.Stop)
	return m, rec
}

func TestStartBringsTunnelUp(t *testing.T) {
	drv := NewNullDriver()
	peer := newTestPeer(true)
	m, rec := newTestManager(t, drv, iranParams(), peer, testConfig())

	require.Equal(t, StateDown, m.Status().State)
	require.NoError(t, m.Start(context.Background()))

	st := m.Status()
	require.Equal(t, StateUp, st.State)
	require.Equal(t, "l2tpeth0", st.InterfaceName)
	require.Equal(t, 0, st.ConsecutiveProbeFailures)
	require.Equal(t, ControlConnID(1000), st.TunnelID)
	require.Equal(t, ControlConnID(10), st.SessionID)
	require.True(t, drv.IsUp("l2tpeth0"))
	require.Equal(t, 1, drv.LiveTunnels())

	desc, ok := m.Descriptor()
	require.True(t, ok)
	require.Equal(t, "10.30.30.1/30", desc.InterfaceCIDR)
	require.Equal(t, ControlConnID(2000), desc.Config.PeerTunnelID)

	events := rec.all()
	require.Len(t, events, 1)
	up, ok := events[0].(*TunnelUpEvent)
	require.True(t, ok, "expected TunnelUpEvent, got %T", events[0])
	require.Equal(t, "l2tpeth0", up.InterfaceName)
}

func TestStartTwiceFails(t *testing.T) {
	drv := NewNullDriver()
	m, _ := newTestManager(t, drv, iranParams(), newTestPeer(true), testConfig())

	require.NoError(t, m.Start(context.Background()))
	err := m.Start(context.Background())
	require.True(t, errors.Is(err, ErrTunnelExists), "got %v", err)
	require.Equal(t, StateUp, m.Status().State)
	require.Equal(t, 1, drv.LiveTunnels())
}

func TestStartIncompleteConfig(t *testing.T) {
	cases := []struct {
		name    string
		params  ParamSource
		missing []string
	}{
		{
			name:    "source reports missing fields",
			params:  &staticParams{err: &ConfigIncompleteError{Missing: []string{"ip_iran"}}},
			missing: []string{"ip_iran"},
		},
		{
			name: "no remote address",
			params: &staticParams{params: &TunnelParams{
				Local:         net.ParseIP("192.0.2.1"),
				InterfaceCIDR: "10.30.30.1/30",
				InterfaceName: "l2tpeth0",
			}},
			missing: []string{"remote address"},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			drv := NewNullDriver()
			peer := newTestPeer(true)
			m, rec := newTestManager(t, drv, c.params, peer, testConfig())

			err := m.Start(context.Background())
			var cerr *ConfigIncompleteError
			require.True(t, errors.As(err, &cerr), "got %v", err)
			require.Equal(t, c.missing, cerr.Missing)

			require.Equal(t, StateDown, m.Status().State)
			require.NotEmpty(t, m.Status().LastError)
			require.Equal(t, 0, drv.LiveTunnels())
			require.Equal(t, int32(0), peer.calls.Load())
			require.Empty(t, rec.all())
		})
	}
}

func TestStartRollsBackOnFailure(t *testing.T) {
	cases := []struct {
		failOn string
		check  func(t *testing.T, err error)
	}{
		{
			failOn: "create",
			check: func(t *testing.T, err error) {
				var kerr *KernelResourceError
				require.True(t, errors.As(err, &kerr), "got %v", err)
			},
		},
		{
			failOn: "address",
			check: func(t *testing.T, err error) {
				var aerr *AddressConflictError
				require.True(t, errors.As(err, &aerr), "got %v", err)
			},
		},
		{
			failOn: "up",
			check: func(t *testing.T, err error) {
				var perr *PermissionError
				require.True(t, errors.As(err, &perr), "got %v", err)
			},
		},
	}

	for _, c := range cases {
		t.Run(c.failOn, func(t *testing.T) {
			drv := &faultyDriver{NullDriver: NewNullDriver(), failOn: c.failOn}
			m, rec := newTestManager(t, drv, iranParams(), newTestPeer(true), testConfig())

			err := m.Start(context.Background())
			require.Error(t, err)
			var serr *StartError
			require.True(t, errors.As(err, &serr), "got %v", err)
			c.check(t, err)

			require.Equal(t, StateDown, m.Status().State)
			require.Equal(t, 0, drv.LiveTunnels())
			require.Equal(t, 0, drv.LiveInterfaces())

			down, ok := rec.last().(*TunnelDownEvent)
			require.True(t, ok)
			require.False(t, down.Fatal)

			// A later attempt with a healthy driver succeeds.
			drv.failOn = ""
			require.NoError(t, m.Start(context.Background()))
			require.Equal(t, StateUp, m.Status().State)
		})
	}
}

func TestStartReportsRollbackErrors(t *testing.T) {
	drv := &faultyDriver{NullDriver: NewNullDriver(), failOn: "address", destroyErrs: 1}
	m, _ := newTestManager(t, drv, iranParams(), newTestPeer(true), testConfig())

	err := m.Start(context.Background())
	var serr *StartError
	require.True(t, errors.As(err, &serr), "got %v", err)
	require.Len(t, serr.RollbackErrors, 1)
	require.Equal(t, StateDown, m.Status().State)
}

func TestStopIsIdempotent(t *testing.T) {
	drv := NewNullDriver()
	m, rec := newTestManager(t, drv, iranParams(), newTestPeer(true), testConfig())

	m.Stop()
	require.Equal(t, StateDown, m.Status().State)
	require.Empty(t, rec.all())

	require.NoError(t, m.Start(context.Background()))
	m.Stop()
	m.Stop()

	require.Equal(t, StateDown, m.Status().State)
	require.Equal(t, 0, drv.LiveTunnels())
	require.Equal(t, 0, drv.LiveInterfaces())

	events := rec.all()
	require.Len(t, events, 2)
	down, ok := events[1].(*TunnelDownEvent)
	require.True(t, ok)
	require.Equal(t, "stopped", down.Reason)
	require.False(t, down.Fatal)
	require.Equal(t, "l2tpeth0", down.InterfaceName)
}

func TestRestartAfterStop(t *testing.T) {
	drv := NewNullDriver()
	m, _ := newTestManager(t, drv, iranParams(), newTestPeer(true), testConfig())

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Start(context.Background()))
		require.Equal(t, StateUp, m.Status().State)
		m.Stop()
		require.Equal(t, 0, drv.LiveTunnels())
	}
}

func TestStopCancelsPendingStart(t *testing.T) {
	drv := NewNullDriver()
	peer := newTestPeer(false)
	m, rec := newTestManager(t, drv, iranParams(), peer, testConfig())

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Start(context.Background())
	}()

	<-peer.probed
	require.Equal(t, StateStarting, m.Status().State)

	m.Stop()

	select {
	case err := <-errCh:
		require.True(t, errors.Is(err, ErrStartCancelled), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}

	require.Equal(t, StateDown, m.Status().State)
	require.Equal(t, 0, drv.LiveTunnels())
	_, ok := rec.last().(*TunnelDownEvent)
	require.True(t, ok)
}

func TestStopPreemptsBlockedProbe(t *testing.T) {
	drv := NewNullDriver()
	peer := newTestPeer(true)
	peer.block = make(chan struct{})
	m, _ := newTestManager(t, drv, iranParams(), peer, testConfig())

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Start(context.Background())
	}()
	<-peer.probed

	// The probe holds the transition lock, but status stays readable.
	require.Equal(t, StateStarting, m.Status().State)

	m.Stop()
	err := <-errCh
	require.True(t, errors.Is(err, ErrStartCancelled), "got %v", err)
	require.Equal(t, 0, drv.LiveTunnels())
}

func TestStartContextCancelled(t *testing.T) {
	drv := NewNullDriver()
	peer := newTestPeer(false)
	m, _ := newTestManager(t, drv, iranParams(), peer, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Start(ctx)
	}()
	<-peer.probed
	cancel()

	err := <-errCh
	require.True(t, errors.Is(err, ErrStartCancelled), "got %v", err)
	require.Equal(t, StateDown, m.Status().State)
	require.Equal(t, 0, drv.LiveTunnels())
}

func TestStartTimeout(t *testing.T) {
	drv := NewNullDriver()
	peer := newTestPeer(false)
	cfg := testConfig()
	cfg.ProbeInterval = 10 * time.Millisecond
	cfg.StartTimeout = 100 * time.Millisecond
	m, rec := newTestManager(t, drv, iranParams(), peer, cfg)

	err := m.Start(context.Background())
	require.True(t, errors.Is(err, ErrPeerUnreachable), "got %v", err)
	require.Equal(t, StateDown, m.Status().State)
	require.Equal(t, 0, drv.LiveTunnels())
	require.Greater(t, peer.calls.Load(), int32(1))

	down, ok := rec.last().(*TunnelDownEvent)
	require.True(t, ok)
	require.Equal(t, "peer unreachable", down.Reason)
}

func TestStartWaitsForPeer(t *testing.T) {
	drv := NewNullDriver()
	peer := newTestPeer(false)
	cfg := testConfig()
	cfg.ProbeInterval = 10 * time.Millisecond
	m, _ := newTestManager(t, drv, iranParams(), peer, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Start(context.Background())
	}()

	<-peer.probed
	<-peer.probed
	peer.up.Store(true)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return once the peer answered")
	}
	require.Equal(t, StateUp, m.Status().State)
}

func TestProbeDegradeAndRecover(t *testing.T) {
	drv := NewNullDriver()
	peer := newTestPeer(true)
	m, rec := newTestManager(t, drv, iranParams(), peer, testConfig())
	require.NoError(t, m.Start(context.Background()))

	peer.up.Store(false)
	m.probeTick()
	require.Equal(t, StateDegraded, m.Status().State)
	require.Equal(t, 1, m.Status().ConsecutiveProbeFailures)

	deg, ok := rec.last().(*TunnelDegradedEvent)
	require.True(t, ok)
	require.Equal(t, 1, deg.ConsecutiveFailures)

	m.probeTick()
	require.Equal(t, StateDegraded, m.Status().State)
	require.Equal(t, 2, m.Status().ConsecutiveProbeFailures)
	// No repeat degraded event while already degraded.
	require.Len(t, rec.all(), 2)

	peer.up.Store(true)
	m.probeTick()
	require.Equal(t, StateUp, m.Status().State)
	require.Equal(t, 0, m.Status().ConsecutiveProbeFailures)
	_, ok = rec.last().(*TunnelRecoveredEvent)
	require.True(t, ok)
	require.Equal(t, 1, drv.LiveTunnels())
}

func TestProbeFailureThreshold(t *testing.T) {
	drv := NewNullDriver()
	peer := newTestPeer(true)
	m, rec := newTestManager(t, drv, iranParams(), peer, testConfig())
	require.NoError(t, m.Start(context.Background()))

	peer.up.Store(false)
	m.probeTick()
	m.probeTick()
	require.Equal(t, StateDegraded, m.Status().State)
	m.probeTick()

	st := m.Status()
	require.Equal(t, StateDown, st.State)
	require.Contains(t, st.LastError, "link lost")
	require.Equal(t, 0, drv.LiveTunnels())
	require.Equal(t, 0, drv.LiveInterfaces())

	down, ok := rec.last().(*TunnelDownEvent)
	require.True(t, ok)
	require.True(t, down.Fatal)
	require.True(t, errors.Is(down.Err, ErrLinkLost))

	// Further ticks on a down tunnel are ignored.
	calls := peer.calls.Load()
	m.probeTick()
	require.Equal(t, calls, peer.calls.Load())
}

func TestInterfaceRemovedIsFatal(t *testing.T) {
	drv := NewNullDriver()
	m, rec := newTestManager(t, drv, iranParams(), newTestPeer(true), testConfig())
	require.NoError(t, m.Start(context.Background()))

	drv.RemoveInterface("l2tpeth0")
	m.probeTick()

	require.Equal(t, StateDown, m.Status().State)
	down, ok := rec.last().(*TunnelDownEvent)
	require.True(t, ok)
	require.True(t, down.Fatal)
	require.Equal(t, 0, drv.LiveTunnels())
}

func TestStatusUptime(t *testing.T) {
	drv := NewNullDriver()
	m, _ := newTestManager(t, drv, iranParams(), newTestPeer(true), testConfig())

	now := time.Unix(1700000000, 0)
	m.now = func() time.Time { return now }

	require.Equal(t, time.Duration(0), m.Status().Uptime)
	require.NoError(t, m.Start(context.Background()))

	now = now.Add(90 * time.Second)
	st := m.Status()
	require.Equal(t, 90*time.Second, st.Uptime)
	require.Equal(t, int64(90), st.UptimeSeconds())

	m.Stop()
	require.Equal(t, time.Duration(0), m.Status().Uptime)
}

func TestScheduledProbing(t *testing.T) {
	drv := NewNullDriver()
	peer := newTestPeer(true)
	cfg := testConfig()
	cfg.ProbeInterval = time.Second
	m, _ := newTestManager(t, drv, iranParams(), peer, cfg)
	require.NoError(t, m.Start(context.Background()))

	// Start probed once; the scheduler should probe again.
	require.Eventually(t, func() bool {
		return peer.calls.Load() >= 2
	}, 5*time.Second, 50*time.Millisecond)

	m.Stop()
	calls := peer.calls.Load()
	time.Sleep(1500 * time.Millisecond)
	require.Equal(t, calls, peer.calls.Load())
}

func TestScheduleKeepsSubSecondInterval(t *testing.T) {
	drv := NewNullDriver()
	peer := newTestPeer(true)
	cfg := testConfig()
	cfg.ProbeInterval = 100 * time.Millisecond
	m, _ := newTestManager(t, drv, iranParams(), peer, cfg)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	// A whole-second schedule would not have probed again yet.
	time.Sleep(700 * time.Millisecond)
	require.GreaterOrEqual(t, peer.calls.Load(), int32(4))
}

func TestEveryScheduleKeepsInterval(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 250*int(time.Millisecond), time.UTC)
	next := everySchedule(1500 * time.Millisecond).Next(start)
	require.Equal(t, 1500*time.Millisecond, next.Sub(start))
}

func TestUnregisterEventHandler(t *testing.T) {
	m := NewManager(nil, NewNullDriver(), iranParams(), newTestPeer(true), testConfig())
	defer m.Stop()

	rec := &eventRecorder{}
	m.RegisterEventHandler(rec)
	m.UnregisterEventHandler(rec)

	require.NoError(t, m.Start(context.Background()))
	require.Empty(t, rec.all())
}
