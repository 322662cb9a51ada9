package forward

import (
	"fmt"
	"net"
	"os"
	"sync"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type staticTarget struct {
	ip  net.IP
	err error
}

func (s *staticTarget) ForwardTarget() (net.IP, error) {
	return s.ip, s.err
}

// recordingBackend logs every call, and fails calls for ports in failAdd
// or failRemove.
type recordingBackend struct {
	mu         sync.Mutex
	calls      []string
	rules      map[Port]Rule
	failAdd    map[Port]int
	failRemove map[Port]int
	setups     int
	cleanups   int
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{
		rules:      make(map[Port]Rule),
		failAdd:    make(map[Port]int),
		failRemove: make(map[Port]int),
	}
}

func (b *recordingBackend) Setup() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setups++
	return nil
}

func (b *recordingBackend) AddRule(r Rule) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, fmt.Sprintf("add %v %s %v", r.Port, r.Interface, r.Target))
	if n := b.failAdd[r.Port]; n != 0 {
		if n > 0 {
			b.failAdd[r.Port] = n - 1
		}
		return errors.New("rule rejected")
	}
	b.rules[r.Port] = r
	return nil
}

func (b *recordingBackend) RemoveRule(r Rule) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, fmt.Sprintf("remove %v %s %v", r.Port, r.Interface, r.Target))
	if n := b.failRemove[r.Port]; n != 0 {
		if n > 0 {
			b.failRemove[r.Port] = n - 1
		}
		return errors.New("rule busy")
	}
	delete(b.rules, r.Port)
	return nil
}

func (b *recordingBackend) Cleanup() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanups++
	b.rules = make(map[Port]Rule)
	return nil
}

func (b *recordingBackend) takeCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.calls
	b.calls = nil
	return c
}

type recordingFlusher struct {
	mu      sync.Mutex
	flushed []Port
}

func (f *recordingFlusher) Flush(r Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = append(f.flushed, r.Port)
	return nil
}

func tcp(n uint16) Port { return Port{Protocol: ProtocolTCP, Number: n} }
func udp(n uint16) Port { return Port{Protocol: ProtocolUDP, Number: n} }

func newTestManager(backend Backend, target *staticTarget, flusher Flusher) *Manager {
	logger := level.NewFilter(log.NewLogfmtLogger(os.Stderr), level.AllowDebug())
	return NewManager(logger, backend, target, flusher, &Config{Attempts: 3})
}

func TestParsePort(t *testing.T) {
	cases := []struct {
		in      string
		want    Port
		wantErr bool
	}{
		{in: "443", want: tcp(443)},
		{in: "tcp/443", want: tcp(443)},
		{in: "udp/53", want: udp(53)},
		{in: "UDP/53", want: udp(53)},
		{in: "sctp/53", wantErr: true},
		{in: "tcp/0", wantErr: true},
		{in: "tcp/65536", wantErr: true},
		{in: "http", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			got, err := ParsePort(c.in)
			if c.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, c.want, got)
		})
	}
	require.Equal(t, "udp/53", udp(53).String())
}

func TestReconcileInstallsDesired(t *testing.T) {
	backend := newRecordingBackend()
	target := &staticTarget{ip: net.ParseIP("10.30.30.2")}
	m := newTestManager(backend, target, nil)

	require.NoError(t, m.Reconcile([]Port{tcp(443), udp(53), tcp(80)}, "l2tpeth0"))
	require.Equal(t, []Port{tcp(80), tcp(443), udp(53)}, m.Active())
	require.Equal(t, "l2tpeth0", m.Interface())
	require.Equal(t, 1, backend.setups)
	require.Len(t, backend.takeCalls(), 3)

	for _, r := range backend.rules {
		require.Equal(t, "l2tpeth0", r.Interface)
		require.True(t, r.Target.Equal(target.ip))
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	backend := newRecordingBackend()
	m := newTestManager(backend, &staticTarget{ip: net.ParseIP("10.30.30.2")}, nil)

	desired := []Port{tcp(443), udp(53)}
	require.NoError(t, m.Reconcile(desired, "l2tpeth0"))
	backend.takeCalls()

	require.NoError(t, m.Reconcile(desired, "l2tpeth0"))
	require.NoError(t, m.Reconcile([]Port{udp(53), tcp(443), tcp(443)}, "l2tpeth0"))
	require.Empty(t, backend.takeCalls())
	require.Equal(t, 1, backend.setups)
}

func TestReconcileRemovesBeforeAdding(t *testing.T) {
	backend := newRecordingBackend()
	flusher := &recordingFlusher{}
	m := newTestManager(backend, &staticTarget{ip: net.ParseIP("10.30.30.2")}, flusher)

	require.NoError(t, m.Reconcile([]Port{tcp(443), tcp(8443)}, "l2tpeth0"))
	backend.takeCalls()

	require.NoError(t, m.Reconcile([]Port{tcp(443), udp(51820)}, "l2tpeth0"))
	require.Equal(t, []string{
		"remove tcp/8443 l2tpeth0 10.30.30.2",
		"add udp/51820 l2tpeth0 10.30.30.2",
	}, backend.takeCalls())
	require.Equal(t, []Port{tcp(443), udp(51820)}, m.Active())
	require.Equal(t, []Port{tcp(8443)}, flusher.flushed)
}

func TestReconcileReanchors(t *testing.T) {
	cases := []struct {
		name      string
		ifname    string
		newTarget net.IP
	}{
		{name: "interface changed", ifname: "l2tpeth1", newTarget: net.ParseIP("10.30.30.2")},
		{name: "target changed", ifname: "l2tpeth0", newTarget: net.ParseIP("10.30.30.6")},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			backend := newRecordingBackend()
			target := &staticTarget{ip: net.ParseIP("10.30.30.2")}
			m := newTestManager(backend, target, nil)

			require.NoError(t, m.Reconcile([]Port{tcp(443)}, "l2tpeth0"))
			backend.takeCalls()

			target.ip = c.newTarget
			require.NoError(t, m.Reconcile([]Port{tcp(443)}, c.ifname))
			require.Equal(t, []string{
				"remove tcp/443 l2tpeth0 10.30.30.2",
				fmt.Sprintf("add tcp/443 %s %v", c.ifname, c.newTarget),
			}, backend.takeCalls())

			r := backend.rules[tcp(443)]
			require.Equal(t, c.ifname, r.Interface)
			require.True(t, r.Target.Equal(c.newTarget))
		})
	}
}

func TestReconcilePartialFailure(t *testing.T) {
	backend := newRecordingBackend()
	backend.failAdd[tcp(22)] = -1
	m := newTestManager(backend, &staticTarget{ip: net.ParseIP("10.30.30.2")}, nil)

	err := m.Reconcile([]Port{tcp(22), tcp(443), udp(53)}, "l2tpeth0")
	var pf *PartialFailure
	require.True(t, errors.As(err, &pf), "got %v", err)
	require.Len(t, pf.Failed, 1)
	require.Equal(t, tcp(22), pf.Failed[0].Port)
	require.Equal(t, "add", pf.Failed[0].Op)
	require.Equal(t, []Port{tcp(443), udp(53)}, m.Active())

	// Every attempt was made.
	adds := 0
	for _, c := range backend.takeCalls() {
		if c == "add tcp/22 l2tpeth0 10.30.30.2" {
			adds++
		}
	}
	require.Equal(t, 3, adds)
}

func TestReconcileRetriesTransientFailure(t *testing.T) {
	backend := newRecordingBackend()
	backend.failAdd[tcp(443)] = 2
	m := newTestManager(backend, &staticTarget{ip: net.ParseIP("10.30.30.2")}, nil)

	require.NoError(t, m.Reconcile([]Port{tcp(443)}, "l2tpeth0"))
	require.Equal(t, []Port{tcp(443)}, m.Active())
}

func TestReconcileRemoveFailureKeepsRule(t *testing.T) {
	backend := newRecordingBackend()
	m := newTestManager(backend, &staticTarget{ip: net.ParseIP("10.30.30.2")}, nil)
	require.NoError(t, m.Reconcile([]Port{tcp(443)}, "l2tpeth0"))

	backend.failRemove[tcp(443)] = -1
	err := m.Reconcile([]Port{tcp(443)}, "l2tpeth1")
	var pf *PartialFailure
	require.True(t, errors.As(err, &pf), "got %v", err)
	require.Equal(t, "remove", pf.Failed[0].Op)

	// Still installed on the old interface; not re-added on the new one.
	require.Equal(t, []Port{tcp(443)}, m.Active())
	require.Equal(t, "l2tpeth0", backend.rules[tcp(443)].Interface)
}

func TestReconcileErrors(t *testing.T) {
	backend := newRecordingBackend()

	m := newTestManager(backend, &staticTarget{ip: net.ParseIP("10.30.30.2")}, nil)
	require.Error(t, m.Reconcile([]Port{tcp(443)}, ""))

	m = newTestManager(backend, &staticTarget{err: errors.New("no role")}, nil)
	require.Error(t, m.Reconcile([]Port{tcp(443)}, "l2tpeth0"))
	require.Empty(t, m.Active())
	require.Empty(t, backend.takeCalls())
}

func TestReconcileNothingWithoutTarget(t *testing.T) {
	backend := newRecordingBackend()
	m := newTestManager(backend, &staticTarget{err: errors.New("role OUTSIDE does not forward ports")}, nil)

	require.NoError(t, m.Reconcile(nil, "l2tpeth0"))
	require.Equal(t, "l2tpeth0", m.Interface())
	require.Empty(t, m.Active())
	require.Empty(t, backend.takeCalls())
	require.Equal(t, 0, backend.setups)

	require.NoError(t, m.Refresh([]Port{}))
	require.Error(t, m.Refresh([]Port{tcp(443)}))
}

func TestReconcileToEmptyRemovesAll(t *testing.T) {
	backend := newRecordingBackend()
	target := &staticTarget{ip: net.ParseIP("10.30.30.2")}
	m := newTestManager(backend, target, nil)
	require.NoError(t, m.Reconcile([]Port{tcp(443)}, "l2tpeth0"))
	backend.takeCalls()

	target.ip, target.err = nil, errors.New("no target")
	require.NoError(t, m.Reconcile(nil, "l2tpeth0"))
	require.Equal(t, []string{"remove tcp/443 l2tpeth0 10.30.30.2"}, backend.takeCalls())
	require.Empty(t, m.Active())
}

func TestTeardownAll(t *testing.T) {
	backend := newRecordingBackend()
	flusher := &recordingFlusher{}
	m := newTestManager(backend, &staticTarget{ip: net.ParseIP("10.30.30.2")}, flusher)

	// Tearing down with nothing installed is harmless.
	m.TeardownAll()
	require.Equal(t, 0, backend.cleanups)

	require.NoError(t, m.Reconcile([]Port{tcp(443), udp(53)}, "l2tpeth0"))
	backend.failRemove[udp(53)] = -1

	m.TeardownAll()
	require.Empty(t, m.Active())
	require.Equal(t, "", m.Interface())
	require.Equal(t, 1, backend.cleanups)
	require.Empty(t, backend.rules)
	require.Equal(t, []Port{tcp(443)}, flusher.flushed)

	m.TeardownAll()
	require.Equal(t, 1, backend.cleanups)
}

func TestRefresh(t *testing.T) {
	backend := newRecordingBackend()
	m := newTestManager(backend, &staticTarget{ip: net.ParseIP("10.30.30.2")}, nil)

	// Detached: nothing happens.
	require.NoError(t, m.Refresh([]Port{tcp(443)}))
	require.Empty(t, m.Active())
	require.Empty(t, backend.takeCalls())

	require.NoError(t, m.Reconcile([]Port{tcp(443)}, "l2tpeth0"))
	require.NoError(t, m.Refresh([]Port{tcp(443), tcp(80)}))
	require.Equal(t, []Port{tcp(80), tcp(443)}, m.Active())

	m.TeardownAll()
	require.NoError(t, m.Refresh([]Port{tcp(443), tcp(80), tcp(22)}))
	require.Empty(t, m.Active())

	// Setup runs again after a teardown.
	require.NoError(t, m.Reconcile([]Port{tcp(22)}, "l2tpeth0"))
	require.Equal(t, 2, backend.setups)
}

func TestNullBackend(t *testing.T) {
	backend := NewNullBackend()
	m := newTestManager(backend, &staticTarget{ip: net.ParseIP("10.30.30.2")}, nil)

	require.NoError(t, m.Reconcile([]Port{udp(53), tcp(443)}, "l2tpeth0"))
	rules := backend.Rules()
	require.Len(t, rules, 2)
	require.Equal(t, tcp(443), rules[0].Port)

	m.TeardownAll()
	require.Empty(t, backend.Rules())
	require.Error(t, backend.AddRule(Rule{Port: tcp(1)}))
}
