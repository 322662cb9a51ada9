package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/katalix/vortexl2/config"
	"github.com/katalix/vortexl2/forward"
	"github.com/katalix/vortexl2/l2tp"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type startResult struct {
	gen uint64
	err error
}

// forwardJob is a forwarding change queued by a tunnel event: reconcile
// onto ifname, or tear down when down is set.
type forwardJob struct {
	ifname string
	down   *l2tp.TunnelDownEvent
}

type application struct {
	store     *config.Store
	settings  *settings
	logger    log.Logger
	driver    l2tp.TunnelDriver
	manager   *l2tp.Manager
	forwarder *forward.Manager
	sigChan   chan os.Signal
	startChan chan startResult
	fatalChan chan *l2tp.TunnelDownEvent
	closeChan chan interface{}
	fwdChan   chan forwardJob
	fwdDone   chan interface{}
	wg        sync.WaitGroup

	// params the running tunnel was started with
	params   *l2tp.TunnelParams
	startGen uint64

	// startMu orders cancelling a start against that start stopping the
	// manager to retry.
	startMu     sync.Mutex
	startCancel context.CancelFunc
}

// deps are the pieces newApplication would otherwise build for itself.
type deps struct {
	driver  l2tp.TunnelDriver
	backend forward.Backend
	flusher forward.Flusher
	prober  l2tp.Prober
}

func kernelDeps(logger log.Logger, s *settings, ipv6 bool) (*deps, error) {
	driver, err := l2tp.NewNetlinkDriver(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create tunnel driver: %v", err)
	}
	backend, err := forward.NewIPTablesBackend(logger, ipv6)
	if err != nil {
		driver.Close()
		return nil, fmt.Errorf("failed to create rule backend: %v", err)
	}
	return &deps{
		driver:  driver,
		backend: backend,
		flusher: forward.NewConntrackFlusher(logger),
		prober:  l2tp.NewICMPProber(s.ProbeTimeout),
	}, nil
}

func nullDeps() *deps {
	return &deps{
		driver:  l2tp.NewNullDriver(),
		backend: forward.NewNullBackend(),
		prober: l2tp.ProberFunc(func(ctx context.Context, target net.IP) error {
			return nil
		}),
	}
}

func newApplication(store *config.Store, s *settings, logger log.Logger, d *deps) *application {
	app := &application{
		store:     store,
		settings:  s,
		logger:    logger,
		driver:    d.driver,
		sigChan:   make(chan os.Signal, 1),
		startChan: make(chan startResult, 1),
		fatalChan: make(chan *l2tp.TunnelDownEvent, 1),
		closeChan: make(chan interface{}),
		fwdChan:   make(chan forwardJob, 8),
		fwdDone:   make(chan interface{}),
	}

	app.manager = l2tp.NewManager(logger, d.driver, store, d.prober, &l2tp.ManagerConfig{
		ProbeInterval:    s.ProbeInterval,
		FailureThreshold: s.FailureThreshold,
		StartTimeout:     s.StartTimeout,
	})
	app.forwarder = forward.NewManager(logger, d.backend, store, d.flusher, &forward.Config{
		Attempts:   s.RuleAttempts,
		RetryDelay: 100 * time.Millisecond,
	})
	app.manager.RegisterEventHandler(app)
	go app.forwardLoop()
	return app
}

// HandleEvent is called with the tunnel manager's transition lock held, so
// it must not call back into the manager.  Forwarding changes are handed
// to forwardLoop.
func (app *application) HandleEvent(event interface{}) {
	switch ev := event.(type) {
	case *l2tp.TunnelUpEvent:
		level.Info(app.logger).Log(
			"message", "tunnel up",
			"interface_name", ev.InterfaceName,
			"tunnel_id", ev.Descriptor.Config.TunnelID,
			"peer_tunnel_id", ev.Descriptor.Config.PeerTunnelID,
			"session_id", ev.Descriptor.Config.SessionID,
			"peer_session_id", ev.Descriptor.Config.PeerSessionID)
		app.fwdChan <- forwardJob{ifname: ev.InterfaceName}

	case *l2tp.TunnelDegradedEvent:
		level.Info(app.logger).Log(
			"message", "tunnel degraded, keeping forwarding rules",
			"consecutive_failures", ev.ConsecutiveFailures)

	case *l2tp.TunnelRecoveredEvent:
		level.Info(app.logger).Log("message", "tunnel recovered")

	case *l2tp.TunnelDownEvent:
		level.Info(app.logger).Log(
			"message", "tunnel down",
			"interface_name", ev.InterfaceName,
			"reason", ev.Reason,
			"error", ev.Err)
		app.fwdChan <- forwardJob{down: ev}
	}
}

// forwardLoop applies queued forwarding changes in event order.  A fatal
// down event is passed to the run loop once its rules are gone.
func (app *application) forwardLoop() {
	defer close(app.fwdDone)
	for job := range app.fwdChan {
		if job.down == nil {
			app.reconcilePorts(job.ifname)
			continue
		}
		app.forwarder.TeardownAll()
		if job.down.Fatal {
			select {
			case app.fatalChan <- job.down:
			default:
			}
		}
	}
}

func (app *application) reconcilePorts(ifname string) {
	desired, err := app.store.DesiredPorts()
	if err != nil {
		level.Error(app.logger).Log("message", "failed to read forwarded ports", "error", err)
		return
	}
	if err := app.forwarder.Reconcile(desired, ifname); err != nil {
		level.Error(app.logger).Log("message", "failed to apply forwarding rules", "error", err)
	}
}

func (app *application) refreshPorts() {
	desired, err := app.store.DesiredPorts()
	if err != nil {
		level.Error(app.logger).Log("message", "failed to read forwarded ports", "error", err)
		return
	}
	if err := app.forwarder.Refresh(desired); err != nil {
		level.Error(app.logger).Log("message", "failed to apply forwarding rules", "error", err)
	}
}

// startTunnel kicks off Start in the background, abandoning any earlier
// start.  The result arrives on startChan tagged with a generation, so
// results of abandoned starts can be told apart.
func (app *application) startTunnel() {
	params, err := app.store.TunnelParams()
	if err == nil {
		app.params = params
	}

	ctx, cancel := context.WithCancel(context.Background())
	app.startMu.Lock()
	if app.startCancel != nil {
		app.startCancel()
	}
	app.startCancel = cancel
	app.startMu.Unlock()

	app.startGen++
	gen := app.startGen

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		err := app.manager.Start(ctx)
		for attempt := 1; attempt < maxStartAttempts; attempt++ {
			// An abandoned start reached the manager first, either
			// holding the tunnel or stopping ours.
			if !errors.Is(err, l2tp.ErrTunnelExists) && !errors.Is(err, l2tp.ErrStartCancelled) {
				break
			}
			if !app.clearStaleTunnel(ctx) {
				break
			}
			level.Debug(app.logger).Log("message", "start superseded, retrying", "error", err)
			err = app.manager.Start(ctx)
		}
		app.startChan <- startResult{gen: gen, err: err}
	}()
}

const maxStartAttempts = 3

// clearStaleTunnel stops the manager on behalf of the start owning ctx.
// It does nothing once that start has been abandoned.
func (app *application) clearStaleTunnel(ctx context.Context) bool {
	app.startMu.Lock()
	defer app.startMu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	app.manager.Stop()
	return true
}

func (app *application) cancelStart() {
	app.startMu.Lock()
	defer app.startMu.Unlock()
	if app.startCancel != nil {
		app.startCancel()
	}
}

// reload re-reads the config document.  Port changes are applied in
// place; anything that changes the tunnel itself restarts it.
func (app *application) reload() {
	if err := app.store.Reload(); err != nil {
		level.Error(app.logger).Log("message", "failed to reload configuration", "error", err)
		return
	}

	params, err := app.store.TunnelParams()
	if err != nil {
		level.Error(app.logger).Log("message", "configuration no longer usable", "error", err)
	}

	if err == nil && reflect.DeepEqual(params, app.params) {
		level.Info(app.logger).Log("message", "configuration reloaded, updating forwarded ports")
		app.refreshPorts()
		return
	}

	level.Info(app.logger).Log("message", "tunnel configuration changed, restarting tunnel")
	app.cancelStart()
	app.manager.Stop()
	if err == nil {
		app.startTunnel()
	}
}

func (app *application) publishStatus() {
	role := ""
	if r, ok := app.store.Role(); ok {
		role = string(r)
	}
	rec := newStatusRecord(time.Now(), role, app.manager.Status(), app.forwarder.Active())
	if err := writeStatus(app.settings.StatusFile, rec); err != nil {
		level.Debug(app.logger).Log("message", "failed to write status file", "error", err)
	}
}

func (app *application) run() int {

	signal.Notify(app.sigChan, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)
	defer signal.Stop(app.sigChan)

	if err := writePidFile(app.settings.PidFile); err != nil {
		level.Error(app.logger).Log("message", "failed to write pid file", "error", err)
		return 1
	}
	defer os.Remove(app.settings.PidFile)

	level.Info(app.logger).Log(
		"message", "starting",
		"user_id", app.store.UserID(),
		"config", app.store.Path(),
		"local", app.store.LocalIP(),
		"remote", app.store.RemoteIP())

	app.startTunnel()
	app.publishStatus()

	ticker := time.NewTicker(app.settings.ProbeInterval)
	defer ticker.Stop()

	exitCode := 0
	var shutdown bool
	for {
		select {
		case sig := <-app.sigChan:
			if sig == unix.SIGHUP {
				if !shutdown {
					app.reload()
					app.publishStatus()
				}
				break
			}
			if !shutdown {
				level.Info(app.logger).Log("message", "received signal, shutting down")
				shutdown = true
				go app.shutdown()
			} else {
				level.Info(app.logger).Log("message", "pending graceful shutdown")
			}

		case res := <-app.startChan:
			if res.gen != app.startGen || shutdown {
				break
			}
			if res.err != nil && !errors.Is(res.err, l2tp.ErrStartCancelled) {
				level.Error(app.logger).Log("message", "failed to start tunnel", "error", res.err)
				var cerr *l2tp.ConfigIncompleteError
				if errors.As(res.err, &cerr) {
					level.Error(app.logger).Log("message", "run 'vortexl2 config set' to complete the configuration")
				}
				exitCode = 1
				shutdown = true
				go app.shutdown()
			}
			app.publishStatus()

		case ev := <-app.fatalChan:
			level.Error(app.logger).Log("message", "tunnel lost, exiting", "error", ev.Err)
			if !shutdown {
				exitCode = 1
				shutdown = true
				go app.shutdown()
			}

		case <-ticker.C:
			app.publishStatus()

		case <-app.closeChan:
			app.publishStatus()
			return exitCode
		}
	}
}

func (app *application) shutdown() {
	app.cancelStart()
	app.manager.Stop()
	app.wg.Wait()

	// The manager is down and raises no more events.
	close(app.fwdChan)
	<-app.fwdDone
	app.forwarder.TeardownAll()
	app.driver.Close()
	level.Info(app.logger).Log("message", "graceful shutdown complete")
	close(app.closeChan)
}
