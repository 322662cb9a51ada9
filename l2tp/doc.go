/*
Package l2tp manages a single static L2TPv3 tunnel between two peers on
Linux systems.

L2TPv3 is specified by RFC3931.  A static (or "unmanaged") tunnel runs no
control protocol at all: the tunnel and its session are instantiated in the
kernel data plane directly, and all parameters, including tunnel and session
IDs, must be agreed ahead of time by the peers terminating the tunnel.  This
is equivalent to the Linux 'ip l2tp' command(s).

Package l2tp is split into two layers.

The TunnelDriver is the single point of contact with kernel networking.  It
creates and destroys the tunnel and its Ethernet pseudowire session, and
manages the resulting virtual interface: its address and its administrative
state.  NewNetlinkDriver talks to the kernel via. the L2TP generic netlink
family and rtnetlink; NewNullDriver keeps everything in memory and is useful
for testing and for running without root.

The Manager owns the tunnel lifecycle.  It drives the driver to realise the
tunnel described by a ParamSource, probes the link for liveness once it is
up, and tears the tunnel down again on Stop or when the link is lost.

Usage

	import (
		"github.com/katalix/vortexl2/config"
		"github.com/katalix/vortexl2/l2tp"
	)

	# Note we're ignoring errors for brevity.

	store, _ := config.Open("/etc/vortexl2/config.yaml", logger)
	driver, _ := l2tp.NewNetlinkDriver(logger)
	mgr := l2tp.NewManager(logger, driver, store,
		l2tp.NewICMPProber(time.Second), l2tp.DefaultManagerConfig())

	# Start blocks until the peer answers a liveness probe.
	_ = mgr.Start(context.Background())

	fmt.Println(mgr.Status())

	mgr.Stop()

Tunnel states

The tunnel moves between the states down, starting, up, degraded and
stopping.  A tunnel is degraded when a liveness probe has failed but the
kernel objects still exist: forwarding continues, and a single successful
probe returns the tunnel to up.  Once consecutive probe failures reach the
configured threshold the tunnel is torn down and a fatal TunnelDownEvent is
delivered.  The manager never restarts a lost tunnel by itself.

Events

Applications may register an EventHandler to be told about state
transitions.  Events are delivered synchronously while the manager holds its
transition lock, so handlers must not call Start or Stop.  Status may be
called freely.

Logging

Package l2tp uses structured logging.  The logger of choice is the go-kit
logger: https://godoc.org/github.com/go-kit/kit/log, and uses go-kit levels
in order to separate verbose debugging logs from normal informational output:
https://godoc.org/github.com/go-kit/kit/log/level.

Logging emitted at level.Info should be enabled for normal useful runtime
information about the lifetime of the tunnel.

Logging emitted at level.Debug should be enabled for more verbose output
allowing development debugging of the code or troubleshooting a misbehaving
link.

To disable all logging from package l2tp, pass in a nil logger.

*/
package l2tp
