/*
The vortexl2 command manages one end of a static L2TPv3 tunnel and the port
forwarding rules carried across it.

	vortexl2 config set role IRAN
	vortexl2 config set ip_iran 192.0.2.1
	vortexl2 config set ip_kharej 198.51.100.7
	vortexl2 add-port tcp/443 udp/51820
	vortexl2 start

"start" runs the daemon in the foreground and is meant to be supervised by
a service manager: it exits with status 1 if the tunnel can't be brought
up or is lost.  SIGHUP makes a running daemon re-read its configuration,
which add-port, remove-port and config set send automatically.

Daemon tunables are read from the environment:

	VORTEXL2_PROBE_INTERVAL     time between liveness probes (5s)
	VORTEXL2_PROBE_TIMEOUT      time to wait for a probe reply (1s)
	VORTEXL2_FAILURE_THRESHOLD  consecutive failed probes before the tunnel is lost (3)
	VORTEXL2_START_TIMEOUT      time to wait for the peer at start, 0 for no limit (0s)
	VORTEXL2_RULE_ATTEMPTS      tries per forwarding rule change (3)
	VORTEXL2_PID_FILE           (/run/vortexl2/vortexl2.pid)
	VORTEXL2_STATUS_FILE        (/run/vortexl2/status.yaml)
*/
package main

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/katalix/vortexl2/config"
	"github.com/katalix/vortexl2/forward"
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"
	"gopkg.in/natefinch/lumberjack.v2"
)

const version = config.FormatVersion

func newLogger(w io.Writer, verbose bool) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	if verbose {
		return level.NewFilter(logger, level.AllowDebug())
	}
	return level.NewFilter(logger, level.AllowInfo())
}

func logWriter(c *cli.Context) io.Writer {
	if path := c.GlobalString("log-file"); path != "" {
		return &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	return c.App.ErrWriter
}

func contextLogger(c *cli.Context) log.Logger {
	return newLogger(logWriter(c), c.GlobalBool("verbose"))
}

func openStore(c *cli.Context) (*config.Store, error) {
	return config.Open(c.GlobalString("config"), contextLogger(c))
}

func contextSettings(c *cli.Context) (*settings, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %v", err)
	}
	if p := c.GlobalString("pid-file"); p != "" {
		s.PidFile = p
	}
	if p := c.GlobalString("status-file"); p != "" {
		s.StatusFile = p
	}
	return s, nil
}

// notifyDaemon asks a running daemon to pick up a config change.
func notifyDaemon(c *cli.Context) error {
	s, err := contextSettings(c)
	if err != nil {
		return err
	}
	running, err := signalDaemon(s.PidFile, unix.SIGHUP)
	if err != nil {
		return err
	}
	if running {
		fmt.Fprintln(c.App.Writer, "daemon notified")
	}
	return nil
}

func startAction(c *cli.Context) error {
	s, err := contextSettings(c)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	logger := contextLogger(c)

	store, err := config.Open(c.GlobalString("config"), logger)
	if err != nil {
		return cli.NewExitError(err, 1)
	}

	var d *deps
	if c.Bool("null") {
		d = nullDeps()
	} else {
		target, err := store.ForwardTarget()
		ipv6 := err == nil && target.To4() == nil
		d, err = kernelDeps(logger, s, ipv6)
		if err != nil {
			return cli.NewExitError(err, 1)
		}
	}

	app := newApplication(store, s, logger, d)
	if code := app.run(); code != 0 {
		return cli.NewExitError("", code)
	}
	return nil
}

func stopAction(c *cli.Context) error {
	s, err := contextSettings(c)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	pid, _ := readPidFile(s.PidFile)
	running, err := signalDaemon(s.PidFile, unix.SIGTERM)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	if !running {
		fmt.Fprintln(c.App.Writer, "not running")
		return nil
	}

	deadline := time.Now().Add(c.Duration("timeout"))
	for processAlive(pid) {
		if time.Now().After(deadline) {
			return cli.NewExitError(fmt.Sprintf("pid %d still running after %v", pid, c.Duration("timeout")), 1)
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintln(c.App.Writer, "stopped")
	return nil
}

func statusAction(c *cli.Context) error {
	s, err := contextSettings(c)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	rec, err := readStatus(s.StatusFile)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(c.App.Writer, "State:          down (daemon not running)")
			return nil
		}
		return cli.NewExitError(err, 1)
	}
	printStatus(c.App.Writer, rec, time.Now())
	return nil
}

func portsAction(add bool) func(c *cli.Context) error {
	return func(c *cli.Context) error {
		if c.NArg() == 0 {
			return cli.NewExitError("expected at least one port, e.g. tcp/443", 1)
		}
		store, err := openStore(c)
		if err != nil {
			return cli.NewExitError(err, 1)
		}

		for _, arg := range c.Args() {
			p, err := forward.ParsePort(arg)
			if err != nil {
				return cli.NewExitError(err, 1)
			}
			var changed bool
			if add {
				changed, err = store.AddPort(p)
			} else {
				changed, err = store.RemovePort(p)
			}
			if err != nil {
				return cli.NewExitError(err, 1)
			}
			switch {
			case changed && add:
				fmt.Fprintf(c.App.Writer, "added %v\n", p)
			case changed:
				fmt.Fprintf(c.App.Writer, "removed %v\n", p)
			case add:
				fmt.Fprintf(c.App.Writer, "%v already forwarded\n", p)
			default:
				fmt.Fprintf(c.App.Writer, "%v not forwarded\n", p)
			}
		}

		if err := notifyDaemon(c); err != nil {
			return cli.NewExitError(err, 1)
		}
		return nil
	}
}

func configShowAction(c *cli.Context) error {
	store, err := openStore(c)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	b, err := store.Encode(store.Snapshot())
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	fmt.Fprintf(c.App.Writer, "# %s\n%s", store.Path(), b)
	if !store.IsConfigured() {
		fmt.Fprintln(c.App.Writer, "# incomplete: role, ip_iran and ip_kharej must all be set")
	}
	return nil
}

func configSetAction(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.NewExitError(fmt.Sprintf("usage: config set KEY VALUE, KEY one of %v", config.SettableKeys()), 1)
	}
	store, err := openStore(c)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	if err := store.Set(c.Args().Get(0), c.Args().Get(1)); err != nil {
		return cli.NewExitError(err, 1)
	}
	if err := notifyDaemon(c); err != nil {
		return cli.NewExitError(err, 1)
	}
	return nil
}

func newApp(stdout, stderr io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "vortexl2"
	app.Usage = "static L2TPv3 tunnel with port forwarding"
	app.Version = version
	app.Writer = stdout
	app.ErrWriter = stderr

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Value:  config.DefaultPath,
			Usage:  "configuration file path, .toml for TOML, otherwise YAML",
			EnvVar: "VORTEXL2_CONFIG",
		},
		cli.BoolFlag{
			Name:  "verbose",
			Usage: "toggle verbose log output",
		},
		cli.StringFlag{
			Name:   "log-file",
			Usage:  "log to a rotated file rather than stderr",
			EnvVar: "VORTEXL2_LOG_FILE",
		},
		cli.StringFlag{
			Name:  "pid-file",
			Usage: "override VORTEXL2_PID_FILE",
		},
		cli.StringFlag{
			Name:  "status-file",
			Usage: "override VORTEXL2_STATUS_FILE",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:  "start",
			Usage: "bring the tunnel up and forward ports until told to stop",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "null",
					Usage: "toggle null data plane: no kernel tunnel or netfilter rules",
				},
			},
			Action: startAction,
		},
		{
			Name:  "stop",
			Usage: "stop a running daemon",
			Flags: []cli.Flag{
				cli.DurationFlag{
					Name:  "timeout",
					Value: 10 * time.Second,
					Usage: "how long to wait for the daemon to exit",
				},
			},
			Action: stopAction,
		},
		{
			Name:   "status",
			Usage:  "show tunnel and forwarding state",
			Action: statusAction,
		},
		{
			Name:      "add-port",
			Usage:     "forward one or more ports",
			ArgsUsage: "[tcp/|udp/]PORT...",
			Action:    portsAction(true),
		},
		{
			Name:      "remove-port",
			Usage:     "stop forwarding one or more ports",
			ArgsUsage: "[tcp/|udp/]PORT...",
			Action:    portsAction(false),
		},
		{
			Name:  "config",
			Usage: "inspect or change the configuration",
			Subcommands: []cli.Command{
				{
					Name:   "show",
					Usage:  "print the configuration document",
					Action: configShowAction,
				},
				{
					Name:      "set",
					Usage:     "set one configuration value",
					ArgsUsage: "KEY VALUE",
					Action:    configSetAction,
				},
			},
		},
	}
	return app
}

func main() {
	app := newApp(os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		stdlog.Fatalf("%v", err)
	}
}
