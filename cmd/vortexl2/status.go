package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/katalix/vortexl2/forward"
	"github.com/katalix/vortexl2/l2tp"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// statusRecord is what the daemon publishes for the status command.
type statusRecord struct {
	PID                      int       `yaml:"pid"`
	Role                     string    `yaml:"role"`
	State                    string    `yaml:"state"`
	InterfaceName            string    `yaml:"interface_name,omitempty"`
	TunnelID                 uint32    `yaml:"tunnel_id,omitempty"`
	SessionID                uint32    `yaml:"session_id,omitempty"`
	UpSince                  time.Time `yaml:"up_since,omitempty"`
	ConsecutiveProbeFailures int       `yaml:"consecutive_probe_failures"`
	LastError                string    `yaml:"last_error,omitempty"`
	ForwardedPorts           []string  `yaml:"forwarded_ports"`
	Updated                  time.Time `yaml:"updated"`
}

func newStatusRecord(now time.Time, role string, st l2tp.Status, active []forward.Port) *statusRecord {
	rec := &statusRecord{
		PID:                      os.Getpid(),
		Role:                     role,
		State:                    st.State.String(),
		InterfaceName:            st.InterfaceName,
		TunnelID:                 uint32(st.TunnelID),
		SessionID:                uint32(st.SessionID),
		ConsecutiveProbeFailures: st.ConsecutiveProbeFailures,
		LastError:                st.LastError,
		ForwardedPorts:           make([]string, len(active)),
		Updated:                  now,
	}
	if st.Uptime > 0 {
		rec.UpSince = now.Add(-st.Uptime).Truncate(time.Second)
	}
	for i, p := range active {
		rec.ForwardedPorts[i] = p.String()
	}
	return rec
}

func writeStatus(path string, rec *statusRecord) error {
	b, err := yaml.Marshal(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readStatus(path string) (*statusRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec statusRecord
	if err := yaml.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse status file %s: %v", path, err)
	}
	return &rec, nil
}

// printStatus renders rec for humans.  A record left behind by a daemon
// which is no longer running is reported as down.
func printStatus(w io.Writer, rec *statusRecord, now time.Time) {
	state := rec.State
	if !processAlive(rec.PID) {
		state = "down (daemon not running)"
	}
	fmt.Fprintf(w, "State:          %s\n", state)
	fmt.Fprintf(w, "Role:           %s\n", rec.Role)
	if rec.InterfaceName != "" {
		fmt.Fprintf(w, "Interface:      %s\n", rec.InterfaceName)
		fmt.Fprintf(w, "Tunnel ID:      %d\n", rec.TunnelID)
		fmt.Fprintf(w, "Session ID:     %d\n", rec.SessionID)
	}
	if !rec.UpSince.IsZero() && processAlive(rec.PID) {
		fmt.Fprintf(w, "Uptime:         %v\n", now.Sub(rec.UpSince).Truncate(time.Second))
	}
	fmt.Fprintf(w, "Probe failures: %d\n", rec.ConsecutiveProbeFailures)
	if rec.LastError != "" {
		fmt.Fprintf(w, "Last error:     %s\n", rec.LastError)
	}
	ports := "none"
	if len(rec.ForwardedPorts) > 0 {
		ports = strings.Join(rec.ForwardedPorts, ", ")
	}
	fmt.Fprintf(w, "Forwarding:     %s\n", ports)
}

func writePidFile(path string) error {
	if pid, err := readPidFile(path); err == nil && pid != os.Getpid() && processAlive(pid) {
		return fmt.Errorf("already running with pid %d", pid)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

func readPidFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s", path)
	}
	return pid, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// signalDaemon sends sig to the daemon named in the pid file.  It returns
// false if no daemon is running.
func signalDaemon(pidFile string, sig unix.Signal) (bool, error) {
	pid, err := readPidFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if !processAlive(pid) {
		return false, nil
	}
	if err := unix.Kill(pid, sig); err != nil {
		return false, fmt.Errorf("failed to signal pid %d: %v", pid, err)
	}
	return true, nil
}
