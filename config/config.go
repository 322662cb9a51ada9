/*
Package config implements the persistent configuration store for a
vortexl2 endpoint.

The store is a single document, YAML by default or TOML when the file name
ends in ".toml".  Every setter writes the document back to disk before
returning, so the file always reflects what the daemon will act on.

	# version is the configuration format version.
	version: 1.0.0

	# user_id identifies this installation.  It is generated on first
	# load and never changes afterwards.
	user_id: 3F2A9C1B

	# role is either IRAN, the inside-network endpoint which forwards
	# ports, or OUTSIDE, the remote endpoint.
	role: IRAN

	# ip_iran and ip_kharej are the public addresses of the IRAN and
	# OUTSIDE hosts.  Each host works out which is local from its role.
	ip_iran: 192.0.2.1
	ip_kharej: 198.51.100.7

	# iran_iface_ip is the IRAN end's tunnel interface address.  Its
	# prefix length applies to both ends.
	iran_iface_ip: 10.30.30.1/30

	# remote_forward_ip is the OUTSIDE end's tunnel interface address,
	# and where the IRAN end forwards ports to.
	remote_forward_ip: 10.30.30.2

	# forwarded_ports lists "proto/port" pairs.  A bare number means tcp.
	forwarded_ports:
	  - tcp/443
	  - udp/51820
	  - 8080

	# encap is "ip" (the default) or "udp".  udp_port applies to udp
	# encapsulation only and defaults to 1701.
	encap: ip
	udp_port: 1701

	# interface_name names the tunnel interface.  The default is l2tpeth0.
	interface_name: l2tpeth0

	# mtu sets the tunnel interface MTU.  0 keeps the kernel default.
	mtu: 0

The file is created with mode 0600 inside a directory of mode 0700.
*/
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"
	"github.com/katalix/vortexl2/forward"
	"github.com/katalix/vortexl2/l2tp"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the store lives unless told otherwise.
const DefaultPath = "/etc/vortexl2/config.yaml"

// Document keys.
const (
	KeyVersion         = "version"
	KeyUserID          = "user_id"
	KeyRole            = "role"
	KeyIPIran          = "ip_iran"
	KeyIPKharej        = "ip_kharej"
	KeyIfaceIP         = "iran_iface_ip"
	KeyRemoteForwardIP = "remote_forward_ip"
	KeyForwardedPorts  = "forwarded_ports"
	KeyEncap           = "encap"
	KeyUDPPort         = "udp_port"
	KeyInterfaceName   = "interface_name"
	KeyMTU             = "mtu"
)

// FormatVersion is written to new documents.
const FormatVersion = "1.0.0"

const (
	DefaultIfaceIP         = "10.30.30.1/30"
	DefaultRemoteForwardIP = "10.30.30.2"
	DefaultInterfaceName   = "l2tpeth0"
)

var defaults = []struct {
	key   string
	value interface{}
}{
	{KeyVersion, FormatVersion},
	{KeyUserID, nil},
	{KeyRole, nil},
	{KeyIPIran, nil},
	{KeyIPKharej, nil},
	{KeyIfaceIP, DefaultIfaceIP},
	{KeyRemoteForwardIP, DefaultRemoteForwardIP},
	{KeyForwardedPorts, []interface{}{}},
}

// Store is the persistent configuration of one endpoint.  It is safe for
// concurrent use.
type Store struct {
	logger log.Logger
	path   string
	codec  codec

	mu  sync.RWMutex
	doc map[string]interface{}
}

var (
	_ l2tp.ParamSource     = (*Store)(nil)
	_ forward.TargetSource = (*Store)(nil)
)

// Open loads the store at path, creating it with default values if it
// doesn't exist yet.
func Open(path string, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Store{
		logger: log.With(logger, "component", "config"),
		path:   path,
		codec:  codecFor(path),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the file backing the store.
func (s *Store) Path() string {
	return s.path
}

// Reload re-reads the document from disk.
func (s *Store) Reload() error {
	doc, err := s.codec.load(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load config file %s: %v", s.path, err)
		}
		doc = make(map[string]interface{})
	}

	for _, d := range defaults {
		if _, ok := doc[d.key]; !ok {
			doc[d.key] = d.value
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = doc

	if id, _ := toString(doc[KeyUserID]); id == "" {
		doc[KeyUserID] = newUserID()
		level.Info(s.logger).Log("message", "generated user id", "user_id", doc[KeyUserID])
		if err := s.saveLocked(); err != nil {
			return err
		}
	}
	return nil
}

func newUserID() string {
	return strings.ToUpper(uuid.NewString()[:8])
}

func (s *Store) saveLocked() error {
	b, err := s.codec.encode(s.doc)
	if err != nil {
		return fmt.Errorf("failed to encode config: %v", err)
	}
	if err := writeFileAtomic(s.path, b); err != nil {
		return fmt.Errorf("failed to save config file %s: %v", s.path, err)
	}
	level.Debug(s.logger).Log("message", "saved config", "path", s.path)
	return nil
}

// writeFileAtomic replaces path with data, so that readers never see a
// partially written file.
func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	if err = f.Chmod(0600); err != nil {
		return err
	}
	if _, err = f.Write(data); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// set stores value under key and persists the document.  The previous
// value is restored if it can't be saved.
func (s *Store) set(key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(key, value)
}

func (s *Store) setLocked(key string, value interface{}) error {
	old, existed := s.doc[key]
	s.doc[key] = value
	if err := s.saveLocked(); err != nil {
		if existed {
			s.doc[key] = old
		} else {
			delete(s.doc, key)
		}
		return err
	}
	return nil
}

func (s *Store) get(key string) interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc[key]
}

func (s *Store) getString(key string) string {
	v, _ := toString(s.get(key))
	return v
}

// UserID returns the installation identifier.
func (s *Store) UserID() string { return s.getString(KeyUserID) }

// Version returns the document format version.
func (s *Store) Version() string { return s.getString(KeyVersion) }

// Role returns the configured role, and false if none is set.
func (s *Store) Role() (Role, bool) {
	r, err := ParseRole(s.getString(KeyRole))
	return r, err == nil
}

func (s *Store) IPIran() string          { return s.getString(KeyIPIran) }
func (s *Store) IPKharej() string        { return s.getString(KeyIPKharej) }
func (s *Store) IfaceIP() string         { return s.getString(KeyIfaceIP) }
func (s *Store) RemoteForwardIP() string { return s.getString(KeyRemoteForwardIP) }

// InterfaceName returns the tunnel interface name.
func (s *Store) InterfaceName() string {
	if n := s.getString(KeyInterfaceName); n != "" {
		return n
	}
	return DefaultInterfaceName
}

// Encap returns the configured encapsulation, IP unless set otherwise.
func (s *Store) Encap() (l2tp.EncapType, error) {
	v := s.get(KeyEncap)
	if v == nil {
		return l2tp.EncapTypeIP, nil
	}
	str, err := toString(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %v", KeyEncap, err)
	}
	return l2tp.ParseEncapType(str)
}

// UDPPort returns the port used for UDP encapsulation.
func (s *Store) UDPPort() (uint16, error) {
	v := s.get(KeyUDPPort)
	if v == nil {
		return l2tp.DefaultUDPPort, nil
	}
	n, err := toInt(v)
	if err != nil || n <= 0 || n > 0xffff {
		return 0, fmt.Errorf("%s: invalid port %v", KeyUDPPort, v)
	}
	return uint16(n), nil
}

// MTU returns the tunnel interface MTU, 0 meaning the kernel default.
func (s *Store) MTU() (int, error) {
	v := s.get(KeyMTU)
	if v == nil {
		return 0, nil
	}
	n, err := toInt(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: invalid mtu %v", KeyMTU, v)
	}
	return n, nil
}

// SetRole changes the role.
func (s *Store) SetRole(r Role) error {
	if _, ok := roleTable[r]; !ok {
		return fmt.Errorf("unknown role %q", r)
	}
	return s.set(KeyRole, string(r))
}

func (s *Store) SetIPIran(ip string) error   { return s.setIP(KeyIPIran, ip) }
func (s *Store) SetIPKharej(ip string) error { return s.setIP(KeyIPKharej, ip) }

func (s *Store) SetRemoteForwardIP(ip string) error {
	return s.setIP(KeyRemoteForwardIP, ip)
}

func (s *Store) setIP(key, ip string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("%s: invalid address %q", key, ip)
	}
	return s.set(key, ip)
}

// SetIfaceIP sets the IRAN end's tunnel interface address, in CIDR form.
func (s *Store) SetIfaceIP(cidr string) error {
	if _, _, err := net.ParseCIDR(cidr); err != nil {
		return fmt.Errorf("%s: %v", KeyIfaceIP, err)
	}
	return s.set(KeyIfaceIP, cidr)
}

func (s *Store) SetEncap(e l2tp.EncapType) error {
	if _, err := l2tp.ParseEncapType(e.String()); err != nil {
		return err
	}
	return s.set(KeyEncap, e.String())
}

func (s *Store) SetUDPPort(port uint16) error {
	if port == 0 {
		return fmt.Errorf("%s: port must not be 0", KeyUDPPort)
	}
	return s.set(KeyUDPPort, int(port))
}

// SetInterfaceName names the tunnel interface.
func (s *Store) SetInterfaceName(name string) error {
	if name == "" || len(name) >= 16 || strings.ContainsAny(name, "/ \t") {
		return fmt.Errorf("%s: invalid interface name %q", KeyInterfaceName, name)
	}
	return s.set(KeyInterfaceName, name)
}

func (s *Store) SetMTU(mtu int) error {
	if mtu != 0 && (mtu < 68 || mtu > 0xffff) {
		return fmt.Errorf("%s: %d out of range", KeyMTU, mtu)
	}
	return s.set(KeyMTU, mtu)
}

// setters maps the keys an operator may set to their parsers.
var setters = map[string]func(s *Store, v string) error{
	KeyRole: func(s *Store, v string) error {
		r, err := ParseRole(v)
		if err != nil {
			return err
		}
		return s.SetRole(r)
	},
	KeyIPIran:          (*Store).SetIPIran,
	KeyIPKharej:        (*Store).SetIPKharej,
	KeyIfaceIP:         (*Store).SetIfaceIP,
	KeyRemoteForwardIP: (*Store).SetRemoteForwardIP,
	KeyEncap: func(s *Store, v string) error {
		e, err := l2tp.ParseEncapType(v)
		if err != nil {
			return err
		}
		return s.SetEncap(e)
	},
	KeyUDPPort: func(s *Store, v string) error {
		n, err := toUint16(v)
		if err != nil {
			return fmt.Errorf("%s: %v", KeyUDPPort, err)
		}
		return s.SetUDPPort(n)
	},
	KeyInterfaceName: (*Store).SetInterfaceName,
	KeyMTU: func(s *Store, v string) error {
		n, err := toUint16(v)
		if err != nil {
			return fmt.Errorf("%s: %v", KeyMTU, err)
		}
		return s.SetMTU(int(n))
	},
}

// SettableKeys lists the keys accepted by Set.
func SettableKeys() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set parses value for key and stores it.
func (s *Store) Set(key, value string) error {
	fn, ok := setters[key]
	if !ok {
		return fmt.Errorf("unrecognised parameter '%v'", key)
	}
	return fn(s, value)
}

// ForwardedPorts returns the configured ports.  Bare port numbers are read
// as tcp.
func (s *Store) ForwardedPorts() ([]forward.Port, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.portsLocked()
}

func (s *Store) portsLocked() ([]forward.Port, error) {
	v := s.doc[KeyForwardedPorts]
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s: expected array value", KeyForwardedPorts)
	}
	out := make([]forward.Port, 0, len(list))
	for _, e := range list {
		p, err := toPort(e)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", KeyForwardedPorts, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// SetForwardedPorts replaces the port list.
func (s *Store) SetForwardedPorts(ports []forward.Port) error {
	return s.set(KeyForwardedPorts, portList(ports))
}

func portList(ports []forward.Port) []interface{} {
	list := make([]interface{}, len(ports))
	for i, p := range ports {
		list[i] = p.String()
	}
	return list
}

// AddPort appends p to the port list unless it is already there.  It
// reports whether the list changed.
func (s *Store) AddPort(p forward.Port) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ports, err := s.portsLocked()
	if err != nil {
		return false, err
	}
	for _, have := range ports {
		if have == p {
			return false, nil
		}
	}
	return true, s.setLocked(KeyForwardedPorts, portList(append(ports, p)))
}

// RemovePort drops p from the port list.  It reports whether the list
// changed.
func (s *Store) RemovePort(p forward.Port) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ports, err := s.portsLocked()
	if err != nil {
		return false, err
	}
	kept := ports[:0]
	for _, have := range ports {
		if have != p {
			kept = append(kept, have)
		}
	}
	if len(kept) == len(ports) {
		return false, nil
	}
	return true, s.setLocked(KeyForwardedPorts, portList(kept))
}

// IsConfigured reports whether the role and both peer addresses are set.
func (s *Store) IsConfigured() bool {
	return len(s.missing()) == 0
}

func (s *Store) missing() (missing []string) {
	if _, ok := s.Role(); !ok {
		missing = append(missing, KeyRole)
	}
	if s.IPIran() == "" {
		missing = append(missing, KeyIPIran)
	}
	if s.IPKharej() == "" {
		missing = append(missing, KeyIPKharej)
	}
	return missing
}

func (s *Store) addressing() *Addressing {
	return &Addressing{
		IPIran:          s.IPIran(),
		IPKharej:        s.IPKharej(),
		IfaceIP:         s.IfaceIP(),
		RemoteForwardIP: s.RemoteForwardIP(),
	}
}

// LocalIP returns this host's transport address for the configured role.
func (s *Store) LocalIP() string {
	r, ok := s.Role()
	if !ok {
		return ""
	}
	local, _ := r.Endpoints(s.addressing())
	return local
}

// RemoteIP returns the peer's transport address for the configured role.
func (s *Store) RemoteIP() string {
	r, ok := s.Role()
	if !ok {
		return ""
	}
	_, remote := r.Endpoints(s.addressing())
	return remote
}

// TunnelParams implements l2tp.ParamSource.
func (s *Store) TunnelParams() (*l2tp.TunnelParams, error) {
	if missing := s.missing(); len(missing) > 0 {
		return nil, &l2tp.ConfigIncompleteError{Missing: missing}
	}

	role, _ := s.Role()
	a := s.addressing()
	local, remote := role.Endpoints(a)

	p := &l2tp.TunnelParams{
		Local:         net.ParseIP(local),
		Remote:        net.ParseIP(remote),
		InterfaceName: s.InterfaceName(),
	}
	if p.Local == nil {
		return nil, fmt.Errorf("invalid local address %q", local)
	}
	if p.Remote == nil {
		return nil, fmt.Errorf("invalid remote address %q", remote)
	}

	var err error
	if p.InterfaceCIDR, err = role.InterfaceCIDR(a); err != nil {
		return nil, err
	}
	if p.ProbeTarget, err = role.ProbeTarget(a); err != nil {
		return nil, err
	}
	if p.Encap, err = s.Encap(); err != nil {
		return nil, err
	}
	if p.UDPPort, err = s.UDPPort(); err != nil {
		return nil, err
	}
	if p.MTU, err = s.MTU(); err != nil {
		return nil, err
	}
	return p, nil
}

// ForwardTarget implements forward.TargetSource.
func (s *Store) ForwardTarget() (net.IP, error) {
	r, ok := s.Role()
	if !ok {
		return nil, &l2tp.ConfigIncompleteError{Missing: []string{KeyRole}}
	}
	return r.ForwardTarget(s.addressing())
}

// DesiredPorts returns the ports this host should forward: the configured
// list for a role which forwards ports, otherwise none.
func (s *Store) DesiredPorts() ([]forward.Port, error) {
	r, ok := s.Role()
	if !ok || !r.ForwardsPorts() {
		return nil, nil
	}
	return s.ForwardedPorts()
}

// Snapshot returns a copy of the whole document.
func (s *Store) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.doc))
	for k, v := range s.doc {
		if l, ok := v.([]interface{}); ok {
			v = append([]interface{}(nil), l...)
		}
		out[k] = v
	}
	return out
}

// Encode renders a document in the store's file format.
func (s *Store) Encode(doc map[string]interface{}) ([]byte, error) {
	return s.codec.encode(doc)
}

type codec interface {
	load(path string) (map[string]interface{}, error)
	encode(doc map[string]interface{}) ([]byte, error)
}

func codecFor(path string) codec {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return tomlCodec{}
	}
	return yamlCodec{}
}

type yamlCodec struct{}

func (yamlCodec) load(path string) (map[string]interface{}, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc := make(map[string]interface{})
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		// "null" or "~" decodes to a nil map.
		doc = make(map[string]interface{})
	}
	return doc, nil
}

func (yamlCodec) encode(doc map[string]interface{}) ([]byte, error) {
	return yaml.Marshal(doc)
}

type tomlCodec struct{}

func (tomlCodec) load(path string) (map[string]interface{}, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return tree.ToMap(), nil
}

// TOML has no null, so unset keys are left out.
func (tomlCodec) encode(doc map[string]interface{}) ([]byte, error) {
	m := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		if v != nil {
			m[k] = v
		}
	}
	tree, err := toml.TreeFromMap(m)
	if err != nil {
		return nil, err
	}
	s, err := tree.ToTomlString()
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func toString(v interface{}) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	}
	return "", fmt.Errorf("supplied value could not be parsed as a string")
}

// YAML decodes numbers as int, go-toml's ToMap as int64 or uint64.
func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		if n > 1<<31-1 {
			return 0, fmt.Errorf("value %d out of range", n)
		}
		return int(n), nil
	}
	return 0, fmt.Errorf("unexpected %T value %v", v, v)
}

func toUint16(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return uint16(n), nil
}

func toPort(v interface{}) (forward.Port, error) {
	if s, ok := v.(string); ok {
		return forward.ParsePort(s)
	}
	n, err := toInt(v)
	if err != nil {
		return forward.Port{}, err
	}
	if n <= 0 || n > 0xffff {
		return forward.Port{}, fmt.Errorf("port %d out of range", n)
	}
	return forward.Port{Protocol: forward.ProtocolTCP, Number: uint16(n)}, nil
}
