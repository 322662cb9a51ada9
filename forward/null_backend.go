package forward

import (
	"sync"

	"github.com/pkg/errors"
)

var _ Backend = (*NullBackend)(nil)

// NullBackend is a Backend which records rules in memory rather than
// installing them.
type NullBackend struct {
	mu    sync.Mutex
	rules map[Port]Rule
	ready bool
}

// NewNullBackend returns an empty NullBackend.
func NewNullBackend() *NullBackend {
	return &NullBackend{rules: make(map[Port]Rule)}
}

func (b *NullBackend) Setup() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = true
	return nil
}

func (b *NullBackend) AddRule(r Rule) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return errors.New("backend not set up")
	}
	b.rules[r.Port] = r
	return nil
}

func (b *NullBackend) RemoveRule(r Rule) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rules, r.Port)
	return nil
}

func (b *NullBackend) Cleanup() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rules = make(map[Port]Rule)
	b.ready = false
	return nil
}

// Rules returns a copy of the installed rules.
func (b *NullBackend) Rules() []Rule {
	b.mu.Lock()
	defer b.mu.Unlock()
	ports := make([]Port, 0, len(b.rules))
	for p := range b.rules {
		ports = append(ports, p)
	}
	sortPorts(ports)
	out := make([]Rule, len(ports))
	for i, p := range ports {
		out[i] = b.rules[p]
	}
	return out
}
