package transport

import (
	"errors"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"orderfeed/internal/logger"
)

// Registry holds at most one Manager per endpoint. It replaces a process-wide
// singleton: whoever builds the top-level client owns the registry and hands
// it to the components that need a connection.
type Registry struct {
	cfg    Config
	log    *logrus.Entry
	dialer *websocket.Dialer

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	m    *Manager
	refs int
}

// NewRegistry creates an empty registry. A nil log discards output.
func NewRegistry(cfg Config, log *logrus.Entry) *Registry {
	if log == nil {
		log = logger.Discard()
	}
	return &Registry{
		cfg: cfg,
		log: log.WithField("component", "transport"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		entries: make(map[string]*entry),
	}
}

// GetOrCreate returns the manager bound to endpoint, creating it and starting
// the connection if none exists. Every call takes a reference that must be
// given back with Release. opts only take effect when the manager is created.
func (r *Registry) GetOrCreate(endpoint string, opts Options) *Manager {
	r.mu.Lock()
	if e, ok := r.entries[endpoint]; ok {
		e.refs++
		r.mu.Unlock()
		if !opts.empty() {
			r.log.WithField("endpoint", endpoint).Warn("manager already exists, lifecycle callbacks ignored")
		}
		return e.m
	}

	m := newManager(r, endpoint, opts)
	r.entries[endpoint] = &entry{m: m, refs: 1}
	r.mu.Unlock()

	m.connect()
	return m
}

// Get returns the live manager for endpoint without taking a reference.
func (r *Registry) Get(endpoint string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[endpoint]
	if !ok {
		return nil, false
	}
	return e.m, true
}

// Release gives back one reference to m. When no references remain the
// connection is closed and the endpoint is evicted.
func (r *Registry) Release(m *Manager) error {
	r.mu.Lock()
	e, ok := r.entries[m.endpoint]
	if !ok || e.m != m {
		r.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, m.endpoint)
	r.mu.Unlock()

	return m.Close()
}

// Len returns the number of live endpoints
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Health returns the health of every live manager ordered by endpoint
func (r *Registry) Health() []HealthStatus {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.entries))
	for _, e := range r.entries {
		managers = append(managers, e.m)
	}
	r.mu.Unlock()

	sort.Slice(managers, func(i, j int) bool {
		return managers[i].endpoint < managers[j].endpoint
	})

	statuses := make([]HealthStatus, 0, len(managers))
	for _, m := range managers {
		statuses = append(statuses, m.Health())
	}
	return statuses
}

// Close closes every manager regardless of outstanding references
func (r *Registry) Close() error {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.entries))
	for _, e := range r.entries {
		managers = append(managers, e.m)
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	var errs []error
	for _, m := range managers {
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) evict(m *Manager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[m.endpoint]; ok && e.m == m {
		delete(r.entries, m.endpoint)
	}
}
