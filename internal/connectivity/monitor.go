// Package connectivity tracks whether the remote backend is reachable and
// notifies listeners on transitions.
package connectivity

import (
	"context"
	"errors"
	"sort"
	"sync"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Source reports connectivity observations until ctx is cancelled.
type Source interface {
	Watch(ctx context.Context, report func(online bool)) error
}

type Monitor struct {
	logger Logger

	mu          sync.Mutex
	online      bool
	nextID      int
	onOnline    map[int]func()
	subscribers map[int]func(bool)
}

func NewMonitor(initial bool, logger Logger) *Monitor {
	return &Monitor{
		logger:      logger,
		online:      initial,
		onOnline:    map[int]func(){},
		subscribers: map[int]func(bool){},
	}
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records an observation. Listeners run on the caller's goroutine, only
// when the value changes, and never under the monitor lock.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subscribers := sortedHandlers(m.subscribers)
	var reconnect []func()
	if online {
		reconnect = sortedHandlers(m.onOnline)
	}
	m.mu.Unlock()

	if online {
		m.logf("connectivity: online")
	} else {
		m.logf("connectivity: offline")
	}
	for _, fn := range subscribers {
		fn(online)
	}
	for _, fn := range reconnect {
		fn()
	}
}

// OnOnline registers fn for offline to online transitions. The returned func
// unregisters it.
func (m *Monitor) OnOnline(fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.onOnline[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.onOnline, id)
	}
}

// Subscribe registers fn for every change.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subscribers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// Run feeds source observations into the monitor until ctx ends.
func (m *Monitor) Run(ctx context.Context, source Source) error {
	if source == nil {
		return errors.New("connectivity source is required")
	}
	err := source.Watch(ctx, m.Set)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (m *Monitor) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

func sortedHandlers[F any](handlers map[int]F) []F {
	ids := make([]int, 0, len(handlers))
	for id := range handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]F, 0, len(ids))
	for _, id := range ids {
		out = append(out, handlers[id])
	}
	return out
}
