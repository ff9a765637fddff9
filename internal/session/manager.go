package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kvsd/kvsd/internal/kvstore"
	"github.com/kvsd/kvsd/internal/subindex"
)

// Manager is the Session Manager: a fixed pool of session workers served
// from a connections channel, plus the bookkeeping needed to force every
// active session to disconnect on demand.
//
// The admission semaphore of §4.7 ("a bounded semaphore of size
// MAX_SESSION_COUNT blocks registration when the pool is full") falls out
// for free here: exactly maxSessions goroutines (MaxSessionCount unless
// configured otherwise) range over connections,
// so a send to that channel already blocks until one of them is free.
type Manager struct {
	maxSessions int
	maxKeys     int
	table       *kvstore.Table
	index       *subindex.Index
	log         zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	active  map[int]context.CancelFunc
	nextID  int
}

// New creates a Manager and installs the Notification Fan-out's write and
// delete callbacks on table, per §4.3 ("installed once at startup by the
// Session Manager").
func New(table *kvstore.Table, index *subindex.Index, maxSessions, maxKeys int, log zerolog.Logger) *Manager {
	m := &Manager{
		maxSessions: maxSessions,
		maxKeys:     maxKeys,
		table:       table,
		index:       index,
		log:         log,
		active:      make(map[int]context.CancelFunc),
	}
	m.cond = sync.NewCond(&m.mu)

	installNotifications(table, index, log)

	return m
}

// Run spawns maxSessions workers draining connections and blocks until ctx
// is cancelled and every worker has returned.
func (m *Manager) Run(ctx context.Context, connections <-chan Connection) {
	var wg sync.WaitGroup

	for i := 0; i < m.maxSessions; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				select {
				case conn, ok := <-connections:
					if !ok {
						return
					}

					m.serve(ctx, conn)

				case <-ctx.Done():
					return
				}
			}
		}()
	}

	wg.Wait()
}

func (m *Manager) serve(ctx context.Context, conn Connection) {
	sessCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.active[id] = cancel
	m.mu.Unlock()

	defer func() {
		cancel()

		m.mu.Lock()
		delete(m.active, id)
		m.cond.Broadcast()
		m.mu.Unlock()
	}()

	s := newSession(id, conn, m.table, m.index, m.maxKeys, m.log)

	s.serve(sessCtx)
}

// DisconnectAll triggers forced teardown on every currently active session
// and blocks until each has finished, per §4.7's "set flags under the
// manager lock; poll slots until all are inactive" — expressed here as a
// condition variable instead of a poll loop.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cancel := range m.active {
		cancel()
	}

	for len(m.active) > 0 {
		m.cond.Wait()
	}
}

// ActiveCount reports how many sessions are currently active, for tests
// and diagnostics.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.active)
}
