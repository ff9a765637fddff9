// Package gate implements the Coordination Gate: a Courtois-style two-class
// reader/writer gate where readers stack with readers and writers stack
// with writers, and only the two classes exclude each other. This is not a
// standard sync.RWMutex — multiple writers may run concurrently with each
// other (per-key mutation safety comes from kvstore's per-bucket locks).
package gate

import "sync"

// Gate enforces script-level command ordering: READ/SHOW/BACKUP are
// readers, WRITE/DELETE are writers. At most one class is active at a
// time; within a class, arrivals proceed concurrently.
type Gate struct {
	mu            sync.Mutex
	cond          *sync.Cond
	readersActive int
	writersActive int
}

// New creates a Gate with both classes empty.
func New() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)

	return g
}

// EnterRead blocks while a writer is active, then joins the reader class.
func (g *Gate) EnterRead() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for g.writersActive > 0 {
		g.cond.Wait()
	}

	g.readersActive++
}

// LeaveRead leaves the reader class, waking any class waiting to enter.
func (g *Gate) LeaveRead() {
	g.mu.Lock()
	g.readersActive--

	if g.readersActive == 0 {
		g.cond.Broadcast()
	}

	g.mu.Unlock()
}

// EnterWrite blocks while a reader is active, then joins the writer class.
func (g *Gate) EnterWrite() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for g.readersActive > 0 {
		g.cond.Wait()
	}

	g.writersActive++
}

// LeaveWrite leaves the writer class, waking any class waiting to enter.
func (g *Gate) LeaveWrite() {
	g.mu.Lock()
	g.writersActive--

	if g.writersActive == 0 {
		g.cond.Broadcast()
	}

	g.mu.Unlock()
}
