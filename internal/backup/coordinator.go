// Package backup implements the Backup Coordinator: a bounded pool of
// snapshot permits guarding how many .bck writes may be in flight at once,
// replacing the original's mix of fork()/wait()/waitpid(WNOHANG) with a
// single admission point.
package backup

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/kvsd/kvsd/internal/kvsfs"
)

// Coordinator accepts finished snapshots and writes them to disk on its own
// goroutines, admitting at most the configured number of concurrent writes.
type Coordinator struct {
	fs      kvsfs.FS
	log     zerolog.Logger
	permits chan struct{}
	wg      sync.WaitGroup
}

// New creates a Coordinator that allows at most maxBackups snapshot writes
// to be in flight simultaneously.
func New(fsys kvsfs.FS, maxBackups int, log zerolog.Logger) *Coordinator {
	c := &Coordinator{
		fs:      fsys,
		log:     log,
		permits: make(chan struct{}, maxBackups),
	}

	for i := 0; i < maxBackups; i++ {
		c.permits <- struct{}{}
	}

	return c
}

// Submit blocks until a permit is available — mirroring the original's
// "BACKUP blocks if the cap is reached" — then hands snapshot off to a new
// goroutine for the durable write and returns. The permit is released when
// that write finishes, regardless of outcome.
func (c *Coordinator) Submit(path string, snapshot []byte) {
	<-c.permits

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		defer func() { c.permits <- struct{}{} }()

		if err := c.fs.WriteFileAtomic(path, snapshot); err != nil {
			c.log.Error().Err(err).Str("path", path).Msg("failed to write backup snapshot")
		}
	}()
}

// Wait blocks until every submitted snapshot has finished writing. Intended
// for orderly shutdown, not for any per-BACKUP command semantics.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}
