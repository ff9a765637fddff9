// Package batch implements the Worker Pool & Dispatcher: a bounded pool of
// workers draining .job files from a jobs directory and executing each one
// against the KV Table.
package batch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kvsd/kvsd/internal/gate"
	"github.com/kvsd/kvsd/internal/kvsfs"
	"github.com/kvsd/kvsd/internal/kvstore"
	"github.com/kvsd/kvsd/internal/script"
)

const jobExt = ".job"

// Dispatcher drains a jobs directory with a fixed-size worker pool, running
// one Script Executor per .job file.
type Dispatcher struct {
	fs     kvsfs.FS
	table  *kvstore.Table
	gate   *gate.Gate
	backup script.BackupCoordinator
	log    zerolog.Logger
}

// New creates a Dispatcher sharing table, gate, and backup coordinator with
// the rest of the process.
func New(fsys kvsfs.FS, table *kvstore.Table, g *gate.Gate, backup script.BackupCoordinator, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{fs: fsys, table: table, gate: g, backup: backup, log: log}
}

// Run lists jobsDir once, then feeds its .job entries to maxThreads workers
// and blocks until every job has been executed. Commands within a single
// job file always run in file order; the gate is what lets different job
// files' commands interleave safely.
func (d *Dispatcher) Run(ctx context.Context, jobsDir string, maxThreads int) error {
	entries, err := d.fs.ReadDir(jobsDir)
	if err != nil {
		return err
	}

	paths := make(chan string)

	var wg sync.WaitGroup

	for i := 0; i < maxThreads; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for path := range paths {
				d.runJob(ctx, path)
			}
		}()
	}

feed:
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), jobExt) {
			continue
		}

		select {
		case paths <- filepath.Join(jobsDir, entry.Name()):
		case <-ctx.Done():
			break feed
		}
	}

	close(paths)
	wg.Wait()

	return ctx.Err()
}

func (d *Dispatcher) runJob(ctx context.Context, path string) {
	log := d.log.With().Str("job", path).Logger()

	in, err := d.fs.Open(path)
	if err != nil {
		log.Error().Err(err).Msg("failed to open job file")
		return
	}
	defer in.Close()

	stem := strings.TrimSuffix(path, jobExt)

	out, err := d.fs.Create(stem + ".out")
	if err != nil {
		log.Error().Err(err).Msg("failed to create output file")
		return
	}
	defer out.Close()

	executor := &script.Executor{
		Table:   d.table,
		Gate:    d.gate,
		Out:     out,
		ErrOut:  os.Stderr,
		Backup:  d.backup,
		JobStem: stem,
	}

	if err := executor.Run(ctx, script.NewScanner(in)); err != nil {
		log.Error().Err(err).Msg("job execution stopped early")
	}
}
