package script

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/kvsd/kvsd/internal/gate"
	"github.com/kvsd/kvsd/internal/kvstore"
)

// BackupCoordinator accepts a finished in-memory snapshot for durable
// writing. Submit may block until a backup permit is available; it returns
// once the permit has been acquired, not once the file is written — the
// actual write happens on a coordinator-owned goroutine.
type BackupCoordinator interface {
	Submit(path string, snapshot []byte)
}

// Executor drives one job file's command stream against a KV Table under a
// Coordination Gate, writing results to Out and diagnostics to ErrOut.
type Executor struct {
	Table  *kvstore.Table
	Gate   *gate.Gate
	Out    io.Writer
	ErrOut io.Writer
	Backup BackupCoordinator

	// JobStem names backup files as "<JobStem>-<n>.bck".
	JobStem string

	backupSeq int
}

// Run reads commands from s until EOC or ctx is done, executing each one in
// turn. A cancelled context only interrupts an in-progress WAIT; commands
// already dispatched run to completion.
func (e *Executor) Run(ctx context.Context, s *Scanner) error {
	for {
		cmd := s.Next()

		switch cmd.Kind {
		case KindEOC:
			return nil
		case KindWrite:
			e.execWrite(cmd.Pairs)
		case KindRead:
			e.execRead(cmd.Keys)
		case KindDelete:
			e.execDelete(cmd.Keys)
		case KindShow:
			e.execShow()
		case KindWait:
			if err := e.execWait(ctx, cmd.WaitMillis); err != nil {
				return err
			}
		case KindBackup:
			e.execBackup()
		case KindHelp:
			fmt.Fprintln(e.ErrOut, "WRITE [(k,v)...] | READ [k...] | DELETE [k...] | SHOW | WAIT <ms> | BACKUP")
		case KindEmpty:
			// no-op
		case KindInvalid:
			fmt.Fprintf(e.ErrOut, "Invalid command. See HELP for usage: %s\n", cmd.Reason)
		}
	}
}

func (e *Executor) execWrite(pairs []Pair) {
	e.Gate.EnterWrite()
	defer e.Gate.LeaveWrite()

	for _, p := range pairs {
		e.Table.Put(p.Key, p.Value)
	}
}

// execRead sorts a copy of keys lexicographically and writes
// "[(k,v)(k,KVSERROR)...]\n" — output order never depends on input order.
func (e *Executor) execRead(keys []string) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	e.Gate.EnterRead()
	defer e.Gate.LeaveRead()

	var b strings.Builder
	b.WriteByte('[')

	for _, k := range sorted {
		if v, ok := e.Table.Get(k); ok {
			fmt.Fprintf(&b, "(%s,%s)", k, v)
		} else {
			fmt.Fprintf(&b, "(%s,KVSERROR)", k)
		}
	}

	b.WriteString("]\n")
	io.WriteString(e.Out, b.String())
}

// execDelete deletes keys in input order, writing "[(k,KVSMISSING)...]\n"
// only when at least one key was absent.
func (e *Executor) execDelete(keys []string) {
	e.Gate.EnterWrite()
	defer e.Gate.LeaveWrite()

	var b strings.Builder

	for _, k := range keys {
		if !e.Table.Delete(k) {
			fmt.Fprintf(&b, "(%s,KVSMISSING)", k)
		}
	}

	if b.Len() > 0 {
		io.WriteString(e.Out, "["+b.String()+"]\n")
	}
}

func (e *Executor) execShow() {
	e.Gate.EnterRead()
	defer e.Gate.LeaveRead()

	if err := e.Table.SnapshotTo(e.Out); err != nil {
		fmt.Fprintf(e.ErrOut, "Failed to write SHOW output: %v\n", err)
	}
}

func (e *Executor) execWait(ctx context.Context, ms int) error {
	if ms <= 0 {
		return nil
	}

	if _, err := io.WriteString(e.Out, "Waiting...\n"); err != nil {
		fmt.Fprintf(e.ErrOut, "Failed to write to output file: %v\n", err)
		return nil
	}

	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execBackup takes the gate's reader slot just long enough to copy the
// table into memory, then hands the copy to the Backup Coordinator, which
// owns permit admission and the actual file write.
func (e *Executor) execBackup() {
	e.Gate.EnterRead()

	var buf bytes.Buffer
	err := e.Table.SnapshotTo(&buf)

	e.Gate.LeaveRead()

	if err != nil {
		fmt.Fprintf(e.ErrOut, "Failed to perform backup: %v\n", err)
		return
	}

	e.backupSeq++
	path := fmt.Sprintf("%s-%d.bck", e.JobStem, e.backupSeq)
	e.Backup.Submit(path, buf.Bytes())
}
