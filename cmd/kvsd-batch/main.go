// Command kvsd-batch runs every .job file in a directory once, through a
// fixed-size worker pool, and exits.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/kvsd/kvsd/internal/backup"
	"github.com/kvsd/kvsd/internal/batch"
	"github.com/kvsd/kvsd/internal/gate"
	"github.com/kvsd/kvsd/internal/kvsfs"
	"github.com/kvsd/kvsd/internal/kvstore"
	"github.com/kvsd/kvsd/internal/logging"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	os.Exit(Run(os.Args, os.Stdout, os.Stderr, sigCh))
}

// Run parses arguments, runs the batch dispatcher to completion, and
// returns the process exit code. Kept separate from main so tests can
// drive it without os.Exit.
func Run(args []string, out, errOut io.Writer, sigCh <-chan os.Signal) int {
	flags := flag.NewFlagSet("kvsd-batch", flag.ContinueOnError)
	flags.SetOutput(errOut)

	logLevel := flags.String("log-level", string(logging.InfoLevel), "log level: debug, info, warn, error")
	logJSON := flags.Bool("log-json", false, "emit logs as JSON instead of console format")

	flags.Usage = func() {
		fmt.Fprintln(errOut, "usage: kvsd-batch [flags] <jobs_dir> <max_backups> <max_threads>")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args[1:]); err != nil {
		return 2
	}

	if flags.NArg() != 3 {
		flags.Usage()
		return 2
	}

	jobsDir := flags.Arg(0)

	maxBackups, err := strconv.Atoi(flags.Arg(1))
	if err != nil || maxBackups <= 0 {
		fmt.Fprintln(errOut, "error: max_backups must be a positive integer")
		return 2
	}

	maxThreads, err := strconv.Atoi(flags.Arg(2))
	if err != nil || maxThreads <= 0 {
		fmt.Fprintln(errOut, "error: max_threads must be a positive integer")
		return 2
	}

	log := logging.Init(logging.Config{
		Level:  logging.Level(*logLevel),
		Pretty: !*logJSON,
		Output: errOut,
	})

	table := kvstore.New()
	g := gate.New()
	fsys := kvsfs.NewReal()
	coordinator := backup.New(fsys, maxBackups, logging.Component(log, "backup"))
	dispatcher := batch.New(fsys, table, g, coordinator, logging.Component(log, "batch"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-sigCh:
			log.Warn().Msg("received shutdown signal, letting in-flight jobs finish")
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := dispatcher.Run(ctx, jobsDir, maxThreads); err != nil && ctx.Err() == nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return 1
	}

	coordinator.Wait()

	return 0
}
