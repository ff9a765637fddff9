// Command kvsd-server runs the interactive session manager and registration
// endpoint alongside a batch dispatcher over the same jobs directory, all
// sharing one KV Table, Coordination Gate, and Backup Coordinator.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/kvsd/kvsd/internal/backup"
	"github.com/kvsd/kvsd/internal/batch"
	"github.com/kvsd/kvsd/internal/config"
	"github.com/kvsd/kvsd/internal/gate"
	"github.com/kvsd/kvsd/internal/kvsfs"
	"github.com/kvsd/kvsd/internal/kvstore"
	"github.com/kvsd/kvsd/internal/logging"
	"github.com/kvsd/kvsd/internal/session"
	"github.com/kvsd/kvsd/internal/subindex"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)

	os.Exit(Run(os.Args, os.Stdout, os.Stderr, sigCh))
}

// Run parses arguments, starts every server component, and blocks until ctx
// is cancelled by a shutdown signal, or until the registration endpoint
// fails to start, in which case it shuts everything down and returns 1.
// SIGUSR1 triggers Manager.DisconnectAll
// without stopping the process; SIGINT/SIGTERM shut the whole thing down.
// Signal plumbing lives entirely here — it never touches session or KV
// Table code directly.
func Run(args []string, out, errOut io.Writer, sigCh <-chan os.Signal) int {
	flags := flag.NewFlagSet("kvsd-server", flag.ContinueOnError)
	flags.SetOutput(errOut)

	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error (overrides config file)")
	logJSON := flags.Bool("log-json", false, "emit logs as JSON instead of console format")
	configPath := flags.String("config", "", "path to an optional JSONC config file")

	flags.Usage = func() {
		fmt.Fprintln(errOut, "usage: kvsd-server [flags] <jobs_dir> <max_threads> <max_backups> <registration_fifo_name>")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args[1:]); err != nil {
		return 2
	}

	if flags.NArg() != 4 {
		flags.Usage()
		return 2
	}

	jobsDir := flags.Arg(0)

	maxThreads, err := strconv.Atoi(flags.Arg(1))
	if err != nil || maxThreads <= 0 {
		fmt.Fprintln(errOut, "error: max_threads must be a positive integer")
		return 2
	}

	maxBackups, err := strconv.Atoi(flags.Arg(2))
	if err != nil || maxBackups <= 0 {
		fmt.Fprintln(errOut, "error: max_backups must be a positive integer")
		return 2
	}

	fifoName := flags.Arg(3)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return 2
	}

	if *logLevel != "" {
		cfg.LogLevel = logging.Level(*logLevel)
	}

	if *logJSON {
		cfg.LogJSON = true
	}

	log := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Pretty: !cfg.LogJSON,
		Output: errOut,
	})

	table := kvstore.New()
	g := gate.New()
	index := subindex.New()
	fsys := kvsfs.NewReal()

	coordinator := backup.New(fsys, maxBackups, logging.Component(log, "backup"))
	dispatcher := batch.New(fsys, table, g, coordinator, logging.Component(log, "batch"))
	manager := session.New(table, index, cfg.MaxSessionCount, cfg.MaxSubscribedKeys, logging.Component(log, "session"))
	registration := session.NewRegistrationEndpoint(filepath.Join("/tmp", fifoName), logging.Component(log, "registration"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connections := make(chan session.Connection)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		manager.Run(ctx, connections)
	}()

	var registrationErr error

	wg.Add(1)
	go func() {
		defer wg.Done()

		if err := registration.Run(ctx, connections); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("registration endpoint stopped unexpectedly")
			registrationErr = err
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		if err := dispatcher.Run(ctx, jobsDir, maxThreads); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("batch dispatcher stopped unexpectedly")
		}
	}()

	go func() {
		for {
			select {
			case sig, ok := <-sigCh:
				if !ok {
					return
				}

				if sig == syscall.SIGUSR1 {
					log.Info().Msg("SIGUSR1 received, disconnecting all sessions")
					manager.DisconnectAll()

					continue
				}

				log.Info().Str("signal", sig.String()).Msg("shutting down")
				cancel()

				return

			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	coordinator.Wait()

	if registrationErr != nil {
		return 1
	}

	return 0
}
