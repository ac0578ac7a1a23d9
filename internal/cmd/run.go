package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/offlinefirst/keyboard-monitor/internal/buildinfo"
	"github.com/offlinefirst/keyboard-monitor/pkg/agent"
	"github.com/offlinefirst/keyboard-monitor/pkg/delivery"
	"github.com/offlinefirst/keyboard-monitor/pkg/keyhook"
	"github.com/offlinefirst/keyboard-monitor/pkg/metrics"
	"github.com/offlinefirst/keyboard-monitor/pkg/runrecord"
	"github.com/offlinefirst/keyboard-monitor/pkg/store"
)

// datastore is what the CLI needs from a store: the agent's view plus
// health checks and cleanup.
type datastore interface {
	agent.Store
	Ping(ctx context.Context) error
	Close()
}

var (
	timeNow     = time.Now
	hostname    = os.Hostname
	exitProcess = os.Exit
	newHook     = keyhook.New
	openStore   = func(ctx context.Context, url string, opts store.Options) (datastore, error) {
		db, err := store.Open(ctx, url, opts)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
	recordSave = runrecord.Save
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Capture chords until interrupted",
		Long:  "Capture chords until interrupted. The first interrupt drains queued chords into the database; a second one exits immediately.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := opts.appContext()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := interruptContext(cmd.Context(), app.Logger)
			defer stop()
			return runAgent(ctx, app, cmd.OutOrStdout())
		},
	}
}

// interruptContext cancels the returned context on the first SIGINT or
// SIGTERM and exits the process on the second.
func interruptContext(parent context.Context, logger *slog.Logger) (context.Context, func()) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigs:
			logger.Info("interrupt received, draining queued chords", "signal", sig.String())
			cancel()
		case <-done:
			return
		}
		select {
		case sig := <-sigs:
			logger.Warn("second interrupt, exiting without draining", "signal", sig.String())
			exitProcess(130)
		case <-done:
		}
	}()

	return ctx, func() {
		signal.Stop(sigs)
		close(done)
		cancel()
	}
}

func runAgent(ctx context.Context, app *AppContext, stdout io.Writer) error {
	cfg := app.Config
	logger := app.Logger

	hook, err := newHook(keyhook.Options{
		Provider: cfg.Capture.Provider,
		Devices:  cfg.Capture.Devices,
		Script:   cfg.Capture.Script,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("initialise key hook: %w", err)
	}

	db, err := openStore(ctx, cfg.Database.URL, store.Options{Table: cfg.Database.Table, TTL: cfg.Database.TTL})
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	defer db.Close()

	var observer metrics.Observer = metrics.Nop()
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promObserver, err := metrics.NewPrometheusObserver("", reg)
		if err != nil {
			return err
		}
		observer = promObserver

		// The endpoint outlives the interrupt so the drain stays observable.
		serveCtx, stopServe := context.WithCancel(context.WithoutCancel(ctx))
		defer stopServe()
		serveErrs, err := metrics.Serve(serveCtx, cfg.Metrics.Addr, reg, logger)
		if err != nil {
			return err
		}
		go watchServe(serveErrs, logger)
	}

	a, err := agent.New(agent.Options{
		Hook:     hook,
		Store:    db,
		Logger:   logger,
		Observer: observer,
		Backoff:  delivery.ExponentialBackOff(cfg.Delivery.BackoffInitial, cfg.Delivery.BackoffMax),
		Clock:    timeNow,
	})
	if err != nil {
		return err
	}

	host, err := hostname()
	if err != nil {
		host = "unknown"
	}
	record := runrecord.New(runrecord.Options{
		StartedAt:  timeNow(),
		Hostname:   host,
		PID:        os.Getpid(),
		AppVersion: buildinfo.Version(),
		Provider:   keyhook.ResolveProvider(cfg.Capture.Provider),
		Config:     cfg,
	})
	if err := recordSave(record, cfg.Paths.RecordFile); err != nil {
		logger.Warn("run record not written", "path", cfg.Paths.RecordFile, "error", err)
	}

	logger.Info("keyboard monitor starting", "table", cfg.Database.Table, "provider", record.Provider, "version", buildinfo.Version())
	summary, runErr := a.Run(ctx)

	record.Finish(summary, runErr)
	if err := recordSave(record, cfg.Paths.RecordFile); err != nil {
		logger.Warn("run record not written", "path", cfg.Paths.RecordFile, "error", err)
	}

	printSummary(stdout, summary)
	if runErr != nil {
		return fmt.Errorf("agent %s: %w", summary.Termination, runErr)
	}
	return nil
}

// watchServe logs a metrics endpoint that stops serving. Capture carries on
// without it.
func watchServe(errs <-chan error, logger *slog.Logger) {
	for err := range errs {
		if err != nil {
			logger.Error("metrics endpoint stopped", "error", err)
		}
	}
}

func printSummary(w io.Writer, summary agent.Summary) {
	fmt.Fprintf(w, "Run finished: termination=%s delivered=%d retried=%d pending=%d\n",
		summary.Termination, summary.Delivered, summary.Retried, summary.Pending)
	if !summary.StartedAt.IsZero() && !summary.FinishedAt.IsZero() {
		fmt.Fprintf(w, "  started %s, ended %s\n", summary.StartedAt.Format(time.RFC3339), summary.FinishedAt.Format(time.RFC3339))
	}
}
