// Command logrun is the batch log-analytics job: it parses web server logs
// into hourly statistics and renders per-scope reports, one run at a time.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mattjoyce/logrun/internal/api"
	"github.com/mattjoyce/logrun/internal/config"
	"github.com/mattjoyce/logrun/internal/engine"
	"github.com/mattjoyce/logrun/internal/events"
	"github.com/mattjoyce/logrun/internal/lock"
	"github.com/mattjoyce/logrun/internal/log"
	"github.com/mattjoyce/logrun/internal/run"
	"github.com/mattjoyce/logrun/internal/scheduler"
	"github.com/mattjoyce/logrun/internal/scope"
	"github.com/mattjoyce/logrun/internal/summary"
)

type options struct {
	configFile string
	buildDate  string
	rebuild    bool
	jobs       int
	preserve   int
	pidDir     string
	start      string
	stop       string
	timezone   string
	debug      bool

	writeChecksums bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "logrun [flags] [logfile ...]",
		Short: "Parse web server logs into hourly statistics and build reports",
		Long: `logrun parses web server access logs into hourly hit statistics and
builds per-scope JSON reports.

Without --rebuild, each log file is read from where the previous run stopped.
With --rebuild (implied by --build_date) statistics for the target period are
re-derived; with no log files given only the reports are rebuilt.

Only one run may be active at a time. A run killed with SIGKILL leaves its
lock file behind; remove it by hand after checking no run is active.`,
		Example: `  logrun /var/log/nginx/access.log
  logrun -j 4 /var/log/nginx/*.log
  logrun -b 2024-03 -s 08:00 -S 18:00 -t +2`,
		Version:           currentVersionInfo().String(),
		Args:              cobra.ArbitraryArgs,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		SilenceUsage:      true,
		SilenceErrors:     true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, opts, args)
		},
	}

	bindFlags(cmd.Flags(), &opts)

	return cmd
}

func bindFlags(f *pflag.FlagSet, opts *options) {
	f.SortFlags = false
	f.StringVarP(&opts.configFile, "configfile", "c", config.DefaultPath, "configuration file")
	f.StringVarP(&opts.buildDate, "build_date", "b", "", "rebuild statistics for YYYY, YYYY-MM or YYYY-MM-DD (implies --rebuild)")
	f.BoolVarP(&opts.rebuild, "rebuild", "r", false, "rebuild statistics instead of resuming")
	f.IntVarP(&opts.jobs, "jobs", "j", 1, "number of parallel parse workers")
	f.IntVarP(&opts.preserve, "preserve", "p", 0, "months of statistics to keep (0 keeps everything)")
	f.StringVarP(&opts.pidDir, "pid_dir", "P", "/tmp", "directory for the lock file")
	f.StringVarP(&opts.start, "start", "s", "", "count only lines at or after HH:MM")
	f.StringVarP(&opts.stop, "stop", "S", "", "count only lines at or before HH:MM")
	f.StringVarP(&opts.timezone, "timezone", "t", "", "timezone offset ±HH applied to log timestamps")
	f.BoolVarP(&opts.debug, "debug", "d", false, "debug logging")
	f.BoolVar(&opts.writeChecksums, "write_checksums", false, "record the config file hash in .checksums next to it and exit")
}

func execute(cmd *cobra.Command, opts options, args []string) error {
	if opts.writeChecksums {
		return writeChecksums(cmd, opts.configFile)
	}

	// Malformed dates fail before anything else happens.
	sc, err := scope.Resolve(scope.Params{
		Rebuild:   opts.rebuild,
		BuildDate: opts.buildDate,
		Start:     opts.start,
		Stop:      opts.stop,
		Timezone:  opts.timezone,
	})
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	cfg, err := config.LoadOrDefaults(opts.configFile, flags.Changed("configfile"))
	if err != nil {
		return err
	}
	log.Setup(cfg.Service.LogLevel, opts.debug)

	jobs := cfg.Workers.Jobs
	if flags.Changed("jobs") {
		jobs = opts.jobs
	}
	if jobs < 0 {
		return fmt.Errorf("--jobs must not be negative")
	}
	retention := cfg.Retention.Months
	if flags.Changed("preserve") {
		retention = opts.preserve
	}
	if retention < 0 {
		return fmt.Errorf("--preserve must not be negative")
	}
	lockDir := cfg.Lock.Dir
	if flags.Changed("pid_dir") || lockDir == "" {
		lockDir = opts.pidDir
	}

	sources := cfg.Sources
	if len(args) > 0 {
		sources = args
	}

	runID := uuid.NewString()
	logger := log.WithRun(runID)
	sources = usableSources(sources, logger)

	lockPath := filepath.Join(lockDir, cfg.Lock.PIDFile)
	rc := run.Config{
		RunID:           runID,
		Scope:           sc,
		Budget:          scheduler.Budget(jobs),
		RetentionMonths: retention,
		Sources:         sources,
		ExplicitSources: len(args) > 0,
		LockPath:        lockPath,
		ManifestPath:    lockPath + ".jobs",
		GracePeriod:     cfg.Shutdown.GracePeriod,
	}

	eng := engine.New(engine.Options{
		ConfigPath:  cfg.SourcePath,
		Sources:     sources,
		Debug:       opts.debug,
		Rebuild:     sc.Rebuild(),
		LockDir:     lockDir,
		LockFile:    cfg.Lock.PIDFile,
		Timezone:    sc.Offset(),
		StatePath:   cfg.State.Path,
		ReportDir:   cfg.Reports.Dir,
		CommitEvery: cfg.Engine.CommitEvery,
		RunID:       runID,
		Logger:      logger.With("component", "engine"),
	})
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("failed to close state database", "error", err)
		}
	}()

	hub := events.NewHub(256)
	runner := run.New(rc, eng, hub, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if cfg.Status.Enabled {
		srv := api.New(api.Config{
			Listen:  cfg.Status.Listen,
			Token:   cfg.Status.Token,
			Version: version,
		}, runner, hub, log.WithComponent("api"))
		go func() {
			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("status server stopped", "error", err)
			}
		}()
	}

	logger.Info("run starting",
		"scope", sc.String(),
		"jobs", rc.Budget.Workers(),
		"sources", len(sources),
		"lock", lockPath,
		"config", cfg.SourcePath,
	)

	out, err := runner.Run(ctx, sigCh)
	if errors.Is(err, lock.ErrAlreadyRunning) || errors.Is(err, lock.ErrLockWrite) {
		return err
	}
	summary.Print(cmd.OutOrStdout(), out, err)
	return err
}

// writeChecksums pins the config file so later loads verify it.
func writeChecksums(cmd *cobra.Command, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("config file not found: %s", abs)
	}
	if info.IsDir() {
		abs = filepath.Join(abs, "logrun.yaml")
	}
	dir := filepath.Dir(abs)
	if err := config.GenerateChecksums(dir, []string{filepath.Base(abs)}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", filepath.Join(dir, ".checksums"))
	return nil
}

// usableSources drops paths that do not exist, are not regular files or are
// empty.
func usableSources(paths []string, logger *slog.Logger) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		switch {
		case err != nil:
			logger.Warn("skipping log source", "path", p, "reason", "not found")
		case !info.Mode().IsRegular():
			logger.Warn("skipping log source", "path", p, "reason", "not a regular file")
		case info.Size() == 0:
			logger.Warn("skipping log source", "path", p, "reason", "empty")
		default:
			out = append(out, p)
		}
	}
	return out
}
