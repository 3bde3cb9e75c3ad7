// Package run sequences one batch run: lock, parse, report, unlock.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattjoyce/logrun/internal/engine"
	"github.com/mattjoyce/logrun/internal/events"
	"github.com/mattjoyce/logrun/internal/lock"
	"github.com/mattjoyce/logrun/internal/log"
	"github.com/mattjoyce/logrun/internal/phase"
	"github.com/mattjoyce/logrun/internal/scheduler"
	"github.com/mattjoyce/logrun/internal/scope"
	"github.com/mattjoyce/logrun/internal/shutdown"
)

// ErrEngine wraps failures of the parse or report phase.
var ErrEngine = errors.New("engine failure")

// Config is the resolved, immutable description of a run.
type Config struct {
	RunID           string
	Scope           scope.Scope
	Budget          scheduler.Budget
	RetentionMonths int
	Sources         []string
	// ExplicitSources is true when sources were named on the command line.
	ExplicitSources bool
	LockPath        string
	ManifestPath    string
	GracePeriod     time.Duration
}

// Outcome is what a finished run reports back.
type Outcome struct {
	RunID      string        `json:"run_id"`
	Phase      phase.Phase   `json:"-"`
	Scope      string        `json:"scope"`
	Parsed     bool          `json:"parsed"`
	Terminated bool          `json:"terminated"`
	Result     engine.Result `json:"result"`
	Report     engine.Report `json:"report"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Status is a point-in-time view of a run.
type Status struct {
	RunID         string    `json:"run_id"`
	Phase         string    `json:"phase"`
	PhaseSince    time.Time `json:"phase_since"`
	ActiveWorkers int       `json:"active_workers"`
	PeakWorkers   int       `json:"peak_workers"`
	Scope         string    `json:"scope"`
	StartedAt     time.Time `json:"started_at"`
}

// Runner executes one run. It is not reusable.
type Runner struct {
	cfg       Config
	eng       Engine
	tracker   *phase.Tracker
	sched     *scheduler.Scheduler
	reports   shutdown.Activity
	base      *slog.Logger
	logger    *slog.Logger
	startedAt time.Time
}

// New prepares a run. hub and logger may be nil.
func New(cfg Config, eng Engine, hub *events.Hub, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = log.WithRun(cfg.RunID)
	}
	return &Runner{
		cfg:       cfg,
		eng:       eng,
		tracker:   phase.NewTracker(hub),
		sched:     scheduler.New(eng, cfg.ManifestPath, cfg.RunID, hub, logger),
		base:      logger,
		logger:    logger.With("component", "run"),
		startedAt: time.Now().UTC(),
	}
}

// Phase returns the current run phase.
func (r *Runner) Phase() phase.Phase { return r.tracker.Current() }

// Status reports the current phase and worker activity.
func (r *Runner) Status() Status {
	return Status{
		RunID:         r.cfg.RunID,
		Phase:         r.tracker.Current().String(),
		PhaseSince:    r.tracker.Since().UTC(),
		ActiveWorkers: r.sched.Active(),
		PeakWorkers:   r.sched.Peak(),
		Scope:         r.cfg.Scope.String(),
		StartedAt:     r.startedAt,
	}
}

// Run executes the run. A termination signal received on sigs stops it
// gracefully, in which case Run returns a nil error with
// Outcome.Terminated set.
func (r *Runner) Run(ctx context.Context, sigs <-chan os.Signal) (out Outcome, err error) {
	out = Outcome{RunID: r.cfg.RunID, Scope: r.cfg.Scope.String(), StartedAt: r.startedAt}
	defer func() {
		out.Phase = r.tracker.Current()
		out.FinishedAt = time.Now().UTC()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	coord := shutdown.New(r.tracker, r.eng, cancel, shutdown.Options{
		GracePeriod: r.cfg.GracePeriod,
		Logger:      r.base.With("component", "shutdown"),
	})
	coord.AddWaiter(r.sched)
	coord.AddWaiter(&r.reports)
	coord.OnCleanup(r.sched.ClearManifest)

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go coord.Watch(watchCtx, sigs)

	terminated := func() (Outcome, error) {
		<-coord.Done()
		out.Terminated = true
		r.logger.Info("run terminated gracefully")
		return out, nil
	}

	if !r.tracker.Advance(phase.Idle, phase.Locking) {
		return terminated()
	}
	lk, err := lock.AcquirePIDLock(r.cfg.LockPath)
	if err != nil {
		r.tracker.Advance(phase.Locking, phase.Failed)
		if errors.Is(err, lock.ErrAlreadyRunning) {
			if owner, oerr := lock.ReadOwner(r.cfg.LockPath); oerr == nil {
				r.logger.Error("lock is held", "path", r.cfg.LockPath, "pid", owner.PID, "alive", owner.Alive)
			}
		}
		return out, err
	}
	if !coord.HoldLock(lk) {
		return terminated()
	}
	r.logger.Info("lock acquired", "path", lk.Path(), "scope", r.cfg.Scope.String())

	if err := r.sched.ClearManifest(); err != nil {
		r.logger.Warn("failed to clear stale manifest", "error", err)
	}

	// The parse counts as in flight before the phase moves, so a signal in
	// PARSING always waits for it.
	unreserve := r.sched.Reserve()
	if !r.tracker.Advance(phase.Locking, phase.Parsing) {
		unreserve()
		return terminated()
	}
	if r.cfg.Scope.Rebuild() && !r.cfg.ExplicitSources {
		unreserve()
		r.logger.Info("rebuild without log sources, skipping parse")
	} else {
		res, err := r.sched.Schedule(runCtx, r.cfg.Scope, r.cfg.Budget, r.cfg.Sources)
		unreserve()
		out.Parsed = true
		out.Result = res
		if coord.Terminating() {
			return terminated()
		}
		if err != nil {
			return r.fail(&out, coord, lk, phase.Parsing, err)
		}
	}

	r.reports.Begin()
	if !r.tracker.Advance(phase.Parsing, phase.Reporting) {
		r.reports.End()
		return terminated()
	}
	rep, err := r.eng.BuildReports(runCtx, r.cfg.Scope, r.cfg.RetentionMonths)
	r.reports.End()
	out.Report = rep
	if coord.Terminating() {
		return terminated()
	}
	if err != nil {
		return r.fail(&out, coord, lk, phase.Reporting, err)
	}

	r.release(lk)
	if !r.tracker.Advance(phase.Reporting, phase.Done) {
		return terminated()
	}
	r.logger.Info("run completed", "lines", out.Result.Lines, "report", rep.Path)
	return out, nil
}

func (r *Runner) fail(out *Outcome, coord *shutdown.Coordinator, lk *lock.PIDLock, from phase.Phase, cause error) (Outcome, error) {
	if !r.tracker.Advance(from, phase.Failed) {
		<-coord.Done()
		out.Terminated = true
		return *out, nil
	}
	err := cause
	if !errors.Is(err, ErrEngine) {
		err = fmt.Errorf("%w: %s: %w", ErrEngine, from.String(), cause)
	}
	r.logger.Error("run failed", "phase", from.String(), "error", cause)
	r.release(lk)
	return *out, err
}

func (r *Runner) release(lk *lock.PIDLock) {
	if err := lk.Release(); err != nil {
		r.logger.Warn("failed to release lock", "path", lk.Path(), "error", err)
	}
	if err := r.sched.ClearManifest(); err != nil {
		r.logger.Warn("failed to clear manifest", "error", err)
	}
}
