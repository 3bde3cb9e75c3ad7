// Package shutdown turns a termination signal into an orderly stop of the
// run: checkpoint, cancel, wait for workers, release the lock.
package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mattjoyce/logrun/internal/log"
	"github.com/mattjoyce/logrun/internal/phase"
)

// Checkpointer persists the engine's resumable position.
type Checkpointer interface {
	PersistCheckpoint(ctx context.Context) error
}

// Waiter blocks until the work it tracks has stopped.
type Waiter interface {
	Wait()
}

// Releaser is a held lock.
type Releaser interface {
	Release() error
}

// Options configure a Coordinator.
type Options struct {
	// GracePeriod bounds how long termination waits for workers. Zero waits
	// until they finish.
	GracePeriod time.Duration
	Logger      *slog.Logger
}

// Coordinator owns graceful termination of one run.
type Coordinator struct {
	tracker *phase.Tracker
	cp      Checkpointer
	cancel  context.CancelFunc
	grace   time.Duration
	logger  *slog.Logger

	mu          sync.Mutex
	terminating bool
	lock        Releaser
	waiters     []Waiter
	cleanups    []func() error

	done chan struct{}
}

// New returns a coordinator that cancels the run through cancel.
func New(tracker *phase.Tracker, cp Checkpointer, cancel context.CancelFunc, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("shutdown")
	}
	return &Coordinator{
		tracker: tracker,
		cp:      cp,
		cancel:  cancel,
		grace:   opts.GracePeriod,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// HoldLock hands the acquired run lock to the coordinator. If termination
// already started, the lock is released at once and false is returned.
func (c *Coordinator) HoldLock(l Releaser) bool {
	c.mu.Lock()
	if !c.terminating {
		c.lock = l
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	if err := l.Release(); err != nil {
		c.logger.Warn("failed to release lock", "error", err)
	}
	return false
}

// AddWaiter registers work that must stop before the lock is released.
func (c *Coordinator) AddWaiter(w Waiter) {
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
}

// OnCleanup registers a function run after the lock is released. Errors are
// logged only.
func (c *Coordinator) OnCleanup(fn func() error) {
	c.mu.Lock()
	c.cleanups = append(c.cleanups, fn)
	c.mu.Unlock()
}

// Terminating reports whether a termination request was accepted.
func (c *Coordinator) Terminating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminating
}

// Done is closed once a termination has run to completion.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Watch terminates the run on the first signal received from sigs. It
// returns when ctx is done or termination has finished.
func (c *Coordinator) Watch(ctx context.Context, sigs <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case sig, ok := <-sigs:
			if !ok {
				return
			}
			if !c.Terminate(sig.String()) {
				c.logger.Debug("signal ignored", "signal", sig.String(), "phase", c.tracker.Current().String())
			}
		}
	}
}

// Terminate stops the run. It returns false, doing nothing, when the run is
// already terminating or has finished. Otherwise it returns after the run
// reached DONE.
func (c *Coordinator) Terminate(reason string) bool {
	prev, ok := c.tracker.AdvanceFrom(
		[]phase.Phase{phase.Idle, phase.Locking, phase.Parsing, phase.Reporting},
		phase.Terminating,
	)
	if !ok {
		return false
	}

	c.mu.Lock()
	c.terminating = true
	lock := c.lock
	waiters := append([]Waiter(nil), c.waiters...)
	c.mu.Unlock()

	logger := c.logger.With("reason", reason, "phase", prev.String())
	logger.Info("termination requested")

	if prev == phase.Parsing || prev == phase.Reporting {
		if err := c.cp.PersistCheckpoint(context.Background()); err != nil {
			logger.Error("failed to persist checkpoint", "error", err)
		} else {
			logger.Info("checkpoint persisted")
		}
	}

	c.cancel()
	c.waitWorkers(logger, waiters)

	if lock != nil {
		if err := lock.Release(); err != nil {
			logger.Warn("failed to release lock", "error", err)
		}
	}
	c.runCleanups(logger)

	c.tracker.Advance(phase.Terminating, phase.Done)
	close(c.done)
	logger.Info("run stopped")
	return true
}

func (c *Coordinator) waitWorkers(logger *slog.Logger, waiters []Waiter) {
	if len(waiters) == 0 {
		return
	}
	stopped := make(chan struct{})
	go func() {
		for _, w := range waiters {
			w.Wait()
		}
		close(stopped)
	}()

	if c.grace <= 0 {
		<-stopped
		return
	}
	timer := time.NewTimer(c.grace)
	defer timer.Stop()
	select {
	case <-stopped:
	case <-timer.C:
		logger.Warn("grace period elapsed with workers still running, releasing anyway", "grace", c.grace)
	}
}

func (c *Coordinator) runCleanups(logger *slog.Logger) {
	c.mu.Lock()
	cleanups := append([]func() error(nil), c.cleanups...)
	c.mu.Unlock()

	var errs []error
	for _, fn := range cleanups {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.Warn("cleanup failed", "error", err)
	}
}

// Activity counts in-flight work so a Coordinator can wait for it. Unlike a
// sync.WaitGroup, Begin may race with Wait.
type Activity struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int
}

func (a *Activity) init() {
	if a.cond == nil {
		a.cond = sync.NewCond(&a.mu)
	}
}

func (a *Activity) Begin() {
	a.mu.Lock()
	a.init()
	a.n++
	a.mu.Unlock()
}

func (a *Activity) End() {
	a.mu.Lock()
	a.init()
	a.n--
	a.cond.Broadcast()
	a.mu.Unlock()
}

// Wait blocks until every Begin has a matching End.
func (a *Activity) Wait() {
	a.mu.Lock()
	a.init()
	for a.n > 0 {
		a.cond.Wait()
	}
	a.mu.Unlock()
}
