// Package scheduler fans the parse phase out over a bounded number of
// concurrent workers.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/logrun/internal/engine"
	"github.com/mattjoyce/logrun/internal/events"
	"github.com/mattjoyce/logrun/internal/log"
	"github.com/mattjoyce/logrun/internal/scope"
)

// ErrEngine marks a failure reported by one or more parse workers.
var ErrEngine = errors.New("engine error")

// Budget is the desired worker parallelism. 0 and 1 both mean a single
// sequential pass.
type Budget int

// Workers returns the maximum number of concurrent workers, at least 1.
func (b Budget) Workers() int {
	if b < 1 {
		return 1
	}
	return int(b)
}

// Worker states recorded in the manifest.
const (
	stateRunning   = "running"
	stateDone      = "done"
	stateFailed    = "failed"
	stateCancelled = "cancelled"
)

type manifest struct {
	RunID     string          `json:"run_id"`
	PID       int             `json:"pid"`
	StartedAt time.Time       `json:"started_at"`
	Budget    int             `json:"budget"`
	Workers   []manifestShard `json:"workers"`
}

type manifestShard struct {
	Worker  int      `json:"worker"`
	Sources []string `json:"sources"`
	State   string   `json:"state"`
	Error   string   `json:"error,omitempty"`
}

// Scheduler runs Parser.Parse over partitions of the source list.
type Scheduler struct {
	parser       Parser
	manifestPath string
	runID        string
	hub          *events.Hub
	logger       *slog.Logger

	mu       sync.Mutex
	idle     *sync.Cond
	inflight int // reservations and Schedule calls not yet returned
	active   int
	peak     int
	doc      *manifest
}

// New creates a Scheduler. manifestPath may be empty to disable the
// manifest; hub and logger may be nil.
func New(parser Parser, manifestPath, runID string, hub *events.Hub, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = log.Get()
	}
	s := &Scheduler{
		parser:       parser,
		manifestPath: manifestPath,
		runID:        runID,
		hub:          hub,
		logger:       logger.With("component", "scheduler"),
	}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// Schedule parses sources with at most budget.Workers() workers running at
// once and returns only after every launched worker has finished. A failing
// worker never cancels its siblings; failures are joined into one error
// wrapping ErrEngine. If ctx is cancelled, ctx.Err() is returned instead.
func (s *Scheduler) Schedule(ctx context.Context, sc scope.Scope, budget Budget, sources []string) (engine.Result, error) {
	defer s.Reserve()()

	if err := ctx.Err(); err != nil {
		s.logger.Info("parse not started", "reason", err)
		return engine.Result{}, err
	}

	n := budget.Workers()
	var shards [][]string
	if n == 1 {
		shards = [][]string{sources}
	} else {
		shards = s.parser.Partition(sources, n)
	}
	shards = nonEmpty(shards)
	if len(shards) == 0 {
		s.logger.Info("no sources to parse")
		return engine.Result{}, nil
	}

	s.logger.Info("parse scheduled", "workers", len(shards), "budget", n, "sources", len(sources), "scope", sc.String())
	s.startManifest(n, shards)

	var (
		mu    sync.Mutex
		total engine.Result
		errs  []error
	)

	// A plain Group: a worker error must not cancel the others.
	var g errgroup.Group
	g.SetLimit(n)
	for i, shard := range shards {
		g.Go(func() error {
			s.begin(i)
			res, err := s.parser.Parse(ctx, shard, sc)
			s.end(i, res, err, ctx.Err() != nil)

			mu.Lock()
			total.Add(res)
			if err != nil {
				errs = append(errs, fmt.Errorf("worker %d: %w", i, err))
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		s.logger.Info("parse cancelled", "lines", total.Lines)
		return total, err
	}
	if len(errs) > 0 {
		return total, fmt.Errorf("%w: %w", ErrEngine, errors.Join(errs...))
	}
	s.logger.Info("parse completed", "sources", total.Sources, "lines", total.Lines, "counted", total.Counted)
	return total, nil
}

func nonEmpty(shards [][]string) [][]string {
	out := make([][]string, 0, len(shards))
	for _, sh := range shards {
		if len(sh) > 0 {
			out = append(out, sh)
		}
	}
	return out
}

func (s *Scheduler) begin(worker int) {
	s.mu.Lock()
	s.active++
	s.peak = max(s.peak, s.active)
	s.mu.Unlock()

	s.logger.Debug("worker started", "worker", worker)
	s.publish("worker.started", map[string]any{"worker": worker})
}

func (s *Scheduler) end(worker int, res engine.Result, err error, cancelled bool) {
	st := stateDone
	switch {
	case cancelled:
		st = stateCancelled
	case err != nil:
		st = stateFailed
	}

	s.mu.Lock()
	s.active--
	if s.doc != nil && worker < len(s.doc.Workers) {
		s.doc.Workers[worker].State = st
		if err != nil && !cancelled {
			s.doc.Workers[worker].Error = err.Error()
		}
		s.writeManifestLocked()
	}
	s.mu.Unlock()

	logger := log.WithWorker(s.logger, worker)
	if st == stateFailed {
		logger.Error("worker failed", "error", err)
	} else {
		logger.Debug("worker finished", "state", st, "lines", res.Lines)
	}
	s.publish("worker.finished", map[string]any{"worker": worker, "state": st, "lines": res.Lines})
}

func (s *Scheduler) publish(eventType string, data any) {
	if s.hub != nil {
		s.hub.Publish(eventType, data)
	}
}

// Reserve counts a Schedule call as in progress until the returned release
// runs, so Wait also covers the gap before Schedule is entered. Release is
// idempotent.
func (s *Scheduler) Reserve() (release func()) {
	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.inflight--
			s.idle.Broadcast()
			s.mu.Unlock()
		})
	}
}

// Wait blocks until no Schedule call is in progress and every reservation
// has been released.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	for s.inflight > 0 {
		s.idle.Wait()
	}
	s.mu.Unlock()
}

// Active returns the number of workers currently parsing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Peak returns the highest number of simultaneously active workers seen.
func (s *Scheduler) Peak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

func (s *Scheduler) startManifest(budget int, shards [][]string) {
	if s.manifestPath == "" {
		return
	}
	doc := &manifest{
		RunID:     s.runID,
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
		Budget:    budget,
		Workers:   make([]manifestShard, len(shards)),
	}
	for i, sh := range shards {
		doc.Workers[i] = manifestShard{Worker: i, Sources: sh, State: stateRunning}
	}

	s.mu.Lock()
	s.doc = doc
	s.writeManifestLocked()
	s.mu.Unlock()
}

func (s *Scheduler) writeManifestLocked() {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		s.logger.Warn("failed to encode manifest", "error", err)
		return
	}
	tmp := s.manifestPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Warn("failed to write manifest", "path", s.manifestPath, "error", err)
		return
	}
	if err := os.Rename(tmp, s.manifestPath); err != nil {
		_ = os.Remove(tmp)
		s.logger.Warn("failed to write manifest", "path", s.manifestPath, "error", err)
	}
}

// ClearManifest removes the manifest left by this or a previous run.
func (s *Scheduler) ClearManifest() error {
	s.mu.Lock()
	s.doc = nil
	s.mu.Unlock()
	return ClearManifest(s.manifestPath)
}

// ClearManifest removes the manifest at path. A missing file is not an error.
func ClearManifest(path string) error {
	if path == "" {
		return nil
	}
	var errs []error
	for _, p := range []string{path, path + ".tmp"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", filepath.Base(p), err))
		}
	}
	return errors.Join(errs...)
}
