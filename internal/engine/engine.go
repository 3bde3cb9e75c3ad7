// Package engine is the reference analysis engine driven by the run
// coordinator. It counts timestamped log lines into hour buckets, keeps a
// resumable byte offset per source and renders a per-scope JSON report.
//
// Parse progress is held in memory and committed together with the source
// offset it corresponds to, either every Options.CommitEvery lines, at the
// end of a source, or when PersistCheckpoint is called. Progress that was
// never committed is dropped when a parse is cancelled, so the next run
// re-reads it instead of counting it twice. A rebuilt source commits once,
// after its last line, so an interrupted rebuild leaves the old buckets.
package engine

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/logrun/internal/log"
	"github.com/mattjoyce/logrun/internal/scope"
	"github.com/mattjoyce/logrun/internal/state"
	"github.com/mattjoyce/logrun/internal/storage"
)

const readBufferSize = 64 * 1024

// Options configure an Engine.
type Options struct {
	ConfigPath string
	Sources    []string
	Debug      bool
	Rebuild    bool
	LockDir    string
	LockFile   string
	// Timezone is the offset in hours applied to the report clock.
	Timezone int

	StatePath   string
	ReportDir   string
	CommitEvery int
	RunID       string
	Logger      *slog.Logger
}

// Result summarizes a parse.
type Result struct {
	Sources int   `json:"sources"`
	Lines   int64 `json:"lines"`
	Counted int64 `json:"counted"`
	Skipped int64 `json:"skipped"`
	Bytes   int64 `json:"bytes"`
}

func (r *Result) Add(o Result) {
	r.Sources += o.Sources
	r.Lines += o.Lines
	r.Counted += o.Counted
	r.Skipped += o.Skipped
	r.Bytes += o.Bytes
}

// Engine is safe for concurrent Parse calls on disjoint sources.
type Engine struct {
	opts   Options
	logger *slog.Logger

	openMu sync.Mutex
	db     *sql.DB
	store  *state.Store

	mu    sync.Mutex
	tails map[string]*tail
}

// New builds an Engine. The state database is opened on first use so that
// constructing an engine has no side effects.
func New(opts Options) *Engine {
	if opts.CommitEvery <= 0 {
		opts.CommitEvery = 5000
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("engine")
	}
	return &Engine{
		opts:   opts,
		logger: logger,
		tails:  make(map[string]*tail),
	}
}

func (e *Engine) open(ctx context.Context) (*state.Store, error) {
	e.openMu.Lock()
	defer e.openMu.Unlock()

	if e.store != nil {
		return e.store, nil
	}
	db, err := storage.OpenSQLite(ctx, e.opts.StatePath)
	if err != nil {
		return nil, err
	}
	e.db = db
	e.store = state.NewStore(db)
	return e.store, nil
}

func (e *Engine) opened() *state.Store {
	e.openMu.Lock()
	defer e.openMu.Unlock()
	return e.store
}

// Close releases the state database if it was opened.
func (e *Engine) Close() error {
	e.openMu.Lock()
	defer e.openMu.Unlock()

	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db, e.store = nil, nil
	return err
}

// Partition splits sources into at most n shards of similar total size,
// largest files first.
func (e *Engine) Partition(sources []string, n int) [][]string {
	if n <= 1 || len(sources) <= 1 {
		return [][]string{sources}
	}
	n = min(n, len(sources))

	type sized struct {
		path string
		size int64
	}
	files := make([]sized, 0, len(sources))
	for _, src := range sources {
		var size int64
		if info, err := os.Stat(src); err == nil {
			size = info.Size()
		}
		files = append(files, sized{src, size})
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].size > files[j].size })

	shards := make([][]string, n)
	loads := make([]int64, n)
	for _, f := range files {
		lightest := 0
		for i := 1; i < n; i++ {
			if loads[i] < loads[lightest] {
				lightest = i
			}
		}
		shards[lightest] = append(shards[lightest], f.path)
		loads[lightest] += f.size
	}
	return shards
}

// Parse reads sources in order. A failing source does not stop the others;
// cancellation does.
func (e *Engine) Parse(ctx context.Context, sources []string, sc scope.Scope) (Result, error) {
	store, err := e.open(ctx)
	if err != nil {
		return Result{}, err
	}

	var (
		total Result
		errs  []error
	)
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		r, err := e.parseSource(ctx, store, src, sc)
		total.Add(r)
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			errs = append(errs, fmt.Errorf("parse %s: %w", src, err))
		}
	}
	return total, errors.Join(errs...)
}

func (e *Engine) parseSource(ctx context.Context, store *state.Store, src string, sc scope.Scope) (Result, error) {
	logger := e.logger.With("source", src)
	started := time.Now()

	f, err := os.Open(src)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Result{}, err
	}
	head, err := state.ReadHead(f)
	if err != nil {
		return Result{}, err
	}

	t, err := e.prepareTail(ctx, store, src, head, info.Size(), sc)
	if err != nil {
		return Result{}, err
	}

	if _, err := f.Seek(t.pos.Offset, io.SeekStart); err != nil {
		return Result{}, fmt.Errorf("seek: %w", err)
	}
	var rd io.Reader = f
	if t.limit >= 0 {
		rd = io.LimitReader(f, t.limit-t.pos.Offset)
	}

	e.track(t)
	defer e.untrack(t)

	logger.Debug("parsing source", "offset", t.pos.Offset, "limit", t.limit, "size", info.Size())

	res := Result{Sources: 1}
	br := bufio.NewReaderSize(rd, readBufferSize)
	sinceCommit := 0
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		line, readErr := br.ReadBytes('\n')
		// A trailing line without a newline is still being written; leave
		// it for the next run.
		if n := len(line); n > 0 && line[n-1] == '\n' {
			counted := t.consume(line, sc)
			res.Lines++
			res.Bytes += int64(n)
			if counted {
				res.Counted++
			} else {
				res.Skipped++
			}

			sinceCommit++
			if sinceCommit >= e.opts.CommitEvery {
				if err := t.flush(ctx, store, false); err != nil {
					return res, err
				}
				sinceCommit = 0
			}
		}

		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return res, fmt.Errorf("read: %w", readErr)
		}
	}

	if err := t.flush(ctx, store, true); err != nil {
		return res, err
	}
	if e.opts.Debug {
		logger.Debug("source done",
			"lines", res.Lines,
			"counted", res.Counted,
			"offset", t.pos.Offset,
			"elapsed", time.Since(started),
		)
	}
	return res, nil
}

// prepareTail decides where reading starts and stops for src.
//
// Incremental runs resume at the committed offset unless the source was
// rotated or truncated. Rebuilds start at zero and stop at the committed
// offset so lines the incremental tail has not reached yet are not counted
// by both.
func (e *Engine) prepareTail(ctx context.Context, store *state.Store, src string, head []byte, size int64, sc scope.Scope) (*tail, error) {
	pos, ok, err := store.Position(ctx, src)
	if err != nil {
		return nil, err
	}
	valid := ok && pos.Offset <= size && pos.Fingerprint == state.Fingerprint(head, pos.Offset)
	if ok && !valid {
		e.logger.Info("source rotated or truncated, reading from start", "source", src, "previous_offset", pos.Offset, "size", size)
	}

	t := &tail{
		source: src,
		head:   head,
		hits:   make(map[string]int64),
		limit:  -1,
		pos:    state.Position{Source: src},
	}

	if !sc.Rebuild() {
		if valid {
			t.pos = pos
		}
		t.recordPosition = true
		t.committed = t.pos.Offset
		return t, nil
	}

	t.reset = true
	t.whole = true
	t.resetFrom, t.resetTo, _ = sc.Range()
	if valid {
		t.limit = pos.Offset
	} else {
		_, _, hasTarget := sc.Range()
		// A full rebuild of a never-seen source ingests all of it.
		t.recordPosition = !hasTarget
	}
	return t, nil
}

func (e *Engine) track(t *tail) {
	e.mu.Lock()
	e.tails[t.source] = t
	e.mu.Unlock()
}

func (e *Engine) untrack(t *tail) {
	e.mu.Lock()
	if e.tails[t.source] == t {
		delete(e.tails, t.source)
	}
	e.mu.Unlock()
}

// PersistCheckpoint commits the in-memory progress of every source being
// parsed right now. Sources being rebuilt are skipped; their target is left
// as it was before the rebuild started.
func (e *Engine) PersistCheckpoint(ctx context.Context) error {
	store := e.opened()
	if store == nil {
		return nil
	}

	e.mu.Lock()
	tails := make([]*tail, 0, len(e.tails))
	for _, t := range e.tails {
		tails = append(tails, t)
	}
	e.mu.Unlock()

	var errs []error
	for _, t := range tails {
		if err := t.flush(ctx, store, false); err != nil {
			errs = append(errs, fmt.Errorf("checkpoint %s: %w", t.source, err))
		}
	}
	if len(tails) > 0 {
		e.logger.Info("checkpoint persisted", "sources", len(tails), "errors", len(errs))
	}
	return errors.Join(errs...)
}
