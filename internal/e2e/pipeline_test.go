package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/logrun/internal/api"
	"github.com/mattjoyce/logrun/internal/engine"
	"github.com/mattjoyce/logrun/internal/events"
	"github.com/mattjoyce/logrun/internal/lock"
	"github.com/mattjoyce/logrun/internal/log"
	"github.com/mattjoyce/logrun/internal/run"
	"github.com/mattjoyce/logrun/internal/scope"
)

type env struct {
	dir      string
	state    string
	reports  string
	lockPath string
}

func newEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	return env{
		dir:      dir,
		state:    filepath.Join(dir, "state.db"),
		reports:  filepath.Join(dir, "reports"),
		lockPath: filepath.Join(dir, "run", "logrun.pid"),
	}
}

func (e env) engine(t *testing.T, runID string) *engine.Engine {
	t.Helper()
	eng := engine.New(engine.Options{
		StatePath:   e.state,
		ReportDir:   e.reports,
		CommitEvery: 3,
		RunID:       runID,
		Logger:      log.WithComponent("engine"),
	})
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func (e env) config(runID string, sc scope.Scope, sources []string, explicit bool) run.Config {
	return run.Config{
		RunID:           runID,
		Scope:           sc,
		Budget:          2,
		Sources:         sources,
		ExplicitSources: explicit,
		LockPath:        e.lockPath,
		ManifestPath:    e.lockPath + ".jobs",
	}
}

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	for _, l := range lines {
		if _, err := f.WriteString(l + "\n"); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
}

func reportTotal(t *testing.T, path string) int64 {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var doc struct {
		Total int64 `json:"total"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	return doc.Total
}

func mustScope(t *testing.T, p scope.Params) scope.Scope {
	t.Helper()
	sc, err := scope.Resolve(p)
	if err != nil {
		t.Fatalf("resolve scope: %v", err)
	}
	return sc
}

// gatedEngine holds every Parse call until release is closed.
type gatedEngine struct {
	*engine.Engine
	entered chan struct{}
	release chan struct{}
}

func (g *gatedEngine) Parse(ctx context.Context, sources []string, sc scope.Scope) (engine.Result, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.Engine.Parse(ctx, sources, sc)
}

func TestIncrementalRunsThenRebuild(t *testing.T) {
	log.Setup("error", false)
	e := newEnv(t)

	// 1. Two sources, first incremental run
	a := filepath.Join(e.dir, "a.log")
	b := filepath.Join(e.dir, "b.log")
	writeLines(t, a,
		"2024-03-15T10:00:00Z GET /a",
		"2024-03-15T10:05:00Z GET /a",
		"2024-03-15T11:00:00Z GET /a",
	)
	writeLines(t, b, "2024-03-16T08:00:00Z GET /b")
	sources := []string{a, b}
	incremental := mustScope(t, scope.Params{})

	out, err := run.New(e.config("run-1", incremental, sources, true), e.engine(t, "run-1"), nil, log.Get()).
		Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if out.Result.Counted != 4 {
		t.Fatalf("expected 4 counted lines, got %d", out.Result.Counted)
	}

	// 2. Append and resume; only the new lines are read
	writeLines(t, a, "2024-03-17T09:00:00Z GET /a", "2024-03-17T09:30:00Z GET /a")
	out, err = run.New(e.config("run-2", incremental, sources, true), e.engine(t, "run-2"), nil, log.Get()).
		Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if out.Result.Counted != 2 {
		t.Fatalf("expected 2 new lines, got %d", out.Result.Counted)
	}
	if got := reportTotal(t, filepath.Join(e.reports, "report-all.json")); got != 6 {
		t.Fatalf("expected report total 6, got %d", got)
	}

	// 3. Rebuild March from the same sources; totals must not double
	march := mustScope(t, scope.Params{BuildDate: "2024-03"})
	out, err = run.New(e.config("run-3", march, sources, true), e.engine(t, "run-3"), nil, log.Get()).
		Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("rebuild run: %v", err)
	}
	if !out.Parsed {
		t.Fatal("expected rebuild with explicit sources to parse")
	}
	if got := reportTotal(t, filepath.Join(e.reports, "report-2024-03.json")); got != 6 {
		t.Fatalf("expected rebuilt March total 6, got %d", got)
	}

	// 4. Reports-only rebuild
	out, err = run.New(e.config("run-4", march, sources, false), e.engine(t, "run-4"), nil, log.Get()).
		Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("reports-only run: %v", err)
	}
	if out.Parsed {
		t.Fatal("expected reports-only rebuild to skip parsing")
	}
	if got := reportTotal(t, filepath.Join(e.reports, "report-2024-03.json")); got != 6 {
		t.Fatalf("expected March total 6 after reports-only rebuild, got %d", got)
	}

	if _, err := os.Stat(e.lockPath); !os.IsNotExist(err) {
		t.Fatalf("expected lock to be released, stat err: %v", err)
	}
}

func TestConcurrentRunIsRejected(t *testing.T) {
	log.Setup("error", false)
	e := newEnv(t)

	src := filepath.Join(e.dir, "access.log")
	writeLines(t, src, "2024-03-15T10:00:00Z GET /")
	sc := mustScope(t, scope.Params{})

	gated := &gatedEngine{
		Engine:  e.engine(t, "first"),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}

	type result struct {
		out run.Outcome
		err error
	}
	firstDone := make(chan result, 1)
	go func() {
		out, err := run.New(e.config("first", sc, []string{src}, true), gated, nil, log.Get()).
			Run(context.Background(), nil)
		firstDone <- result{out, err}
	}()

	select {
	case <-gated.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never started parsing")
	}

	// The second engine shares the state file; it must never be opened.
	second := engine.New(engine.Options{StatePath: filepath.Join(e.dir, "second.db"), ReportDir: e.reports})
	defer second.Close()
	_, err := run.New(e.config("second", sc, []string{src}, true), second, nil, log.Get()).
		Run(context.Background(), nil)
	if !errors.Is(err, lock.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(e.dir, "second.db")); !os.IsNotExist(err) {
		t.Fatalf("rejected run must not open its state, stat err: %v", err)
	}

	close(gated.release)
	select {
	case r := <-firstDone:
		if r.err != nil {
			t.Fatalf("first run failed: %v", r.err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("first run did not finish")
	}

	// With the lock released a new run goes through.
	if _, err := run.New(e.config("third", sc, []string{src}, true), e.engine(t, "third"), nil, log.Get()).
		Run(context.Background(), nil); err != nil {
		t.Fatalf("run after release: %v", err)
	}
}

func TestStatusEndpointFollowsRun(t *testing.T) {
	log.Setup("error", false)
	e := newEnv(t)

	src := filepath.Join(e.dir, "access.log")
	writeLines(t, src, "2024-03-15T10:00:00Z GET /")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	hub := events.NewHub(64)
	runner := run.New(e.config("status-run", mustScope(t, scope.Params{}), []string{src}, true), e.engine(t, "status-run"), hub, log.Get())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := api.New(api.Config{Listen: addr, Token: "s3cret"}, runner, hub, log.WithComponent("api"))
	go func() { _ = srv.Start(ctx) }()

	if _, err := runner.Run(context.Background(), nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	get := func(path string) *http.Response {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for {
			req, _ := http.NewRequest(http.MethodGet, "http://"+addr+path, nil)
			req.Header.Set("Authorization", "Bearer s3cret")
			resp, err := http.DefaultClient.Do(req)
			if err == nil {
				return resp
			}
			if time.Now().After(deadline) {
				t.Fatalf("GET %s: %v", path, err)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}

	resp := get("/status")
	var status struct {
		RunID string `json:"run_id"`
		Phase string `json:"phase"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	_ = resp.Body.Close()
	if status.RunID != "status-run" || status.Phase != "DONE" {
		t.Fatalf("unexpected status %+v", status)
	}

	resp = get("/events")
	var evs api.EventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&evs); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	_ = resp.Body.Close()

	var phases []string
	for _, ev := range evs.Events {
		if ev.Type == "run.phase" {
			phases = append(phases, string(ev.Data))
		}
	}
	if len(phases) != 4 {
		t.Fatalf("expected 4 phase transitions, got %d: %v", len(phases), phases)
	}
	if !strings.Contains(phases[len(phases)-1], "DONE") {
		t.Fatalf("expected last transition to DONE, got %s", phases[len(phases)-1])
	}
}
