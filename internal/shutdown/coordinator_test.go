package shutdown

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mattjoyce/logrun/internal/events"
	"github.com/mattjoyce/logrun/internal/phase"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder collects the order in which termination steps happen.
type recorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.steps = append(r.steps, s)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.steps...)
}

type fakeCheckpointer struct {
	rec *recorder
	ctx context.Context // run context, checked at checkpoint time
	err error
}

func (f *fakeCheckpointer) PersistCheckpoint(context.Context) error {
	if f.ctx != nil && f.ctx.Err() != nil {
		f.rec.add("checkpoint-after-cancel")
	} else {
		f.rec.add("checkpoint")
	}
	return f.err
}

type fakeLock struct {
	rec      *recorder
	released int
	err      error
}

func (l *fakeLock) Release() error {
	l.released++
	l.rec.add("release")
	return l.err
}

type fakeWaiter struct {
	rec     *recorder
	release chan struct{}
}

func (w *fakeWaiter) Wait() {
	if w.release != nil {
		<-w.release
	}
	w.rec.add("workers-terminal")
}

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

type harness struct {
	rec     *recorder
	tracker *phase.Tracker
	ctx     context.Context
	cp      *fakeCheckpointer
	coord   *Coordinator
	logs    *bytes.Buffer
}

func newHarness(t *testing.T, grace time.Duration) *harness {
	t.Helper()

	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tracker := phase.NewTracker(events.NewHub(16))
	cp := &fakeCheckpointer{rec: rec, ctx: ctx}
	logger, buf := newTestLogger()
	coord := New(tracker, cp, func() {
		rec.add("cancel")
		cancel()
	}, Options{GracePeriod: grace, Logger: logger})

	return &harness{rec: rec, tracker: tracker, ctx: ctx, cp: cp, coord: coord, logs: buf}
}

func (h *harness) enter(t *testing.T, to phase.Phase) {
	t.Helper()
	path := []phase.Phase{phase.Locking, phase.Parsing, phase.Reporting}
	cur := phase.Idle
	for _, p := range path {
		if cur == to {
			break
		}
		require.True(t, h.tracker.Advance(cur, p))
		cur = p
	}
	require.Equal(t, to, h.tracker.Current())
}

func TestTerminateDuringParsingOrdersSteps(t *testing.T) {
	h := newHarness(t, 0)
	h.enter(t, phase.Parsing)

	lock := &fakeLock{rec: h.rec}
	require.True(t, h.coord.HoldLock(lock))
	h.coord.AddWaiter(&fakeWaiter{rec: h.rec})
	h.coord.OnCleanup(func() error {
		h.rec.add("cleanup")
		return nil
	})

	require.True(t, h.coord.Terminate("terminated"))

	assert.Equal(t, []string{"checkpoint", "cancel", "workers-terminal", "release", "cleanup"}, h.rec.list())
	assert.Equal(t, phase.Done, h.tracker.Current())
	assert.Error(t, h.ctx.Err())
	assert.True(t, h.coord.Terminating())
	select {
	case <-h.coord.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestTerminateDuringReportingPersistsCheckpoint(t *testing.T) {
	h := newHarness(t, 0)
	h.enter(t, phase.Reporting)

	require.True(t, h.coord.Terminate("interrupt"))
	assert.Equal(t, []string{"checkpoint", "cancel"}, h.rec.list())
}

func TestTerminateBeforeParsingSkipsCheckpoint(t *testing.T) {
	for _, p := range []phase.Phase{phase.Idle, phase.Locking} {
		t.Run(p.String(), func(t *testing.T) {
			h := newHarness(t, 0)
			h.enter(t, p)

			require.True(t, h.coord.Terminate("interrupt"))
			assert.Equal(t, []string{"cancel"}, h.rec.list())
			assert.Equal(t, phase.Done, h.tracker.Current())
		})
	}
}

func TestHoldLockAfterTerminationReleasesImmediately(t *testing.T) {
	h := newHarness(t, 0)
	h.enter(t, phase.Locking)
	require.True(t, h.coord.Terminate("interrupt"))

	lock := &fakeLock{rec: h.rec}
	assert.False(t, h.coord.HoldLock(lock))
	assert.Equal(t, 1, lock.released)
}

func TestTerminateIsEdgeTriggered(t *testing.T) {
	h := newHarness(t, 0)
	h.enter(t, phase.Parsing)
	lock := &fakeLock{rec: h.rec}
	require.True(t, h.coord.HoldLock(lock))

	require.True(t, h.coord.Terminate("first"))
	assert.False(t, h.coord.Terminate("second"))
	assert.Equal(t, 1, lock.released)
	assert.Equal(t, []string{"checkpoint", "cancel", "release"}, h.rec.list())
}

func TestTerminateIgnoredAfterFinish(t *testing.T) {
	for _, p := range []phase.Phase{phase.Done, phase.Failed} {
		t.Run(p.String(), func(t *testing.T) {
			h := newHarness(t, 0)
			h.enter(t, phase.Reporting)
			require.True(t, h.tracker.Advance(phase.Reporting, p))

			assert.False(t, h.coord.Terminate("late"))
			assert.Empty(t, h.rec.list())
			assert.False(t, h.coord.Terminating())
		})
	}
}

func TestCheckpointFailureStillReleasesLock(t *testing.T) {
	h := newHarness(t, 0)
	h.cp.err = errors.New("database is locked")
	h.enter(t, phase.Parsing)
	lock := &fakeLock{rec: h.rec, err: errors.New("already gone")}
	require.True(t, h.coord.HoldLock(lock))
	h.coord.OnCleanup(func() error { return errors.New("manifest busy") })

	require.True(t, h.coord.Terminate("terminated"))
	assert.Equal(t, 1, lock.released)
	assert.Equal(t, phase.Done, h.tracker.Current())
	assert.Contains(t, h.logs.String(), "failed to persist checkpoint")
	assert.Contains(t, h.logs.String(), "cleanup failed")
}

func TestGracePeriodBoundsWorkerWait(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	h.enter(t, phase.Parsing)
	lock := &fakeLock{rec: h.rec}
	require.True(t, h.coord.HoldLock(lock))

	stuck := &fakeWaiter{rec: h.rec, release: make(chan struct{})}
	defer close(stuck.release)
	h.coord.AddWaiter(stuck)

	finished := make(chan struct{})
	go func() {
		h.coord.Terminate("terminated")
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("termination did not honor the grace period")
	}
	assert.Equal(t, 1, lock.released)
	assert.Contains(t, h.logs.String(), "grace period elapsed")
}

func TestWaitWithoutGraceBlocksForWorkers(t *testing.T) {
	h := newHarness(t, 0)
	h.enter(t, phase.Parsing)
	lock := &fakeLock{rec: h.rec}
	require.True(t, h.coord.HoldLock(lock))

	w := &fakeWaiter{rec: h.rec, release: make(chan struct{})}
	h.coord.AddWaiter(w)

	go h.coord.Terminate("terminated")

	select {
	case <-h.coord.Done():
		t.Fatal("terminated before workers stopped")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, lock.released)

	close(w.release)
	select {
	case <-h.coord.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("termination did not finish")
	}
	assert.Equal(t, []string{"checkpoint", "cancel", "workers-terminal", "release"}, h.rec.list())
}

func TestWatchTerminatesOnSignal(t *testing.T) {
	h := newHarness(t, 0)
	h.enter(t, phase.Parsing)

	sigs := make(chan os.Signal, 2)
	returned := make(chan struct{})
	go func() {
		h.coord.Watch(context.Background(), sigs)
		close(returned)
	}()

	sigs <- syscall.SIGTERM
	select {
	case <-h.coord.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("signal did not terminate the run")
	}
	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return")
	}
	assert.Equal(t, phase.Done, h.tracker.Current())
}

func TestWatchReturnsOnContextDone(t *testing.T) {
	h := newHarness(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	returned := make(chan struct{})
	go func() {
		h.coord.Watch(ctx, make(chan os.Signal))
		close(returned)
	}()
	cancel()

	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return")
	}
	assert.False(t, h.coord.Terminating())
}

func TestActivity(t *testing.T) {
	var a Activity
	a.Wait()

	a.Begin()
	done := make(chan struct{})
	go func() {
		a.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned with work in flight")
	case <-time.After(20 * time.Millisecond):
	}
	a.End()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return")
	}
}
