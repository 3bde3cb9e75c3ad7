// Package phase tracks the lifecycle phase of a run. Exactly one phase is
// active at a time; transitions are compare-and-set so the orchestrator and
// the shutdown coordinator can race without losing a termination request.
package phase

import (
	"slices"
	"sync"
	"time"

	"github.com/mattjoyce/logrun/internal/events"
)

type Phase int32

const (
	Idle Phase = iota
	Locking
	Parsing
	Reporting
	Terminating
	Done
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "IDLE"
	case Locking:
		return "LOCKING"
	case Parsing:
		return "PARSING"
	case Reporting:
		return "REPORTING"
	case Terminating:
		return "TERMINATING"
	case Done:
		return "DONE"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool { return p == Done || p == Failed }

// Tracker holds the current phase.
type Tracker struct {
	mu    sync.Mutex
	cur   Phase
	since time.Time
	hub   *events.Hub
}

// NewTracker starts in Idle. hub may be nil.
func NewTracker(hub *events.Hub) *Tracker {
	return &Tracker{cur: Idle, since: time.Now(), hub: hub}
}

func (t *Tracker) Current() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur
}

// Since returns when the current phase was entered.
func (t *Tracker) Since() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.since
}

// Advance moves from -> to only if from is the current phase.
func (t *Tracker) Advance(from, to Phase) bool {
	_, ok := t.AdvanceFrom([]Phase{from}, to)
	return ok
}

// AdvanceFrom moves to `to` if the current phase is one of from, returning
// the phase that was left.
func (t *Tracker) AdvanceFrom(from []Phase, to Phase) (Phase, bool) {
	t.mu.Lock()
	prev := t.cur
	if !slices.Contains(from, prev) {
		t.mu.Unlock()
		return prev, false
	}
	t.cur = to
	t.since = time.Now()
	t.mu.Unlock()

	if t.hub != nil {
		t.hub.Publish("run.phase", map[string]string{
			"from": prev.String(),
			"to":   to.String(),
		})
	}
	return prev, true
}
