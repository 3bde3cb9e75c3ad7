package phase

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/logrun/internal/events"
)

func TestAdvance(t *testing.T) {
	t.Parallel()

	tr := NewTracker(nil)
	assert.Equal(t, Idle, tr.Current())

	assert.True(t, tr.Advance(Idle, Locking))
	assert.False(t, tr.Advance(Idle, Parsing), "stale from must not transition")
	assert.Equal(t, Locking, tr.Current())
}

func TestAdvanceFromReturnsPrevious(t *testing.T) {
	t.Parallel()

	tr := NewTracker(nil)
	require.True(t, tr.Advance(Idle, Locking))
	require.True(t, tr.Advance(Locking, Parsing))

	prev, ok := tr.AdvanceFrom([]Phase{Parsing, Reporting}, Terminating)
	assert.True(t, ok)
	assert.Equal(t, Parsing, prev)

	prev, ok = tr.AdvanceFrom([]Phase{Parsing, Reporting}, Terminating)
	assert.False(t, ok)
	assert.Equal(t, Terminating, prev)
}

func TestOnlyOneRacerWins(t *testing.T) {
	t.Parallel()

	tr := NewTracker(nil)
	require.True(t, tr.Advance(Idle, Parsing))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := tr.AdvanceFrom([]Phase{Parsing}, Terminating); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestTransitionsArePublished(t *testing.T) {
	t.Parallel()

	hub := events.NewHub(8)
	tr := NewTracker(hub)
	require.True(t, tr.Advance(Idle, Locking))

	snap := hub.SnapshotSince(0)
	require.Len(t, snap, 1)
	assert.Equal(t, "run.phase", snap[0].Type)

	var data map[string]string
	require.NoError(t, json.Unmarshal(snap[0].Data, &data))
	assert.Equal(t, "IDLE", data["from"])
	assert.Equal(t, "LOCKING", data["to"])
}

func TestStringAndTerminal(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "TERMINATING", Terminating.String())
	assert.Equal(t, "UNKNOWN", Phase(42).String())
	assert.True(t, Done.Terminal())
	assert.True(t, Failed.Terminal())
	assert.False(t, Reporting.Terminal())
}
