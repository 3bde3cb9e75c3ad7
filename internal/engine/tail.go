package engine

import (
	"context"
	"sync"
	"time"

	"github.com/mattjoyce/logrun/internal/scope"
	"github.com/mattjoyce/logrun/internal/state"
)

// tail is the in-flight parse state of one source.
type tail struct {
	source string
	head   []byte
	// limit is the offset reading stops at, -1 for end of file.
	limit          int64
	recordPosition bool

	mu        sync.Mutex
	pos       state.Position
	committed int64
	hits      map[string]int64

	reset              bool
	resetFrom, resetTo time.Time
	// whole holds every commit until the source has been read to its end,
	// so a rebuild never replaces a target with a partial recount.
	whole bool
}

// consume accounts for one complete line and reports whether it was counted.
func (t *tail) consume(line []byte, sc scope.Scope) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pos.Offset += int64(len(line))
	t.pos.Lines++

	ts, ok := ParseTimestamp(line)
	if !ok {
		return false
	}
	adj := sc.Adjust(ts)
	if !sc.Contains(adj) {
		return false
	}
	t.hits[state.BucketKey(adj)]++
	return true
}

// flush commits pending hits together with the offset they were read up to.
// final marks the flush after the last line of the source.
func (t *tail) flush(ctx context.Context, store *state.Store, final bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.whole && !final {
		return nil
	}

	moved := t.recordPosition && t.pos.Offset != t.committed
	if len(t.hits) == 0 && !t.reset && !moved {
		return nil
	}

	b := state.Batch{
		Source:    t.source,
		Hits:      t.hits,
		Reset:     t.reset,
		ResetFrom: t.resetFrom,
		ResetTo:   t.resetTo,
	}
	if t.recordPosition {
		p := t.pos
		p.Fingerprint = state.Fingerprint(t.head, p.Offset)
		b.Position = &p
	}

	if err := store.Commit(ctx, b); err != nil {
		return err
	}
	t.hits = make(map[string]int64)
	t.reset = false
	t.committed = t.pos.Offset
	return nil
}
