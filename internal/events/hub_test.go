package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubSnapshotSince(t *testing.T) {
	t.Parallel()

	h := NewHub(10)
	h.Publish("a", map[string]any{"n": 1})
	h.Publish("b", nil)
	h.Publish("c", nil)

	all := h.SnapshotSince(0)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].Type)
	assert.JSONEq(t, `{"n":1}`, string(all[0].Data))
	assert.JSONEq(t, `{}`, string(all[1].Data))

	tail := h.SnapshotSince(all[1].ID)
	require.Len(t, tail, 1)
	assert.Equal(t, "c", tail[0].Type)
}

func TestHubRingOverwritesOldest(t *testing.T) {
	t.Parallel()

	h := NewHub(2)
	for _, typ := range []string{"one", "two", "three"} {
		h.Publish(typ, nil)
	}

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 2)
	assert.Equal(t, "two", snap[0].Type)
	assert.Equal(t, "three", snap[1].Type)
	assert.Less(t, snap[0].ID, snap[1].ID)
}

func TestHubUnmarshalableData(t *testing.T) {
	t.Parallel()

	h := NewHub(0)
	h.Publish("bad", make(chan int))

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 1)
	var v map[string]any
	require.NoError(t, json.Unmarshal(snap[0].Data, &v))
	assert.Empty(t, v)
}
