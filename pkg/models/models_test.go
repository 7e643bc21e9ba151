package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareCursor(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want int
	}{
		{"numbers numerically", "9", "10", -1},
		{"equal numbers", "20", "20.0", 0},
		{"timestamps as instants", "2024-01-02T00:00:00Z", "2024-01-01T23:00:00-02:00", -1},
		{"ocapi millis vs rfc3339", "2024-01-01T00:00:00.000Z", "2024-01-01T00:00:00Z", 0},
		{"mixed falls back to strings", "abc", "10", 1},
		{"plain strings", "a", "b", -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareCursor(tt.a, tt.b))
		})
	}
}

func TestFormatCursor(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		in   interface{}
		want string
	}{
		{"2024-05-01T12:00:00.000Z", "2024-05-01T12:00:00.000Z"},
		{float64(30), "30"},
		{int64(7), "7"},
		{json.Number("12.5"), "12.5"},
		{ts, "2024-05-01T12:00:00Z"},
	}
	for _, tt := range tests {
		got, err := FormatCursor(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := FormatCursor(nil)
	assert.Error(t, err)
	_, err = FormatCursor([]int{1})
	assert.Error(t, err)
}

func TestSyncStateJSONRoundTrip(t *testing.T) {
	state := NewSyncState()
	state.Bookmarks["orders"] = Bookmark{
		ReplicationMethod: Incremental,
		ReplicationKey:    "last_modified",
		Value:             "2024-01-01T00:00:00.000Z",
	}
	state.Bookmarks["order_changes"] = Bookmark{ReplicationMethod: LogBased, LogPosition: `{"0":42}`}
	state.Bookmarks["sites"] = Bookmark{ReplicationMethod: FullTable, Version: 1700000000000}

	raw, err := json.Marshal(state)
	require.NoError(t, err)

	var decoded SyncState
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, state, decoded)
}

func TestSyncStateCloneIsIndependent(t *testing.T) {
	state := NewSyncState()
	state.Bookmarks["a"] = Bookmark{ReplicationMethod: FullTable, Version: 1}

	clone := state.Clone()
	clone.Bookmarks["b"] = Bookmark{ReplicationMethod: FullTable, Version: 2}

	assert.Len(t, state.Bookmarks, 1)
	assert.Len(t, clone.Bookmarks, 2)
	assert.Equal(t, []string{"a", "b"}, clone.Streams())
}

func TestParseReplicationMethod(t *testing.T) {
	m, err := ParseReplicationMethod("incremental")
	require.NoError(t, err)
	assert.Equal(t, Incremental, m)

	_, err = ParseReplicationMethod("cdc")
	assert.Error(t, err)
}

func TestRecordProject(t *testing.T) {
	r := NewRecord("orders", map[string]interface{}{"order_no": "1", "total": 3.5, "note": "x"})
	p := r.Project([]string{"order_no", "total", "missing"})

	assert.Equal(t, map[string]interface{}{"order_no": "1", "total": 3.5}, p.Data)
	assert.Equal(t, r.ExtractedAt, p.ExtractedAt)
	assert.Same(t, r, r.Project(nil))
}
