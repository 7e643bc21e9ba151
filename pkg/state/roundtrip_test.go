package state

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tap-salesforce/pkg/models"
	"github.com/ajitpratap0/tap-salesforce/pkg/singer"
)

func TestStateLineRoundTrip(t *testing.T) {
	st := models.NewSyncState()
	st.Bookmarks["orders"] = models.Bookmark{
		ReplicationMethod: models.Incremental,
		ReplicationKey:    "last_modified",
		Value:             "2024-03-01T10:00:00.000Z",
	}
	st.Bookmarks["sites"] = models.Bookmark{ReplicationMethod: models.FullTable, Version: 1717200000000}
	st.Bookmarks["order_changes"] = models.Bookmark{ReplicationMethod: models.LogBased, LogPosition: "3:1842"}
	st.CurrentlySyncing = "orders"

	var out bytes.Buffer
	require.NoError(t, singer.NewWriter(&out).WriteState(st))

	decoded, err := DecodeState(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, st, decoded)

	store := NewStore(NewMemoryBackend(), WithInitial(decoded))
	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, st.Bookmarks, loaded.Bookmarks)
}
