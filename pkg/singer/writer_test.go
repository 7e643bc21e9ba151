package singer

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tap-salesforce/pkg/catalog"
	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/models"
)

// countingWriter records every Write call.
type countingWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	writes int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	return c.buf.Write(p)
}

func (c *countingWriter) lines(t *testing.T) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	sc := bufio.NewScanner(strings.NewReader(c.buf.String()))
	for sc.Scan() {
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &msg), sc.Text())
		out = append(out, msg)
	}
	return out
}

func ordersStream() catalog.SelectedStream {
	return catalog.SelectedStream{
		Schema: &catalog.Schema{
			Name: "orders",
			Fields: []catalog.Field{
				{Name: "order_no", Type: catalog.FieldTypeString, Key: true},
				{Name: "last_modified", Type: catalog.FieldTypeTimestamp, Nullable: true},
				{Name: "order_total", Type: catalog.FieldTypeNumber, Nullable: true},
			},
			ReplicationKey: "last_modified",
			Methods:        []models.ReplicationMethod{models.Incremental},
			Version:        2,
		},
		Method: models.Incremental,
		Fields: []string{"order_no", "last_modified"},
	}
}

func TestRecordBeforeSchema(t *testing.T) {
	out := &countingWriter{}
	w := NewWriter(out)

	err := w.WriteRecord(models.NewRecord("orders", map[string]interface{}{"order_no": "1"}))
	assert.ErrorIs(t, err, ErrSchemaNotWritten)
	assert.Zero(t, out.writes)
}

func TestWriteSchema(t *testing.T) {
	out := &countingWriter{}
	w := NewWriter(out)
	require.NoError(t, w.WriteSchema(ordersStream()))

	msgs := out.lines(t)
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, TypeSchema, msg["type"])
	assert.Equal(t, "orders", msg["stream"])
	assert.NoError(t, w.WriteRecord(models.NewRecord("orders", map[string]interface{}{"order_no": "1"})))
	assert.Equal(t, []interface{}{"order_no"}, msg["key_properties"])
	assert.Equal(t, []interface{}{"last_modified"}, msg["bookmark_properties"])

	props := msg["schema"].(map[string]interface{})["properties"].(map[string]interface{})
	assert.Contains(t, props, "order_no")
	assert.Contains(t, props, "last_modified")
	assert.NotContains(t, props, "order_total")
}

func TestWriteRecords(t *testing.T) {
	out := &countingWriter{}
	w := NewWriter(out)
	require.NoError(t, w.WriteSchema(ordersStream()))

	extracted := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	recs := []*models.Record{
		{Stream: "orders", Data: map[string]interface{}{"order_no": "1", "note": "<b>&"}, ExtractedAt: extracted},
		{Stream: "orders", Data: map[string]interface{}{"order_no": "2"}, ExtractedAt: extracted},
	}
	require.NoError(t, w.WriteRecords(recs))

	assert.Equal(t, 3, out.writes)
	assert.Contains(t, out.buf.String(), `"note":"<b>&"`)

	msgs := out.lines(t)
	require.Len(t, msgs, 3)
	rec := msgs[1]
	assert.Equal(t, TypeRecord, rec["type"])
	assert.Equal(t, "orders", rec["stream"])
	assert.Equal(t, float64(2), rec["version"])
	assert.Equal(t, "2024-03-01T12:00:00Z", rec["time_extracted"])
	assert.Equal(t, "2", msgs[2]["record"].(map[string]interface{})["order_no"])
}

func TestWriteState(t *testing.T) {
	out := &countingWriter{}
	w := NewWriter(out)

	state := models.NewSyncState()
	state.Bookmarks["orders"] = models.Bookmark{
		ReplicationMethod: models.Incremental,
		ReplicationKey:    "last_modified",
		Value:             "2024-01-02T00:00:00Z",
	}
	require.NoError(t, w.WriteState(state))
	require.NoError(t, w.WriteState(models.SyncState{}))

	lines := strings.Split(strings.TrimSpace(out.buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"type":"STATE","value":{"bookmarks":{"orders":{
		"replication_method":"INCREMENTAL",
		"replication_key":"last_modified",
		"replication_key_value":"2024-01-02T00:00:00Z"}}}}`, lines[0])
	assert.JSONEq(t, `{"type":"STATE","value":{"bookmarks":{}}}`, lines[1])
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, fmt.Errorf("broken pipe") }

func TestWriteFailure(t *testing.T) {
	w := NewWriter(failingWriter{})
	err := w.WriteSchema(ordersStream())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInternal))
	assert.ErrorIs(t, w.WriteRecord(models.NewRecord("orders", nil)), ErrSchemaNotWritten)
}

func TestConcurrentStreamsDoNotInterleave(t *testing.T) {
	out := &countingWriter{}
	w := NewWriter(out)

	const streams, perStream = 4, 50
	var wg sync.WaitGroup
	for i := 0; i < streams; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("s%d", i)
			sel := catalog.SelectedStream{
				Schema: &catalog.Schema{Name: name, Fields: []catalog.Field{{Name: "id", Key: true}}},
				Method: models.FullTable,
			}
			assert.NoError(t, w.WriteSchema(sel))
			for j := 0; j < perStream; j++ {
				assert.NoError(t, w.WriteRecord(models.NewRecord(name, map[string]interface{}{"id": j})))
			}
		}(i)
	}
	wg.Wait()

	msgs := out.lines(t)
	require.Len(t, msgs, streams*(perStream+1))

	next := make(map[string]float64)
	for _, msg := range msgs {
		if msg["type"] != TypeRecord {
			continue
		}
		stream := msg["stream"].(string)
		id := msg["record"].(map[string]interface{})["id"].(float64)
		assert.Equal(t, next[stream], id, "records of %s out of order", stream)
		next[stream]++
	}
}
