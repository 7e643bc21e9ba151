package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/tap-salesforce/pkg/catalog"
	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/extract"
	"github.com/ajitpratap0/tap-salesforce/pkg/models"
	"github.com/ajitpratap0/tap-salesforce/pkg/singer"
	"github.com/ajitpratap0/tap-salesforce/pkg/state"
)

// pageSource serves rows in pages. After failAfter pages it returns err;
// page number delayAt sleeps for delay first.
type pageSource struct {
	mu        sync.Mutex
	rows      []map[string]interface{}
	pageSize  int
	failAfter int
	err       error
	delayAt   int
	delay     time.Duration
	pages     int
}

func (p *pageSource) PageSize() int { return p.pageSize }

func (p *pageSource) FetchPage(ctx context.Context, req extract.PageRequest) (*extract.Page, error) {
	p.mu.Lock()
	p.pages++
	page := p.pages
	p.mu.Unlock()

	if p.err != nil && page > p.failAfter {
		return nil, p.err
	}
	if p.delayAt > 0 && page == p.delayAt {
		time.Sleep(p.delay)
	}
	end := min(req.Offset+req.Limit, len(p.rows))
	if req.Offset >= end {
		return &extract.Page{}, nil
	}
	return &extract.Page{Records: p.rows[req.Offset:end], HasMore: end < len(p.rows)}, nil
}

// changeLog serves changes keyed by position. Positions in expired are gone.
type changeLog struct {
	head    string
	changes map[string][]extract.Change
	expired map[string]bool
}

func (c *changeLog) Head(context.Context) (string, error) { return c.head, nil }

func (c *changeLog) ReadChanges(_ context.Context, position string, limit int) ([]extract.Change, error) {
	if c.expired[position] {
		return nil, errors.ExpiredCursor(nil, "position expired")
	}
	changes := c.changes[position]
	if len(changes) > limit {
		changes = changes[:limit]
	}
	return changes, nil
}

type fakeTap struct {
	sources map[string]*pageSource
	log     *changeLog
}

func (f *fakeTap) Extractor(sel catalog.SelectedStream, opts extract.Options) (extract.Extractor, error) {
	name := sel.Name()
	switch sel.Method {
	case models.FullTable:
		return extract.NewFullTable(name, f.sources[name], opts), nil
	case models.Incremental:
		return extract.NewIncremental(name, f.sources[name], sel.Schema.ReplicationKey, "", opts), nil
	case models.LogBased:
		return extract.NewLogBased(name, f.log, 0, opts), nil
	}
	return nil, fmt.Errorf("unsupported method %s", sel.Method)
}

func (f *fakeTap) Snapshot(sel catalog.SelectedStream, opts extract.Options) (extract.Extractor, error) {
	name := sel.Name()
	return extract.NewSnapshot(
		extract.NewFullTable(name, f.sources[name], opts),
		extract.NewLogBased(name, f.log, 0, opts),
	), nil
}

// failingBackend fails every Save.
type failingBackend struct {
	*state.MemoryBackend
}

func (failingBackend) Save(context.Context, string, models.Bookmark, state.Snapshot) error {
	return fmt.Errorf("disk full")
}

func rows(n int) []map[string]interface{} {
	out := make([]map[string]interface{}, n)
	for i := range out {
		out[i] = map[string]interface{}{
			"id":            fmt.Sprint(i + 1),
			"last_modified": fmt.Sprintf("2024-01-%02dT00:00:00Z", i+1),
			"note":          "x",
		}
	}
	return out
}

func selected(name string, method models.ReplicationMethod) catalog.SelectedStream {
	schema := &catalog.Schema{
		Name: name,
		Fields: []catalog.Field{
			{Name: "id", Type: catalog.FieldTypeString, Key: true},
			{Name: "last_modified", Type: catalog.FieldTypeTimestamp, Nullable: true},
			{Name: "note", Type: catalog.FieldTypeString, Nullable: true},
		},
		Methods: []models.ReplicationMethod{method},
	}
	if method == models.Incremental {
		schema.ReplicationKey = "last_modified"
	}
	return catalog.SelectedStream{Schema: schema, Method: method}
}

func selection(streams ...catalog.SelectedStream) *catalog.Selection {
	return &catalog.Selection{Streams: streams}
}

// message is one decoded output line.
type message struct {
	Type   string                 `json:"type"`
	Stream string                 `json:"stream"`
	Record map[string]interface{} `json:"record"`
	Value  models.SyncState       `json:"value"`
}

func decode(t *testing.T, out *bytes.Buffer) []message {
	t.Helper()
	var msgs []message
	sc := bufio.NewScanner(strings.NewReader(out.String()))
	for sc.Scan() {
		var m message
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		msgs = append(msgs, m)
	}
	return msgs
}

func types(msgs []message) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Type[:1]
	}
	return strings.Join(parts, "")
}

func streamResult(res *Result, name string) (StreamResult, bool) {
	for _, s := range res.Streams {
		if s.Stream == name {
			return s, true
		}
	}
	return StreamResult{}, false
}

var fixedNow = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func newEngine(tap Source, backend state.Backend, out *bytes.Buffer, cfg Config) (*Engine, *state.Store) {
	if cfg.Retry == nil {
		cfg.Retry = extract.NoRetryPolicy()
	}
	store := state.NewStore(backend)
	return New(tap, store, singer.NewWriter(out), cfg, WithClock(func() time.Time { return fixedNow })), store
}

func TestFullTableWritesVersionOnCompletion(t *testing.T) {
	tap := &fakeTap{sources: map[string]*pageSource{"sites": {rows: rows(5), pageSize: 2}}}
	out := &bytes.Buffer{}
	eng, _ := newEngine(tap, nil, out, Config{BatchSize: 2})

	res, err := eng.Run(context.Background(), selection(selected("sites", models.FullTable)))
	require.NoError(t, err)

	msgs := decode(t, out)
	assert.Equal(t, "SRRRRRSS", types(msgs))

	want := models.Bookmark{ReplicationMethod: models.FullTable, Version: fixedNow.UnixMilli()}
	assert.Equal(t, want, msgs[6].Value.Bookmarks["sites"])
	assert.Equal(t, want, res.State.Bookmarks["sites"])

	sr, ok := streamResult(res, "sites")
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, sr.Status)
	assert.EqualValues(t, 5, sr.Records)
}

func TestIncrementalCheckpointsNeverRunAhead(t *testing.T) {
	tap := &fakeTap{sources: map[string]*pageSource{"orders": {rows: rows(5), pageSize: 3}}}
	out := &bytes.Buffer{}
	eng, _ := newEngine(tap, nil, out, Config{BatchSize: 2})

	_, err := eng.Run(context.Background(), selection(selected("orders", models.Incremental)))
	require.NoError(t, err)

	msgs := decode(t, out)
	assert.Equal(t, "SRRSRRSRSS", types(msgs))

	written := ""
	for _, m := range msgs {
		switch m.Type {
		case singer.TypeRecord:
			written = m.Record["last_modified"].(string)
		case singer.TypeState:
			b := m.Value.Bookmarks["orders"]
			assert.LessOrEqual(t, models.CompareCursor(b.Value, written), 0,
				"bookmark %s ahead of last written record %s", b.Value, written)
		}
	}
	assert.Equal(t, "2024-01-05T00:00:00Z", msgs[len(msgs)-1].Value.Bookmarks["orders"].Value)
}

func TestIncrementalResumesInclusive(t *testing.T) {
	tap := &fakeTap{sources: map[string]*pageSource{"orders": {rows: rows(5), pageSize: 10}}}
	prior := models.NewSyncState()
	prior.Bookmarks["orders"] = models.Bookmark{
		ReplicationMethod: models.Incremental,
		ReplicationKey:    "last_modified",
		Value:             "2024-01-04T00:00:00Z",
	}
	out := &bytes.Buffer{}
	eng, _ := newEngine(tap, state.NewMemoryBackendWith(prior), out, Config{BatchSize: 10})

	res, err := eng.Run(context.Background(), selection(selected("orders", models.Incremental)))
	require.NoError(t, err)

	sr, _ := streamResult(res, "orders")
	assert.EqualValues(t, 2, sr.Records)
	assert.Equal(t, "2024-01-05T00:00:00Z", sr.Bookmark.Value)
}

func TestStreamFailureIsIsolated(t *testing.T) {
	tap := &fakeTap{sources: map[string]*pageSource{
		"catalogs": {rows: rows(3), pageSize: 2, err: errors.New(errors.ErrorTypeAuthentication, "invalid token")},
		"sites":    {rows: rows(3), pageSize: 2},
	}}
	out := &bytes.Buffer{}
	eng, _ := newEngine(tap, nil, out, Config{BatchSize: 10})

	res, err := eng.Run(context.Background(), selection(
		selected("catalogs", models.FullTable),
		selected("sites", models.FullTable),
	))
	require.NoError(t, err)

	catalogs, _ := streamResult(res, "catalogs")
	assert.Equal(t, StatusFailed, catalogs.Status)
	assert.True(t, errors.IsType(catalogs.Err, errors.ErrorTypeExtraction))
	assert.True(t, errors.HasType(catalogs.Err, errors.ErrorTypeAuthentication))

	sites, _ := streamResult(res, "sites")
	assert.Equal(t, StatusSuccess, sites.Status)
	assert.Len(t, res.Failed(), 1)
	assert.NotContains(t, res.State.Bookmarks, "catalogs")
}

func TestPartialStreamKeepsWrittenProgress(t *testing.T) {
	tap := &fakeTap{sources: map[string]*pageSource{
		"orders": {rows: rows(6), pageSize: 2, failAfter: 1, err: errors.New(errors.ErrorTypeNotFound, "gone")},
	}}
	out := &bytes.Buffer{}
	eng, _ := newEngine(tap, nil, out, Config{BatchSize: 10})

	res, err := eng.Run(context.Background(), selection(selected("orders", models.Incremental)))
	require.NoError(t, err)

	sr, _ := streamResult(res, "orders")
	assert.Equal(t, StatusPartial, sr.Status)
	assert.EqualValues(t, 2, sr.Records)
	assert.Equal(t, "2024-01-02T00:00:00Z", res.State.Bookmarks["orders"].Value)
	assert.Equal(t, "SRRSS", types(decode(t, out)))
}

func TestFailFastSkipsRemainingStreams(t *testing.T) {
	tap := &fakeTap{sources: map[string]*pageSource{
		"catalogs": {rows: rows(3), pageSize: 2, err: errors.New(errors.ErrorTypeData, "bad")},
		"sites":    {rows: rows(3), pageSize: 2},
	}}
	out := &bytes.Buffer{}
	eng, _ := newEngine(tap, nil, out, Config{BatchSize: 10, FailFast: true})

	res, err := eng.Run(context.Background(), selection(
		selected("catalogs", models.FullTable),
		selected("sites", models.FullTable),
	))
	require.NoError(t, err)

	sites, _ := streamResult(res, "sites")
	assert.Equal(t, StatusSkipped, sites.Status)
	assert.Len(t, res.Failed(), 2)
}

func TestCheckpointFailureAbortsRun(t *testing.T) {
	tap := &fakeTap{sources: map[string]*pageSource{
		"orders": {rows: rows(3), pageSize: 2},
		"sites":  {rows: rows(3), pageSize: 2},
	}}
	out := &bytes.Buffer{}
	eng, _ := newEngine(tap, failingBackend{state.NewMemoryBackend()}, out, Config{BatchSize: 2})

	res, err := eng.Run(context.Background(), selection(
		selected("orders", models.Incremental),
		selected("sites", models.FullTable),
	))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCheckpoint))

	orders, _ := streamResult(res, "orders")
	assert.Equal(t, StatusPartial, orders.Status)
	sites, _ := streamResult(res, "sites")
	assert.Equal(t, StatusSkipped, sites.Status)
}

func TestRunDeadlineFlushesPendingBatch(t *testing.T) {
	tap := &fakeTap{sources: map[string]*pageSource{
		"orders": {rows: rows(6), pageSize: 2, delayAt: 2, delay: 100 * time.Millisecond},
	}}
	out := &bytes.Buffer{}
	eng, _ := newEngine(tap, nil, out, Config{BatchSize: 10, Timeout: 30 * time.Millisecond})

	res, err := eng.Run(context.Background(), selection(selected("orders", models.Incremental)))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout))

	sr, _ := streamResult(res, "orders")
	assert.Equal(t, StatusPartial, sr.Status)
	assert.EqualValues(t, 4, sr.Records)
	assert.Equal(t, "2024-01-04T00:00:00Z", res.State.Bookmarks["orders"].Value)
	assert.Equal(t, "SRRRRSS", types(decode(t, out)))
}

func TestLogBasedReadsFromPosition(t *testing.T) {
	log := &changeLog{
		head: "p9",
		changes: map[string][]extract.Change{
			"p1": {
				{Data: map[string]interface{}{"id": "a"}, Position: "p2"},
				{Data: map[string]interface{}{"id": "b"}, Position: "p3"},
			},
		},
	}
	prior := models.NewSyncState()
	prior.Bookmarks["order_changes"] = models.Bookmark{ReplicationMethod: models.LogBased, LogPosition: "p1"}

	out := &bytes.Buffer{}
	eng, _ := newEngine(&fakeTap{log: log}, state.NewMemoryBackendWith(prior), out, Config{BatchSize: 10})

	res, err := eng.Run(context.Background(), selection(selected("order_changes", models.LogBased)))
	require.NoError(t, err)

	sr, _ := streamResult(res, "order_changes")
	assert.Equal(t, StatusSuccess, sr.Status)
	assert.False(t, sr.Resnapshot)
	assert.Equal(t, "p3", res.State.Bookmarks["order_changes"].LogPosition)
}

func TestLogBasedFallsBackToSnapshot(t *testing.T) {
	for name, prior := range map[string]models.Bookmark{
		"missing": {},
		"expired": {ReplicationMethod: models.LogBased, LogPosition: "p0"},
	} {
		t.Run(name, func(t *testing.T) {
			tap := &fakeTap{
				sources: map[string]*pageSource{"order_changes": {rows: rows(3), pageSize: 2}},
				log:     &changeLog{head: "p7", expired: map[string]bool{"p0": true}},
			}
			initial := models.NewSyncState()
			if !prior.IsZero() {
				initial.Bookmarks["order_changes"] = prior
			}
			out := &bytes.Buffer{}
			eng, _ := newEngine(tap, state.NewMemoryBackendWith(initial), out, Config{BatchSize: 10})

			res, err := eng.Run(context.Background(), selection(selected("order_changes", models.LogBased)))
			require.NoError(t, err)

			sr, _ := streamResult(res, "order_changes")
			assert.Equal(t, StatusSuccess, sr.Status)
			assert.True(t, sr.Resnapshot)
			assert.EqualValues(t, 3, sr.Records)
			assert.Equal(t,
				models.Bookmark{ReplicationMethod: models.LogBased, LogPosition: "p7"},
				res.State.Bookmarks["order_changes"])
		})
	}
}

func TestWorkerPoolRunsAllStreams(t *testing.T) {
	tap := &fakeTap{sources: map[string]*pageSource{}}
	var sel []catalog.SelectedStream
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("s%d", i)
		tap.sources[name] = &pageSource{rows: rows(7), pageSize: 3}
		sel = append(sel, selected(name, models.Incremental))
	}
	out := &bytes.Buffer{}
	eng, _ := newEngine(tap, nil, out, Config{BatchSize: 2, MaxWorkers: 3})

	res, err := eng.Run(context.Background(), selection(sel...))
	require.NoError(t, err)
	assert.Empty(t, res.Failed())
	assert.EqualValues(t, 35, res.Records())
	assert.Equal(t, []string{"s0", "s1", "s2", "s3", "s4"}, res.State.Streams())

	schemaSeen := map[string]bool{}
	for _, m := range decode(t, out) {
		switch m.Type {
		case singer.TypeSchema:
			schemaSeen[m.Stream] = true
		case singer.TypeRecord:
			assert.True(t, schemaSeen[m.Stream], "record of %s before its schema", m.Stream)
		}
	}
}

func TestFieldProjection(t *testing.T) {
	tap := &fakeTap{sources: map[string]*pageSource{"sites": {rows: rows(1), pageSize: 2}}}
	s := selected("sites", models.FullTable)
	s.Fields = []string{"id"}
	out := &bytes.Buffer{}
	eng, _ := newEngine(tap, nil, out, Config{})

	_, err := eng.Run(context.Background(), selection(s))
	require.NoError(t, err)

	msgs := decode(t, out)
	require.Equal(t, singer.TypeRecord, msgs[1].Type)
	assert.Equal(t, map[string]interface{}{"id": "1"}, msgs[1].Record)
}

func TestUnknownStreamFails(t *testing.T) {
	out := &bytes.Buffer{}
	eng, _ := newEngine(&fakeTap{}, nil, out, Config{})

	s := selected("orders", models.Incremental)
	s.Method = "CDC"
	res, err := eng.Run(context.Background(), selection(s))
	require.NoError(t, err)

	sr, _ := streamResult(res, "orders")
	assert.Equal(t, StatusFailed, sr.Status)
	assert.True(t, errors.IsType(sr.Err, errors.ErrorTypeExtraction))
}

func TestEmptySelectionWritesOnlyState(t *testing.T) {
	out := &bytes.Buffer{}
	eng, _ := newEngine(&fakeTap{}, nil, out, Config{})

	res, err := eng.Run(context.Background(), selection())
	require.NoError(t, err)
	assert.Empty(t, res.Streams)

	for _, m := range decode(t, out) {
		assert.Equal(t, singer.TypeState, m.Type)
	}
}

func TestFullTableRerunEmitsSameRecords(t *testing.T) {
	run := func() []map[string]interface{} {
		tap := &fakeTap{sources: map[string]*pageSource{"sites": {rows: rows(7), pageSize: 3}}}
		out := &bytes.Buffer{}
		eng, _ := newEngine(tap, nil, out, Config{BatchSize: 2})
		_, err := eng.Run(context.Background(), selection(selected("sites", models.FullTable)))
		require.NoError(t, err)

		var records []map[string]interface{}
		for _, m := range decode(t, out) {
			if m.Type == singer.TypeRecord {
				records = append(records, m.Record)
			}
		}
		return records
	}

	first, second := run(), run()
	require.Len(t, first, 7)
	assert.ElementsMatch(t, first, second)
}

func TestStreamLogsCarryRunAndStream(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	tap := &fakeTap{sources: map[string]*pageSource{"sites": {rows: rows(2), pageSize: 2}}}
	out := &bytes.Buffer{}
	store := state.NewStore(nil)
	eng := New(tap, store, singer.NewWriter(out), Config{Retry: extract.NoRetryPolicy()}, WithLogger(zap.New(core)))

	res, err := eng.Run(context.Background(), selection(selected("sites", models.FullTable)))
	require.NoError(t, err)

	started := logs.FilterMessage("sync started").All()
	require.Len(t, started, 1)
	fields := started[0].ContextMap()
	assert.Equal(t, res.RunID, fields["run_id"])
	assert.Equal(t, "sites", fields["stream"])
	assert.Equal(t, "engine", fields["component"])
	assert.Equal(t, string(models.FullTable), fields["method"])
}
