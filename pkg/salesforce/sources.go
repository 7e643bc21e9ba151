package salesforce

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/extract"
	"github.com/ajitpratap0/tap-salesforce/pkg/models"
)

// API is the subset of the OCAPI client the page sources use.
type API interface {
	Get(ctx context.Context, path string, query url.Values, out interface{}) error
	Post(ctx context.Context, path string, query url.Values, body, out interface{}) error
}

// searchTimeLayout is the timestamp format OCAPI range filters accept.
const searchTimeLayout = "2006-01-02T15:04:05.000Z"

// pageResponse covers both collection and search result documents.
type pageResponse struct {
	Count int                      `json:"count"`
	Start int                      `json:"start"`
	Total int                      `json:"total"`
	Next  json.RawMessage          `json:"next"`
	Data  []map[string]interface{} `json:"data"`
	Hits  []map[string]interface{} `json:"hits"`
	Notes []map[string]interface{} `json:"notes"`
}

func (r *pageResponse) hasMore() bool {
	next := strings.TrimSpace(string(r.Next))
	return next != "" && next != "null" && next != `""`
}

// Response fields a collection carries its records in.
const (
	itemsData  = "data"
	itemsHits  = "hits"
	itemsNotes = "notes"
)

func (r *pageResponse) items(field string) []map[string]interface{} {
	switch field {
	case itemsHits:
		return r.Hits
	case itemsNotes:
		return r.Notes
	default:
		return r.Data
	}
}

// listSource pages a GET collection with start and count.
type listSource struct {
	api      API
	path     string
	selector string
	pageSize int
	// items is the response field holding the records, data when empty
	items string
	// missingOK reads a collection that does not exist as empty
	missingOK bool
	// stamp is set on every record returned
	stamp map[string]interface{}
}

func (s *listSource) PageSize() int { return s.pageSize }

func (s *listSource) FetchPage(ctx context.Context, req extract.PageRequest) (*extract.Page, error) {
	q := url.Values{}
	q.Set("start", strconv.Itoa(req.Offset))
	q.Set("count", strconv.Itoa(req.Limit))
	if s.selector != "" {
		q.Set("select", s.selector)
	}

	var resp pageResponse
	if err := s.api.Get(ctx, s.path, q, &resp); err != nil {
		if s.missingOK && errors.IsType(err, errors.ErrorTypeNotFound) {
			return &extract.Page{}, nil
		}
		return nil, err
	}

	records := resp.items(s.items)
	for _, rec := range records {
		for k, v := range s.stamp {
			rec[k] = v
		}
	}
	return &extract.Page{Records: records, HasMore: resp.hasMore(), Total: resp.Total}, nil
}

// childSource pages a collection nested under each record of a parent
// stream. Parent records are read a page at a time and, for each one, the
// child collection is read to its end before the next parent is taken.
// Parents that bind no child and children with no records are passed over
// within a single fetch, so an empty page always means the end.
type childSource struct {
	parent      extract.PageSource
	parentSince string
	// child returns the collection under a parent record, false to skip it
	child    func(parent map[string]interface{}) (*listSource, bool)
	pageSize int

	parents     []map[string]interface{}
	parentPos   int
	parentRead  int
	parentsDone bool
	current     *listSource
	childRead   int
}

func (s *childSource) PageSize() int { return s.pageSize }

func (s *childSource) FetchPage(ctx context.Context, req extract.PageRequest) (*extract.Page, error) {
	if req.Offset == 0 {
		s.parents, s.parentPos, s.parentRead, s.parentsDone = nil, 0, 0, false
		s.current, s.childRead = nil, 0
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.current == nil {
			if s.parentPos >= len(s.parents) {
				if s.parentsDone {
					return &extract.Page{}, nil
				}
				if err := s.readParents(ctx); err != nil {
					return nil, err
				}
				continue
			}
			rec := s.parents[s.parentPos]
			s.parentPos++
			if child, ok := s.child(rec); ok {
				s.current, s.childRead = child, 0
			}
			continue
		}

		page, err := s.current.FetchPage(ctx, extract.PageRequest{Offset: s.childRead, Limit: req.Limit})
		if err != nil {
			return nil, err
		}
		s.childRead += len(page.Records)
		if len(page.Records) == 0 || !page.HasMore || (page.Total > 0 && s.childRead >= page.Total) {
			s.current = nil
		}
		if len(page.Records) == 0 {
			continue
		}
		more := s.current != nil || !s.parentsDone || s.parentPos < len(s.parents)
		return &extract.Page{Records: page.Records, HasMore: more}, nil
	}
}

func (s *childSource) readParents(ctx context.Context) error {
	page, err := s.parent.FetchPage(ctx, extract.PageRequest{
		Offset: s.parentRead,
		Limit:  s.parent.PageSize(),
		Since:  s.parentSince,
	})
	if err != nil {
		return err
	}
	s.parents, s.parentPos = page.Records, 0
	s.parentRead += len(page.Records)
	if len(page.Records) == 0 || !page.HasMore || (page.Total > 0 && s.parentRead >= page.Total) {
		s.parentsDone = true
	}
	return nil
}

// fillPath replaces each {name} in path with the escaped value of vars[name].
func fillPath(path string, vars map[string]string) string {
	for name, value := range vars {
		path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(value))
	}
	return path
}

// Search request document.
type searchRequest struct {
	Query  searchQuery  `json:"query"`
	Select string       `json:"select,omitempty"`
	Sorts  []searchSort `json:"sorts,omitempty"`
	Start  int          `json:"start"`
	Count  int          `json:"count"`
}

type searchQuery struct {
	MatchAll *struct{}      `json:"match_all_query,omitempty"`
	Filtered *filteredQuery `json:"filtered_query,omitempty"`
	Text     *textQuery     `json:"text_query,omitempty"`
}

type filteredQuery struct {
	Filter searchFilter `json:"filter"`
	Query  searchQuery  `json:"query"`
}

type searchFilter struct {
	Range *rangeFilter `json:"range_filter,omitempty"`
}

type rangeFilter struct {
	Field string `json:"field"`
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
}

type textQuery struct {
	Fields       []string `json:"fields"`
	SearchPhrase string   `json:"search_phrase"`
}

type searchSort struct {
	Field     string `json:"field"`
	SortOrder string `json:"sort_order"`
}

func matchAll() searchQuery {
	return searchQuery{MatchAll: &struct{}{}}
}

// sinceQuery matches documents whose field is at or after from.
func sinceQuery(field, from string) searchQuery {
	if from == "" {
		return matchAll()
	}
	return searchQuery{Filtered: &filteredQuery{
		Filter: searchFilter{Range: &rangeFilter{Field: field, From: formatSearchTime(from)}},
		Query:  matchAll(),
	}}
}

// formatSearchTime renders a cursor as an OCAPI search timestamp. Values that
// are not timestamps are passed through.
func formatSearchTime(v string) string {
	t, ok := models.ParseCursorTime(v)
	if !ok {
		return v
	}
	return t.UTC().Format(searchTimeLayout)
}

// searchSource pages a POST search sorted ascending by field.
//
// Pages are addressed by keyset rather than by plain offset: each request
// asks for documents at or after the last field value returned, skipping the
// ones with that exact value already seen. A document modified during the
// run moves to the end of the result instead of shifting unread documents
// onto a page that was already read.
type searchSource struct {
	api      API
	path     string
	field    string
	selector string
	pageSize int
	// unwrap takes records from hits[*].data instead of hits[*]
	unwrap bool

	cursor string
	ties   int
}

func (s *searchSource) PageSize() int { return s.pageSize }

func (s *searchSource) FetchPage(ctx context.Context, req extract.PageRequest) (*extract.Page, error) {
	if req.Offset == 0 {
		s.cursor = req.Since
		s.ties = 0
	}

	body := searchRequest{
		Query:  sinceQuery(s.field, s.cursor),
		Select: s.selector,
		Sorts:  []searchSort{{Field: s.field, SortOrder: "asc"}},
		Start:  s.ties,
		Count:  req.Limit,
	}
	var resp pageResponse
	if err := s.api.Post(ctx, s.path, nil, body, &resp); err != nil {
		return nil, err
	}

	records := hitRecords(resp.Hits, s.unwrap)
	s.advance(records)
	return &extract.Page{Records: records, HasMore: resp.hasMore()}, nil
}

// advance moves the keyset past records.
func (s *searchSource) advance(records []map[string]interface{}) {
	for _, rec := range records {
		value, err := models.FormatCursor(rec[s.field])
		if err != nil || value == "" {
			continue
		}
		if s.cursor != "" && models.CompareCursor(value, s.cursor) == 0 {
			s.ties++
			continue
		}
		if s.cursor == "" || models.CompareCursor(value, s.cursor) > 0 {
			s.cursor = value
			s.ties = 1
		}
	}
}

func hitRecords(hits []map[string]interface{}, unwrap bool) []map[string]interface{} {
	if !unwrap {
		return hits
	}
	records := make([]map[string]interface{}, 0, len(hits))
	for _, hit := range hits {
		if data, ok := hit["data"].(map[string]interface{}); ok {
			records = append(records, data)
		}
	}
	return records
}

// orderLookupSource reads an explicit list of orders, one search per order
// number. The whole list is returned as a single page sorted by field.
type orderLookupSource struct {
	api      API
	path     string
	field    string
	selector string
	orderIDs []string
}

func (s *orderLookupSource) PageSize() int { return len(s.orderIDs) }

func (s *orderLookupSource) FetchPage(ctx context.Context, req extract.PageRequest) (*extract.Page, error) {
	if req.Offset > 0 {
		return &extract.Page{}, nil
	}

	records := make([]map[string]interface{}, 0, len(s.orderIDs))
	for _, id := range s.orderIDs {
		body := searchRequest{
			Query:  searchQuery{Text: &textQuery{Fields: []string{"order_no"}, SearchPhrase: id}},
			Select: s.selector,
			Start:  0,
			Count:  1,
		}
		var resp pageResponse
		if err := s.api.Post(ctx, s.path, nil, body, &resp); err != nil {
			return nil, err
		}
		records = append(records, hitRecords(resp.Hits, true)...)
	}

	sort.SliceStable(records, func(i, j int) bool {
		a, _ := models.FormatCursor(records[i][s.field])
		b, _ := models.FormatCursor(records[j][s.field])
		return models.CompareCursor(a, b) < 0
	})
	return &extract.Page{Records: records}, nil
}

// startValue returns start as an incremental lower bound, empty for none.
func startValue(start time.Time) string {
	if start.IsZero() {
		return ""
	}
	return start.UTC().Format(time.RFC3339)
}
