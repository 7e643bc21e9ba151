package salesforce

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tap-salesforce/pkg/catalog"
	"github.com/ajitpratap0/tap-salesforce/pkg/config"
	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/extract"
	"github.com/ajitpratap0/tap-salesforce/pkg/models"
)

// Client is the OCAPI client used by the tap.
type Client interface {
	API
	CheckCredentials(ctx context.Context) error
}

// Tap discovers the Commerce Cloud streams and builds their extractors.
type Tap struct {
	cfg     *config.Config
	client  Client
	changes extract.ChangeLog
	streams []*Stream
	logger  *zap.Logger
}

// Option configures a Tap.
type Option func(*Tap)

// WithChangeLog enables the LOG_BASED order_changes stream.
func WithChangeLog(log extract.ChangeLog) Option {
	return func(t *Tap) { t.changes = log }
}

// WithStreams replaces the built-in stream definitions.
func WithStreams(streams ...*Stream) Option {
	return func(t *Tap) { t.streams = streams }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tap) { t.logger = logger }
}

// New creates a tap for cfg.
func New(cfg *config.Config, client Client, opts ...Option) *Tap {
	t := &Tap{
		cfg:     cfg,
		client:  client,
		streams: DefaultStreams(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(zap.String("component", "salesforce"))
	return t
}

// Streams returns the streams this tap offers, in catalog order.
func (t *Tap) Streams() []*Stream {
	out := make([]*Stream, 0, len(t.streams))
	for _, s := range t.streams {
		if s.ChangeLog && t.changes == nil {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (t *Tap) stream(name string) (*Stream, error) {
	for _, s := range t.Streams() {
		if s.Name() == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("unknown stream %q", name)
}

// Discover returns every stream with its schema. Credentials are checked
// with a single read, and streams backed by a system object gain that
// object's custom attributes.
func (t *Tap) Discover(ctx context.Context) (*catalog.Catalog, error) {
	if err := t.client.CheckCredentials(ctx); err != nil {
		return nil, errors.Discovery(err, "credential check failed")
	}
	var sites pageResponse
	if err := t.client.Get(ctx, "/sites", url.Values{"count": {"1"}}, &sites); err != nil {
		return nil, errors.Discovery(err, "failed to read sites")
	}

	attributes := make(map[string][]catalog.Field)
	streams := t.Streams()
	schemas := make([]*catalog.Schema, 0, len(streams))
	for _, s := range streams {
		schema := s.Schema
		if s.ObjectType != "" {
			extra, ok := attributes[s.ObjectType]
			if !ok {
				var err error
				extra, err = t.customAttributes(ctx, s.ObjectType)
				if err != nil {
					return nil, errors.Discovery(err, "failed to read attribute definitions").
						WithDetail("object_type", s.ObjectType)
				}
				attributes[s.ObjectType] = extra
			}
			schema = schema.WithFields(extra...)
		}
		schemas = append(schemas, schema)
	}

	cat, err := catalog.New(schemas...)
	if err != nil {
		return nil, errors.Discovery(err, "invalid catalog")
	}
	t.logger.Info("discovery complete", zap.Int("streams", len(schemas)))
	return cat, nil
}

type attributeDefinition struct {
	ID          string `json:"id"`
	System      bool   `json:"system"`
	ValueType   string `json:"value_type"`
	Localizable bool   `json:"localizable"`
}

type attributeDefinitions struct {
	Next json.RawMessage       `json:"next"`
	Data []attributeDefinition `json:"data"`
}

// customAttributes lists the custom attributes of a system object type as
// c_ prefixed fields.
func (t *Tap) customAttributes(ctx context.Context, objectType string) ([]catalog.Field, error) {
	path := "/system_object_definitions/" + url.PathEscape(objectType) + "/attribute_definitions"
	var fields []catalog.Field
	for start := 0; ; {
		q := url.Values{}
		q.Set("start", strconv.Itoa(start))
		q.Set("count", strconv.Itoa(config.MaxPageSize))
		q.Set("select", "(**)")

		var resp attributeDefinitions
		if err := t.client.Get(ctx, path, q, &resp); err != nil {
			return nil, err
		}
		for _, def := range resp.Data {
			if def.System || def.ID == "" {
				continue
			}
			name := def.ID
			if !strings.HasPrefix(name, "c_") {
				name = "c_" + name
			}
			fields = append(fields, catalog.Field{
				Name:     name,
				Type:     attributeFieldType(def),
				Nullable: true,
			})
		}

		page := pageResponse{Next: resp.Next}
		if len(resp.Data) == 0 || !page.hasMore() {
			break
		}
		start += len(resp.Data)
	}
	t.logger.Debug("custom attributes discovered",
		zap.String("object_type", objectType), zap.Int("count", len(fields)))
	return fields, nil
}

func attributeFieldType(def attributeDefinition) catalog.FieldType {
	if def.Localizable {
		return catalog.FieldTypeLocalized
	}
	switch def.ValueType {
	case "boolean":
		return catalog.FieldTypeBoolean
	case "int", "enum_of_int":
		return catalog.FieldTypeInteger
	case "double", "money", "quantity":
		return catalog.FieldTypeNumber
	case "date":
		return catalog.FieldTypeDate
	case "datetime":
		return catalog.FieldTypeTimestamp
	case "set_of_string", "set_of_int", "set_of_double":
		return catalog.FieldTypeArray
	case "image":
		return catalog.FieldTypeObject
	default:
		return catalog.FieldTypeString
	}
}

// source returns a fresh page source for s.
func (t *Tap) source(s *Stream) (extract.PageSource, error) {
	if s.Parent != "" {
		return t.childSource(s)
	}
	switch s.kind {
	case searchResource, orderSearchResource:
		if s.Name() == StreamOrders && len(t.cfg.OrderIDs) > 0 {
			return &orderLookupSource{
				api:      t.client,
				path:     s.Path,
				field:    "last_modified",
				selector: s.Select,
				orderIDs: t.cfg.OrderIDs,
			}, nil
		}
		pageSize := config.MaxPageSize
		if s.kind == orderSearchResource && t.cfg.OrderPageSize > 0 {
			pageSize = t.cfg.OrderPageSize
		}
		return &searchSource{
			api:      t.client,
			path:     s.Path,
			field:    "last_modified",
			selector: s.Select,
			pageSize: pageSize,
			unwrap:   s.kind == orderSearchResource,
		}, nil
	default:
		src := &listSource{
			api:      t.client,
			path:     s.Path,
			selector: s.Select,
			pageSize: config.MaxPageSize,
			items:    s.items,
		}
		if s.PerSite {
			src.path = fillPath(s.Path, map[string]string{"site_id": t.cfg.SiteID})
			src.missingOK = true
			src.stamp = map[string]interface{}{"site_id": t.cfg.SiteID}
		}
		return src, nil
	}
}

// childSource reads s once per record of its parent stream. An INCREMENTAL
// parent is read from the configured start date.
func (t *Tap) childSource(s *Stream) (extract.PageSource, error) {
	var parent *Stream
	for _, p := range t.streams {
		if p.Name() == s.Parent {
			parent = p
			break
		}
	}
	if parent == nil {
		return nil, fmt.Errorf("stream %s: unknown parent stream %q", s.Name(), s.Parent)
	}
	parentSource, err := t.source(parent)
	if err != nil {
		return nil, err
	}

	var since string
	if parent.Schema.ReplicationKey != "" {
		start, err := t.cfg.StartTime()
		if err != nil {
			return nil, err
		}
		since = startValue(start)
	}

	return &childSource{
		parent:      parentSource,
		parentSince: since,
		pageSize:    config.MaxPageSize,
		child: func(rec map[string]interface{}) (*listSource, bool) {
			vars, ok := s.bind(rec)
			if !ok {
				return nil, false
			}
			stamp := make(map[string]interface{})
			for name, value := range vars {
				if _, isField := s.Schema.Field(name); isField {
					stamp[name] = value
				}
			}
			return &listSource{
				api:       t.client,
				path:      fillPath(s.Path, vars),
				selector:  s.Select,
				pageSize:  config.MaxPageSize,
				items:     s.items,
				missingOK: true,
				stamp:     stamp,
			}, true
		},
	}, nil
}

// Extractor builds the extractor for a selected stream and method.
func (t *Tap) Extractor(sel catalog.SelectedStream, opts extract.Options) (extract.Extractor, error) {
	s, err := t.stream(sel.Name())
	if err != nil {
		return nil, err
	}

	switch sel.Method {
	case models.FullTable:
		src, err := t.source(s)
		if err != nil {
			return nil, err
		}
		return extract.NewFullTable(s.Name(), src, opts), nil
	case models.Incremental:
		start, err := t.cfg.StartTime()
		if err != nil {
			return nil, err
		}
		src, err := t.source(s)
		if err != nil {
			return nil, err
		}
		return extract.NewIncremental(s.Name(), src, s.Schema.ReplicationKey, startValue(start), opts), nil
	case models.LogBased:
		if t.changes == nil {
			return nil, fmt.Errorf("stream %s: no change log configured", s.Name())
		}
		return extract.NewLogBased(s.Name(), t.changes, 0, opts), nil
	default:
		return nil, fmt.Errorf("stream %s: unsupported replication method %s", s.Name(), sel.Method)
	}
}

// Snapshot builds the full re-read used when a LOG_BASED stream has no
// usable log position.
func (t *Tap) Snapshot(sel catalog.SelectedStream, opts extract.Options) (extract.Extractor, error) {
	s, err := t.stream(sel.Name())
	if err != nil {
		return nil, err
	}
	if sel.Method != models.LogBased || t.changes == nil {
		return nil, fmt.Errorf("stream %s is not replicated from a change log", s.Name())
	}
	src, err := t.source(s)
	if err != nil {
		return nil, err
	}
	full := extract.NewFullTable(s.Name(), src, opts)
	log := extract.NewLogBased(s.Name(), t.changes, 0, opts)
	return extract.NewSnapshot(full, log), nil
}
