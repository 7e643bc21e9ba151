package extract

import (
	"context"

	"github.com/ajitpratap0/tap-salesforce/pkg/models"
)

// FullTable re-reads the whole stream on every run. The bookmark only
// changes once the pass completes, when it records the pass version.
type FullTable struct {
	Stream string
	Source PageSource
	Opts   Options
}

// NewFullTable creates a FULL_TABLE extractor.
func NewFullTable(stream string, source PageSource, opts Options) *FullTable {
	return &FullTable{Stream: stream, Source: source, Opts: opts}
}

func (f *FullTable) Method() models.ReplicationMethod { return models.FullTable }

// Extract ignores the incoming cursor; it is carried unchanged until the
// pass finishes.
func (f *FullTable) Extract(ctx context.Context, bookmark models.Bookmark) (RecordStream, error) {
	prior := bookmark
	prior.ReplicationMethod = models.FullTable
	done := models.Bookmark{
		ReplicationMethod: models.FullTable,
		Version:           f.Opts.now().UnixMilli(),
	}
	return &pagedStream{
		stream:   f.Stream,
		pager:    newPager(f.Source, f.Opts, ""),
		bookmark: prior,
		final:    done,
	}, nil
}

// pagedStream is a RecordStream over a pager whose bookmark moves to final
// once the source is exhausted.
type pagedStream struct {
	stream   string
	pager    *pager
	bookmark models.Bookmark
	final    models.Bookmark

	current *models.Record
	err     error
	closed  bool
}

func (s *pagedStream) Next(ctx context.Context) bool {
	if s.err != nil || s.closed {
		return false
	}
	raw, err := s.pager.next(ctx)
	if err != nil {
		s.err = err
		return false
	}
	if raw == nil {
		s.bookmark = s.final
		s.closed = true
		return false
	}
	s.current = models.NewRecord(s.stream, raw)
	return true
}

func (s *pagedStream) Record() *models.Record    { return s.current }
func (s *pagedStream) Bookmark() models.Bookmark { return s.bookmark }
func (s *pagedStream) Err() error                { return s.err }

func (s *pagedStream) Close() error {
	s.closed = true
	return nil
}
