package extract

import (
	"context"
)

// pager walks a PageSource by offset and hands out raw records one at a time.
type pager struct {
	source PageSource
	opts   Options
	since  string

	offset int
	buf    []map[string]interface{}
	pos    int
	done   bool
	pages  int
}

func newPager(source PageSource, opts Options, since string) *pager {
	return &pager{source: source, opts: opts, since: since}
}

// next returns the next raw record, or nil when the source is exhausted.
func (p *pager) next(ctx context.Context) (map[string]interface{}, error) {
	for p.pos >= len(p.buf) {
		if p.done {
			return nil, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := p.fetch(ctx); err != nil {
			return nil, err
		}
	}
	rec := p.buf[p.pos]
	p.pos++
	return rec, nil
}

func (p *pager) fetch(ctx context.Context) error {
	limit := p.source.PageSize()
	req := PageRequest{Offset: p.offset, Limit: limit, Since: p.since}

	var page *Page
	err := p.opts.retry().Do(ctx, func(ctx context.Context) error {
		fctx, cancel := p.opts.fetchContext(ctx)
		defer cancel()
		var err error
		page, err = p.source.FetchPage(fctx, req)
		return err
	})
	if err != nil {
		return err
	}

	p.pages++
	if p.opts.OnPage != nil {
		p.opts.OnPage(len(page.Records))
	}
	p.buf = page.Records
	p.pos = 0
	p.offset += len(page.Records)

	switch {
	case len(page.Records) == 0, !page.HasMore:
		p.done = true
	case page.Total > 0 && p.offset >= page.Total:
		p.done = true
	}
	return nil
}
