package crawler

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/lysyi3m/examwatch/app/extract"
	"github.com/lysyi3m/examwatch/app/fetch"
	"github.com/lysyi3m/examwatch/app/record"
	"github.com/lysyi3m/examwatch/app/site"
)

var _ Crawler = (*Feed)(nil)

// Feed crawls a site that publishes its notices as RSS or Atom. One fetch
// per crawl; undated items are dropped.
type Feed struct {
	cfg        site.Config
	fetcher    fetch.Fetcher
	normalizer record.Normalizer
}

func NewFeed(cfg site.Config, deps Deps) (Crawler, error) {
	n := normalizer(cfg, deps)
	n.DateLayouts = append([]string{time.RFC3339}, cfg.DateLayouts...)
	return &Feed{cfg: cfg, fetcher: deps.Fetcher, normalizer: n}, nil
}

func (f *Feed) Crawl(ctx context.Context) ([]record.Record, error) {
	req := request(f.cfg, f.cfg.EntryURL)
	req.XML = true

	resp, err := f.fetcher.Get(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}

	page, err := extract.Feed{}.Extract(resp.Body, f.cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: feed %s: %w", ErrParseFailed, resp.URL, err)
	}

	base, err := url.Parse(resp.URL)
	if err != nil {
		return nil, fmt.Errorf("bad feed URL %q: %w", resp.URL, err)
	}
	return normalizeAll(f.normalizer, page.Candidates, base), nil
}
