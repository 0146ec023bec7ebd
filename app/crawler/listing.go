package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/lysyi3m/examwatch/app/extract"
	"github.com/lysyi3m/examwatch/app/fetch"
	"github.com/lysyi3m/examwatch/app/record"
	"github.com/lysyi3m/examwatch/app/site"
)

var _ Crawler = (*Listing)(nil)

// Listing is the generic-site crawler: it walks a paginated listing with
// CSS selectors, capped at MaxPages pages.
type Listing struct {
	cfg        site.Config
	fetcher    fetch.Fetcher
	extractor  extract.Extractor
	normalizer record.Normalizer
	maxPages   int
	details    *detailFollower
}

func NewListing(cfg site.Config, deps Deps) (Crawler, error) {
	if cfg.Selectors.Empty() {
		return nil, fmt.Errorf("site %s: listing crawler needs selectors.list or selectors.item", cfg.ID)
	}
	return newListing(cfg, deps, cfg.Selectors), nil
}

func newListing(cfg site.Config, deps Deps, sel extract.Selectors) *Listing {
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = site.DefaultMaxPages
	}

	l := &Listing{
		cfg:        cfg,
		fetcher:    deps.Fetcher,
		extractor:  extract.NewListing(sel),
		normalizer: normalizer(cfg, deps),
		maxPages:   maxPages,
	}
	if cfg.FollowDetails {
		l.details = &detailFollower{cfg: cfg, fetcher: deps.Fetcher, limit: cfg.MaxDetails}
	}
	return l
}

func (l *Listing) Crawl(ctx context.Context) ([]record.Record, error) {
	var records []record.Record

	visited := make(map[string]struct{}, l.maxPages)
	pageURL := l.cfg.EntryURL

	for page := 1; page <= l.maxPages && pageURL != ""; page++ {
		if _, ok := visited[pageURL]; ok {
			break
		}
		visited[pageURL] = struct{}{}

		resp, err := l.fetcher.Get(ctx, request(l.cfg, pageURL))
		if err != nil {
			if page > 1 && endOfListing(err) {
				slog.Debug("Listing ended early", "site", l.cfg.ID, "page", page, "status", fetch.Status(err))
				break
			}
			return nil, fmt.Errorf("failed to fetch page %d: %w", page, err)
		}

		parsed, err := l.extractor.Extract(resp.Body, l.cfg.ID)
		if err != nil {
			if page > 1 && errors.Is(err, extract.ErrStructureNotFound) {
				slog.Debug("Listing ended early", "site", l.cfg.ID, "page", page, "reason", "no list container")
				break
			}
			return nil, fmt.Errorf("%w: page %s: %w", ErrParseFailed, pageURL, err)
		}

		base, err := url.Parse(resp.URL)
		if err != nil {
			return nil, fmt.Errorf("bad page URL %q: %w", resp.URL, err)
		}

		if page == 1 && len(parsed.Candidates) == 0 {
			return nil, fmt.Errorf("%w: page %s: no entries", ErrParseFailed, pageURL)
		}

		pageRecords := normalizeAll(l.normalizer, parsed.Candidates, base)
		slog.Debug("Listing page extracted", "site", l.cfg.ID, "page", page, "candidates", len(parsed.Candidates), "records", len(pageRecords))
		records = append(records, pageRecords...)

		if len(parsed.Candidates) == 0 {
			break
		}
		pageURL = l.nextPage(base, parsed.Next, page+1)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if l.details != nil {
		if err := l.details.fill(ctx, records); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// nextPage prefers the page's own next link over the URL template.
func (l *Listing) nextPage(base *url.URL, next string, page int) string {
	if next != "" {
		if u, err := record.ResolveURL(base, next); err == nil {
			return u
		}
	}
	if l.cfg.PageURLTemplate != "" {
		return strings.ReplaceAll(l.cfg.PageURLTemplate, site.PagePlaceholder, strconv.Itoa(page))
	}
	return ""
}

// endOfListing reports whether a failed page fetch means there are no more
// pages rather than a broken site.
func endOfListing(err error) bool {
	status := fetch.Status(err)
	return status >= 400 && status < 500
}

// detailFollower fills record summaries from their detail pages.
type detailFollower struct {
	cfg     site.Config
	fetcher fetch.Fetcher
	limit   int
}

// fill fetches up to limit detail pages. A failed detail page leaves that
// record without a summary; only context expiry aborts.
func (d *detailFollower) fill(ctx context.Context, records []record.Record) error {
	followed := 0
	for i := range records {
		if followed >= d.limit {
			break
		}
		if records[i].Summary != "" {
			continue
		}
		followed++

		resp, err := d.fetcher.Get(ctx, request(d.cfg, records[i].SourceURL))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			slog.Debug("Detail page fetch failed", "site", d.cfg.ID, "url", records[i].SourceURL, "error", err)
			continue
		}

		summary, err := extract.Summary(resp.Body, resp.URL, extract.DefaultSummaryRunes)
		if err != nil {
			slog.Debug("Detail page has no readable text", "site", d.cfg.ID, "url", records[i].SourceURL, "error", err)
			continue
		}
		records[i].Summary = summary
	}
	return nil
}
