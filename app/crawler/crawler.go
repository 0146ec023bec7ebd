// Package crawler holds the SiteCrawler contract and its variants. A
// crawler is bound to one site and turns that site's listing into
// normalized records. New sites only need a config entry or a new variant
// registered here; orchestration code never changes.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/lysyi3m/examwatch/app/fetch"
	"github.com/lysyi3m/examwatch/app/record"
	"github.com/lysyi3m/examwatch/app/site"
)

// ErrParseFailed means a fetched page lacked the expected structure.
var ErrParseFailed = errors.New("parse failed")

const (
	VariantListing       = "listing-page"
	VariantExamAuthority = "exam-authority"
	VariantFeed          = "feed"
)

// Crawler fetches, extracts and normalizes one site. On error no records
// are returned.
type Crawler interface {
	Crawl(ctx context.Context) ([]record.Record, error)
}

// Deps are the collaborators a factory may bind into a crawler.
type Deps struct {
	Fetcher fetch.Fetcher
	Now     func() time.Time
}

type Factory func(cfg site.Config, deps Deps) (Crawler, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry knows every built-in variant.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(VariantListing, NewListing)
	r.Register(VariantExamAuthority, NewExamAuthority)
	r.Register(VariantFeed, NewFeed)
	return r
}

func (r *Registry) Register(variant string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[variant] = f
}

func (r *Registry) Variants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	variants := make([]string, 0, len(r.factories))
	for v := range r.factories {
		variants = append(variants, v)
	}
	slices.Sort(variants)
	return variants
}

// Resolve returns the variant used for cfg. An unregistered variant falls
// back to the generic listing crawler when the site carries selectors.
func (r *Registry) Resolve(cfg site.Config) (string, error) {
	r.mu.RLock()
	_, ok := r.factories[cfg.Variant]
	_, listing := r.factories[VariantListing]
	r.mu.RUnlock()

	switch {
	case ok:
		return cfg.Variant, nil
	case listing && !cfg.Selectors.Empty():
		return VariantListing, nil
	default:
		return "", fmt.Errorf("site %s: unknown crawler variant %q", cfg.ID, cfg.Variant)
	}
}

// New builds the crawler for cfg.
func (r *Registry) New(cfg site.Config, deps Deps) (Crawler, error) {
	variant, err := r.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	if variant != cfg.Variant {
		slog.Warn("Unknown crawler variant, using generic listing crawler", "site", cfg.ID, "variant", cfg.Variant)
	}

	r.mu.RLock()
	factory := r.factories[variant]
	r.mu.RUnlock()

	if deps.Fetcher == nil {
		return nil, fmt.Errorf("site %s: fetcher is required", cfg.ID)
	}
	return factory(cfg, deps)
}

// Check verifies that every configured site resolves to a variant and that
// its crawler can be built.
func (r *Registry) Check(settings *site.Settings) error {
	var errs []error
	for _, cfg := range settings.Sites {
		if _, err := r.New(cfg, Deps{Fetcher: noopFetcher{}}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type noopFetcher struct{}

func (noopFetcher) Get(context.Context, fetch.Request) (*fetch.Response, error) {
	return nil, errors.New("not fetching")
}

func normalizer(cfg site.Config, deps Deps) record.Normalizer {
	return record.Normalizer{
		SiteID:      cfg.ID,
		DateLayouts: cfg.DateLayouts,
		Location:    cfg.Location(),
		Now:         deps.Now,
	}
}

func request(cfg site.Config, rawURL string) fetch.Request {
	return fetch.Request{
		SiteID:      cfg.ID,
		URL:         rawURL,
		Timeout:     cfg.RequestTimeout(),
		MinInterval: cfg.RateLimit(),
		Encoding:    cfg.Encoding,
	}
}

// normalizeAll keeps well-formed records and drops the rest.
func normalizeAll(n record.Normalizer, candidates []record.Candidate, base *url.URL) []record.Record {
	records := make([]record.Record, 0, len(candidates))
	for _, c := range candidates {
		rec, err := n.Normalize(c, base)
		if err != nil {
			slog.Debug("Dropping malformed candidate", "site", n.SiteID, "title", c.Title, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records
}
