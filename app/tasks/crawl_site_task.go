package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lysyi3m/examwatch/app/crawler"
	"github.com/lysyi3m/examwatch/app/dedup"
	"github.com/lysyi3m/examwatch/app/fetch"
	"github.com/lysyi3m/examwatch/app/report"
	"github.com/lysyi3m/examwatch/app/site"
	"github.com/lysyi3m/examwatch/app/storage"
)

// CrawlSiteTask runs one site through crawl, dedup and persist.
type CrawlSiteTask struct {
	Task
	SiteConfig site.Config
	registry   *crawler.Registry
	fetcher    fetch.Fetcher
	index      *dedup.Deduplicator
	sink       storage.Sink
	now        func() time.Time
	outcome    report.SiteOutcome
}

func NewCrawlSiteTask(cfg site.Config, registry *crawler.Registry, fetcher fetch.Fetcher, index *dedup.Deduplicator, sink storage.Sink, now func() time.Time) *CrawlSiteTask {
	if now == nil {
		now = time.Now
	}
	return &CrawlSiteTask{
		Task:       NewTask(TaskTypeCrawlSite, cfg.ID),
		SiteConfig: cfg,
		registry:   registry,
		fetcher:    fetcher,
		index:      index,
		sink:       sink,
		now:        now,
	}
}

func (t *CrawlSiteTask) Execute(ctx context.Context) error {
	t.outcome = report.SiteOutcome{
		SiteID:    t.SiteID,
		Status:    report.OutcomeOK,
		StartedAt: t.now().UTC(),
	}
	defer func() {
		t.outcome.Duration = t.GetDuration()
	}()

	select {
	case <-ctx.Done():
		return t.fail(ctx, ctx.Err(), 1)
	default:
	}

	counting := fetch.NewCounting(t.fetcher)
	c, err := t.registry.New(t.SiteConfig, crawler.Deps{Fetcher: counting, Now: t.now})
	if err != nil {
		return t.fail(ctx, fmt.Errorf("failed to build crawler: %w", err), 1)
	}

	records, err := c.Crawl(ctx)
	t.outcome.PagesFetched = counting.Fetched()
	if err != nil {
		return t.fail(ctx, fmt.Errorf("failed to crawl site: %w", err), 1)
	}
	t.outcome.Extracted = len(records)

	fresh := t.index.Filter(records)
	t.outcome.Duplicates = len(records) - len(fresh)

	if len(fresh) > 0 {
		if err := ctx.Err(); err != nil {
			t.index.Release(dedup.Fingerprints(fresh))
			return t.fail(ctx, err, 1)
		}

		result, persistErr := t.sink.Persist(ctx, fresh)
		settleErr := t.index.Settle(result)

		t.outcome.New = result.Written()
		t.outcome.Duplicates += len(result.Existing)
		t.outcome.Errors = len(result.Failed)

		if settleErr != nil {
			return t.fail(ctx, settleErr, 1)
		}
		if persistErr != nil {
			return t.fail(ctx, fmt.Errorf("failed to persist records: %w", persistErr), len(result.Failed))
		}
	}

	slog.Info("Task completed",
		"type", string(t.Type),
		"site", t.SiteID,
		"duration", t.GetDuration(),
		"fetched", t.outcome.PagesFetched,
		"total", t.outcome.Extracted,
		"duplicates", t.outcome.Duplicates,
		"new", t.outcome.New)

	return nil
}

// Outcome is the report entry of the last Execute.
func (t *CrawlSiteTask) Outcome() report.SiteOutcome {
	return t.outcome
}

// fail records err on the outcome. Expiry of the site deadline is a
// timeout whatever the failing step reported, except for an index mismatch.
func (t *CrawlSiteTask) fail(ctx context.Context, err error, errs int) error {
	t.outcome.Status = Classify(err)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && t.outcome.Status != report.OutcomeInvariantViolation {
		t.outcome.Status = report.OutcomeTimeout
	}
	t.outcome.Error = err.Error()
	t.outcome.Errors = max(t.outcome.Errors, errs, 1)
	return err
}

// Classify maps a site failure onto its report outcome. A fetch whose
// attempts all timed out is a fetch failure; only a bare deadline is a
// timeout.
func Classify(err error) report.Outcome {
	switch {
	case err == nil:
		return report.OutcomeOK
	case errors.Is(err, crawler.ErrParseFailed):
		return report.OutcomeParseFailed
	case errors.Is(err, fetch.ErrFetchFailed):
		return report.OutcomeFetchFailed
	case errors.Is(err, storage.ErrStorageUnavailable):
		return report.OutcomeStorageUnavailable
	case errors.Is(err, storage.ErrConstraintViolation):
		return report.OutcomeConstraintViolation
	case errors.Is(err, dedup.ErrInvariantViolation):
		return report.OutcomeInvariantViolation
	case errors.Is(err, context.DeadlineExceeded):
		return report.OutcomeTimeout
	default:
		return report.OutcomeError
	}
}
