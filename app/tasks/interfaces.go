package tasks

import (
	"context"
	"time"

	"github.com/lysyi3m/examwatch/app/report"
)

// SiteRegistry keeps the per-site crawl status. Used by the scheduler after
// every site crawl.
type SiteRegistry interface {
	RecordCrawl(ctx context.Context, outcome report.SiteOutcome, at time.Time) error
}

// ReportStore is the append-only audit trail of crawl cycles.
type ReportStore interface {
	Append(ctx context.Context, cycle *report.Cycle) error
}

// Observer receives every finished cycle, e.g. to export metrics.
type Observer interface {
	ObserveCycle(cycle *report.Cycle)
	SetIndexSize(n int)
}
