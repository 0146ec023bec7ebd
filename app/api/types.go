package api

import (
	"context"

	"github.com/lysyi3m/examwatch/app/database"
	"github.com/lysyi3m/examwatch/app/feed"
	"github.com/lysyi3m/examwatch/app/record"
	"github.com/lysyi3m/examwatch/app/report"
	"github.com/lysyi3m/examwatch/app/site"
	"github.com/lysyi3m/examwatch/app/tasks"
)

type GeneratorInterface interface {
	Run(s site.Config, records []record.Record) (string, error)
}

var _ GeneratorInterface = (*feed.Generator)(nil)

type SchedulerInterface interface {
	Trigger() bool
	CrawlSite(ctx context.Context, siteID string) (*report.Cycle, error)
	State() tasks.State
	History() []*report.Cycle
	Latest() *report.Cycle
	IndexSize() int
	Settings() *site.Settings
}

var _ SchedulerInterface = (*tasks.Scheduler)(nil)

type RecordReader interface {
	ListBySite(ctx context.Context, siteID string, limit int) ([]record.Record, error)
	Count(ctx context.Context) (int, error)
	CountBySite(ctx context.Context) (map[string]int, error)
}

type SiteReader interface {
	List(ctx context.Context) ([]database.Site, error)
}

type ReportReader interface {
	Recent(ctx context.Context, limit int) ([]*report.Cycle, error)
	Count(ctx context.Context) (int, error)
}

var (
	_ RecordReader = (*database.RecordRepository)(nil)
	_ SiteReader   = (*database.SiteRepository)(nil)
	_ ReportReader = (*database.ReportRepository)(nil)
)

type Handler struct {
	scheduler SchedulerInterface
	records   RecordReader
	sites     SiteReader
	reports   ReportReader
	generator GeneratorInterface
	version   string
}
