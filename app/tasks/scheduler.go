package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/lysyi3m/examwatch/app/crawler"
	"github.com/lysyi3m/examwatch/app/dedup"
	"github.com/lysyi3m/examwatch/app/fetch"
	"github.com/lysyi3m/examwatch/app/report"
	"github.com/lysyi3m/examwatch/app/site"
	"github.com/lysyi3m/examwatch/app/storage"
)

var (
	ErrStopped     = errors.New("scheduler stopped")
	ErrUnknownSite = errors.New("unknown site")
	ErrSiteBusy    = errors.New("site crawl already running")
)

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

type Options struct {
	Settings *site.Settings
	Registry *crawler.Registry
	Fetcher  fetch.Fetcher
	Index    *dedup.Deduplicator
	Sink     storage.Sink

	// Optional collaborators.
	Sites    SiteRegistry
	Reports  ReportStore
	Observer Observer
	History  *report.History
	Now      func() time.Time
}

type Scheduler struct {
	settings *site.Settings
	registry *crawler.Registry
	fetcher  fetch.Fetcher
	index    *dedup.Deduplicator
	sink     storage.Sink
	sites    SiteRegistry
	reports  ReportStore
	observer Observer
	history  *report.History
	now      func() time.Time

	// cycleMu serializes cycles; a manual trigger during a cycle waits.
	cycleMu sync.Mutex

	mu      sync.Mutex
	state   State
	running map[string]bool

	trigger chan struct{}
	fatal   chan error
}

func NewScheduler(opts Options) (*Scheduler, error) {
	switch {
	case opts.Settings == nil:
		return nil, errors.New("site settings are required")
	case opts.Registry == nil:
		return nil, errors.New("crawler registry is required")
	case opts.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case opts.Index == nil:
		return nil, errors.New("fingerprint index is required")
	case opts.Sink == nil:
		return nil, errors.New("storage sink is required")
	}

	if opts.History == nil {
		opts.History = report.NewHistory(report.DefaultHistorySize)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Scheduler{
		settings: opts.Settings,
		registry: opts.Registry,
		fetcher:  opts.Fetcher,
		index:    opts.Index,
		sink:     opts.Sink,
		sites:    opts.Sites,
		reports:  opts.Reports,
		observer: opts.Observer,
		history:  opts.History,
		now:      opts.Now,
		state:    StateIdle,
		running:  make(map[string]bool),
		trigger:  make(chan struct{}, 1),
		fatal:    make(chan error, 1),
	}, nil
}

// Run executes cycles on the configured schedule and on manual triggers
// until ctx is done. Sites with a schedule of their own are also crawled
// alone whenever that schedule fires. A cycle in flight when ctx ends is
// drained first. Run returns early with dedup.ErrInvariantViolation when any
// crawl, manual ones included, detects that the fingerprint index and
// storage disagree.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.setState(StateStopped)

	schedule, err := s.schedule()
	if err != nil {
		return err
	}
	siteSchedules, err := s.siteSchedules()
	if err != nil {
		return err
	}

	if s.settings.ShouldRunOnStart() {
		if _, err := s.RunOnce(ctx, report.TriggerStartup); err != nil {
			return err
		}
	}

	now := s.now()
	next := schedule.Next(now)
	siteNext := make(map[string]time.Time, len(siteSchedules))
	for id, sched := range siteSchedules {
		siteNext[id] = sched.Next(now)
	}
	slog.Info("Scheduler started", "sites", len(s.settings.Sites), "next_cycle", next, "site_schedules", len(siteSchedules))

	for {
		wake := next
		for _, at := range siteNext {
			if at.Before(wake) {
				wake = at
			}
		}
		timer := time.NewTimer(wake.Sub(s.now()))

		var trigger report.Trigger
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("Scheduler stopped")
			return nil
		case err := <-s.fatal:
			timer.Stop()
			return err
		case <-timer.C:
		case <-s.trigger:
			timer.Stop()
			trigger = report.TriggerManual
		}

		// A pending trigger and shutdown can be ready together.
		if ctx.Err() != nil {
			slog.Info("Scheduler stopped")
			return nil
		}

		if trigger == "" && !s.now().Before(next) {
			trigger = report.TriggerSchedule
		}
		if trigger != "" {
			if _, err := s.RunOnce(ctx, trigger); err != nil {
				if errors.Is(err, ErrStopped) {
					return nil
				}
				return err
			}
			if trigger == report.TriggerSchedule {
				next = schedule.Next(s.now())
				slog.Debug("Next cycle scheduled", "at", next)
			}
		}

		for _, cfg := range s.settings.Sites {
			at, ok := siteNext[cfg.ID]
			if !ok || s.now().Before(at) {
				continue
			}
			if ctx.Err() != nil {
				slog.Info("Scheduler stopped")
				return nil
			}

			_, err := s.runSite(ctx, cfg, report.TriggerSchedule)
			switch {
			case errors.Is(err, ErrSiteBusy):
				slog.Warn("Scheduled site crawl skipped, site busy", "site", cfg.ID)
			case errors.Is(err, ErrStopped):
				return nil
			case err != nil:
				return err
			}
			siteNext[cfg.ID] = siteSchedules[cfg.ID].Next(s.now())
		}
	}
}

func (s *Scheduler) schedule() (cron.Schedule, error) {
	if s.settings.Schedule != "" {
		schedule, err := cron.ParseStandard(s.settings.Schedule)
		if err != nil {
			return nil, fmt.Errorf("failed to parse schedule %q: %w", s.settings.Schedule, err)
		}
		return schedule, nil
	}

	interval := s.settings.CycleInterval
	if interval <= 0 {
		interval = site.DefaultCycleInterval
	}
	return cron.Every(interval), nil
}

// siteSchedules parses the own schedules of enabled sites.
func (s *Scheduler) siteSchedules() (map[string]cron.Schedule, error) {
	schedules := make(map[string]cron.Schedule)
	for _, cfg := range s.settings.Sites {
		if cfg.Schedule == "" || !cfg.IsEnabled() {
			continue
		}
		schedule, err := cron.ParseStandard(cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("failed to parse schedule %q of site %s: %w", cfg.Schedule, cfg.ID, err)
		}
		schedules[cfg.ID] = schedule
	}
	return schedules, nil
}

// Trigger requests a cycle as soon as the scheduler is idle. Requests made
// while one is already pending are coalesced; false is returned for them and
// after the scheduler stopped.
func (s *Scheduler) Trigger() bool {
	if s.State() == StateStopped {
		return false
	}
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// RunOnce executes one full cycle over every configured site.
func (s *Scheduler) RunOnce(ctx context.Context, trigger report.Trigger) (*report.Cycle, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	if !s.setState(StateRunning) {
		return nil, ErrStopped
	}
	defer s.setState(StateIdle)

	cycle := report.NewCycle(trigger, s.now())
	slog.Info("Cycle started", "id", cycle.ID, "trigger", string(trigger), "sites", len(s.settings.Sites))

	outcomes := make([]report.SiteOutcome, len(s.settings.Sites))

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency())

	for i, cfg := range s.settings.Sites {
		if !cfg.IsEnabled() {
			outcomes[i] = skipped(cfg.ID, "disabled", s.now())
			continue
		}

		g.Go(func() error {
			if ctx.Err() != nil {
				outcomes[i] = skipped(cfg.ID, "shutting down", s.now())
				return nil
			}
			outcomes[i] = s.crawlSite(ctx, cfg)
			return nil
		})
	}
	_ = g.Wait()

	cycle.Sites = outcomes
	cycle.Finish(s.now())
	s.finishCycle(ctx, cycle)

	for _, o := range outcomes {
		if o.Status == report.OutcomeInvariantViolation {
			return cycle, fmt.Errorf("%w: site %s: %s", dedup.ErrInvariantViolation, o.SiteID, o.Error)
		}
	}
	return cycle, nil
}

// CrawlSite runs a single site outside the regular cycle and records it as
// a manual cycle of its own. An index mismatch found here also stops Run.
func (s *Scheduler) CrawlSite(ctx context.Context, siteID string) (*report.Cycle, error) {
	cfg, ok := s.settings.Site(siteID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSite, siteID)
	}

	cycle, err := s.runSite(ctx, cfg, report.TriggerManual)
	if errors.Is(err, dedup.ErrInvariantViolation) {
		s.abort(err)
	}
	return cycle, err
}

// runSite crawls one site as a cycle of its own.
func (s *Scheduler) runSite(ctx context.Context, cfg site.Config, trigger report.Trigger) (*report.Cycle, error) {
	if s.State() == StateStopped {
		return nil, ErrStopped
	}

	cycle := report.NewCycle(trigger, s.now())
	outcome := s.crawlSite(ctx, cfg)
	if outcome.Status == report.OutcomeSkipped {
		return nil, fmt.Errorf("%w: %s", ErrSiteBusy, cfg.ID)
	}

	cycle.Sites = []report.SiteOutcome{outcome}
	cycle.Finish(s.now())
	s.finishCycle(ctx, cycle)

	if outcome.Status == report.OutcomeInvariantViolation {
		return cycle, fmt.Errorf("%w: site %s: %s", dedup.ErrInvariantViolation, cfg.ID, outcome.Error)
	}
	return cycle, nil
}

// abort hands a fatal error to Run. Only the first one is kept.
func (s *Scheduler) abort(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

// crawlSite runs the site task under the site deadline. The deadline is
// derived from a context that ignores cancellation so that shutdown lets
// in-flight sites finish.
func (s *Scheduler) crawlSite(ctx context.Context, cfg site.Config) report.SiteOutcome {
	if !s.acquire(cfg.ID) {
		slog.Warn("Site crawl already running, skipping", "site", cfg.ID)
		return skipped(cfg.ID, "already running", s.now())
	}
	defer s.release(cfg.ID)

	task := NewCrawlSiteTask(cfg, s.registry, s.fetcher, s.index, s.sink, s.now)
	s.executeTask(ctx, task, cfg.Timeout())
	outcome := task.Outcome()

	if s.sites != nil {
		if err := s.sites.RecordCrawl(context.WithoutCancel(ctx), outcome, s.now()); err != nil {
			slog.Warn("Failed to record site crawl", "site", cfg.ID, "error", err)
		}
	}
	return outcome
}

func (s *Scheduler) executeTask(ctx context.Context, task TaskInterface, timeout time.Duration) {
	task.Start()

	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := task.Execute(taskCtx); err != nil {
		slog.Error("Task execution failed", "type", string(task.GetType()), "id", task.GetID(), "site", task.GetSiteID(), "duration", task.GetDuration(), "error", err)
	}
}

func (s *Scheduler) finishCycle(ctx context.Context, cycle *report.Cycle) {
	s.history.Add(cycle)

	if s.reports != nil {
		if err := s.reports.Append(context.WithoutCancel(ctx), cycle); err != nil {
			slog.Error("Failed to append cycle report", "id", cycle.ID, "error", err)
		}
	}
	if s.observer != nil {
		s.observer.ObserveCycle(cycle)
		s.observer.SetIndexSize(s.index.Len())
	}

	totals := cycle.Totals()
	slog.Info("Cycle completed",
		"id", cycle.ID,
		"trigger", string(cycle.Trigger),
		"status", string(cycle.Status),
		"succeeded", totals.Succeeded,
		"failed", totals.Failed,
		"skipped", totals.Skipped,
		"fetched", totals.Fetched,
		"new", totals.New,
		"duration", cycle.Duration())
}

func (s *Scheduler) concurrency() int {
	if s.settings.MaxConcurrency > 0 {
		return s.settings.MaxConcurrency
	}
	return site.DefaultMaxConcurrency
}

func (s *Scheduler) acquire(siteID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[siteID] {
		return false
	}
	s.running[siteID] = true
	return true
}

func (s *Scheduler) release(siteID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, siteID)
}

// setState moves the state machine. Stopped is terminal.
func (s *Scheduler) setState(state State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return false
	}
	s.state = state
	return true
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) History() []*report.Cycle {
	return s.history.List()
}

func (s *Scheduler) Latest() *report.Cycle {
	return s.history.Latest()
}

// IndexSize is the number of committed fingerprints.
func (s *Scheduler) IndexSize() int {
	return s.index.Len()
}

func (s *Scheduler) Settings() *site.Settings {
	return s.settings
}

func skipped(siteID, reason string, at time.Time) report.SiteOutcome {
	return report.SiteOutcome{
		SiteID:    siteID,
		Status:    report.OutcomeSkipped,
		Error:     reason,
		StartedAt: at.UTC(),
	}
}
