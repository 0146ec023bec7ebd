package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lysyi3m/examwatch/app/report"
)

// ReportRepository is the append-only audit trail of crawl cycles. The
// schema rejects UPDATE and DELETE on both tables.
type ReportRepository struct {
	db *sqlx.DB
}

func NewReportRepository(db *sqlx.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

type cycleRow struct {
	ID          string `db:"id"`
	TriggeredBy string `db:"triggered_by"`
	StartedAt   string `db:"started_at"`
	FinishedAt  string `db:"finished_at"`
	Status      string `db:"status"`
}

type cycleSiteRow struct {
	CycleID      string `db:"cycle_id"`
	SiteID       string `db:"site_id"`
	Status       string `db:"status"`
	PagesFetched int    `db:"pages_fetched"`
	Extracted    int    `db:"extracted"`
	NewRecords   int    `db:"new_records"`
	Duplicates   int    `db:"duplicates"`
	Errors       int    `db:"errors"`
	Error        string `db:"error"`
	StartedAt    string `db:"started_at"`
	DurationMs   int64  `db:"duration_ms"`
}

// Append stores a finished cycle and its site outcomes in one transaction.
func (r *ReportRepository) Append(ctx context.Context, c *report.Cycle) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO crawl_cycles (id, triggered_by, started_at, finished_at, status)
		VALUES (?, ?, ?, ?, ?)
	`, c.ID, string(c.Trigger), formatTime(c.StartedAt), formatTime(c.FinishedAt), string(c.Status))
	if err != nil {
		return fmt.Errorf("failed to insert cycle: %w", err)
	}

	for i, s := range c.Sites {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO crawl_cycle_sites (
				cycle_id, position, site_id, status, pages_fetched, extracted,
				new_records, duplicates, errors, error, started_at, duration_ms
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, i, s.SiteID, string(s.Status), s.PagesFetched, s.Extracted,
			s.New, s.Duplicates, s.Errors, s.Error, formatTime(s.StartedAt), s.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("failed to insert outcome of %s: %w", s.SiteID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cycle: %w", err)
	}
	return nil
}

// Recent returns up to limit cycles, newest first.
func (r *ReportRepository) Recent(ctx context.Context, limit int) ([]*report.Cycle, error) {
	var rows []cycleRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, triggered_by, started_at, finished_at, status
		FROM crawl_cycles
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, len(rows))
	cycles := make([]*report.Cycle, len(rows))
	byID := make(map[string]*report.Cycle, len(rows))
	for i, row := range rows {
		c, err := row.toCycle()
		if err != nil {
			return nil, err
		}
		ids[i] = row.ID
		cycles[i] = c
		byID[row.ID] = c
	}

	query, args, err := sqlx.In(`
		SELECT cycle_id, site_id, status, pages_fetched, extracted, new_records,
		       duplicates, errors, error, started_at, duration_ms
		FROM crawl_cycle_sites
		WHERE cycle_id IN (?)
		ORDER BY cycle_id, position
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var siteRows []cycleSiteRow
	if err := r.db.SelectContext(ctx, &siteRows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list cycle outcomes: %w", err)
	}

	for _, row := range siteRows {
		started, err := parseTime(row.StartedAt)
		if err != nil {
			return nil, err
		}
		c := byID[row.CycleID]
		c.Sites = append(c.Sites, report.SiteOutcome{
			SiteID:       row.SiteID,
			Status:       report.Outcome(row.Status),
			PagesFetched: row.PagesFetched,
			Extracted:    row.Extracted,
			New:          row.NewRecords,
			Duplicates:   row.Duplicates,
			Errors:       row.Errors,
			Error:        row.Error,
			StartedAt:    started,
			Duration:     time.Duration(row.DurationMs) * time.Millisecond,
		})
	}
	return cycles, nil
}

// Latest returns nil when no cycle was recorded yet.
func (r *ReportRepository) Latest(ctx context.Context) (*report.Cycle, error) {
	cycles, err := r.Recent(ctx, 1)
	if err != nil || len(cycles) == 0 {
		return nil, err
	}
	return cycles[0], nil
}

func (r *ReportRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM crawl_cycles`); err != nil {
		return 0, fmt.Errorf("failed to get cycle count: %w", err)
	}
	return count, nil
}

func (row cycleRow) toCycle() (*report.Cycle, error) {
	started, err := parseTime(row.StartedAt)
	if err != nil {
		return nil, err
	}
	finished, err := parseTime(row.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &report.Cycle{
		ID:         row.ID,
		Trigger:    report.Trigger(row.TriggeredBy),
		StartedAt:  started,
		FinishedAt: finished,
		Status:     report.Status(row.Status),
	}, nil
}
