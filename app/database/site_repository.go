package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lysyi3m/examwatch/app/report"
	"github.com/lysyi3m/examwatch/app/site"
)

// Site is the registry row of a configured site.
type Site struct {
	ID            string     `json:"site_id"`
	Name          string     `json:"name"`
	EntryURL      string     `json:"entry_url"`
	Variant       string     `json:"crawler_variant"`
	Enabled       bool       `json:"enabled"`
	LastCrawledAt *time.Time `json:"last_crawled_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastStatus    string     `json:"last_status"`
	LastError     string     `json:"last_error,omitempty"`
}

type siteRow struct {
	ID            string  `db:"site_id"`
	Name          string  `db:"name"`
	EntryURL      string  `db:"entry_url"`
	Variant       string  `db:"variant"`
	Enabled       bool    `db:"enabled"`
	LastCrawledAt *string `db:"last_crawled_at"`
	LastSuccessAt *string `db:"last_success_at"`
	LastStatus    string  `db:"last_status"`
	LastError     string  `db:"last_error"`
}

func (r siteRow) toSite() Site {
	return Site{
		ID:            r.ID,
		Name:          r.Name,
		EntryURL:      r.EntryURL,
		Variant:       r.Variant,
		Enabled:       r.Enabled,
		LastCrawledAt: nullableTime(r.LastCrawledAt),
		LastSuccessAt: nullableTime(r.LastSuccessAt),
		LastStatus:    r.LastStatus,
		LastError:     r.LastError,
	}
}

const selectSiteColumns = `
	SELECT site_id, name, entry_url, variant, enabled,
	       last_crawled_at, last_success_at, last_status, last_error
	FROM sites
`

// SiteRepository keeps the registry of configured sites and their last
// crawl result.
type SiteRepository struct {
	db *sqlx.DB
}

func NewSiteRepository(db *sqlx.DB) *SiteRepository {
	return &SiteRepository{db: db}
}

// Sync upserts the configured sites and disables rows no longer configured.
func (r *SiteRepository) Sync(ctx context.Context, sites []site.Config) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	ids := make([]string, 0, len(sites))
	for _, c := range sites {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sites (site_id, name, entry_url, variant, enabled, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (site_id) DO UPDATE SET
				name = excluded.name,
				entry_url = excluded.entry_url,
				variant = excluded.variant,
				enabled = excluded.enabled,
				updated_at = excluded.updated_at
		`, c.ID, c.DisplayName(), c.EntryURL, c.Variant, c.IsEnabled(), now)
		if err != nil {
			return fmt.Errorf("failed to upsert site %s: %w", c.ID, err)
		}
		ids = append(ids, c.ID)
	}

	if len(ids) > 0 {
		query, args, err := sqlx.In(`UPDATE sites SET enabled = 0, updated_at = ? WHERE site_id NOT IN (?)`, now, ids)
		if err != nil {
			return fmt.Errorf("failed to build query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to disable removed sites: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit site sync: %w", err)
	}
	return nil
}

// RecordCrawl stores the outcome of a site's latest crawl.
func (r *SiteRepository) RecordCrawl(ctx context.Context, outcome report.SiteOutcome, at time.Time) error {
	ts := formatTime(at)

	var lastSuccess *string
	if !outcome.Failed() {
		lastSuccess = &ts
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE sites
		SET last_crawled_at = ?,
		    last_success_at = COALESCE(?, last_success_at),
		    last_status = ?,
		    last_error = ?,
		    updated_at = ?
		WHERE site_id = ?
	`, ts, lastSuccess, string(outcome.Status), outcome.Error, ts, outcome.SiteID)
	if err != nil {
		return fmt.Errorf("failed to record crawl for %s: %w", outcome.SiteID, err)
	}
	return nil
}

func (r *SiteRepository) List(ctx context.Context) ([]Site, error) {
	var rows []siteRow
	if err := r.db.SelectContext(ctx, &rows, selectSiteColumns+` ORDER BY site_id`); err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}

	sites := make([]Site, 0, len(rows))
	for _, row := range rows {
		sites = append(sites, row.toSite())
	}
	return sites, nil
}

// Get returns nil when the site is unknown.
func (r *SiteRepository) Get(ctx context.Context, id string) (*Site, error) {
	var row siteRow
	err := r.db.GetContext(ctx, &row, selectSiteColumns+` WHERE site_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get site: %w", err)
	}

	s := row.toSite()
	return &s, nil
}
