package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/lysyi3m/examwatch/app/record"
	"github.com/lysyi3m/examwatch/app/storage"
)

var _ storage.Sink = (*RecordRepository)(nil)

const insertRecordQuery = `
	INSERT INTO records (fingerprint, site_id, title, publish_date, source_url, summary, extracted_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (fingerprint) DO NOTHING
`

// RecordRepository is the relational StorageSink.
type RecordRepository struct {
	db *sqlx.DB
}

func NewRecordRepository(db *sqlx.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

type recordRow struct {
	Fingerprint string `db:"fingerprint"`
	SiteID      string `db:"site_id"`
	Title       string `db:"title"`
	PublishDate string `db:"publish_date"`
	SourceURL   string `db:"source_url"`
	Summary     string `db:"summary"`
	ExtractedAt string `db:"extracted_at"`
}

func (r recordRow) toRecord() (record.Record, error) {
	published, err := time.Parse(record.DateLayout, r.PublishDate)
	if err != nil {
		return record.Record{}, fmt.Errorf("bad publish date %q: %w", r.PublishDate, err)
	}
	extracted, err := parseTime(r.ExtractedAt)
	if err != nil {
		return record.Record{}, err
	}
	return record.Record{
		SiteID:      r.SiteID,
		Title:       r.Title,
		PublishDate: published,
		SourceURL:   r.SourceURL,
		Summary:     r.Summary,
		ExtractedAt: extracted,
		Fingerprint: r.Fingerprint,
	}, nil
}

// Persist inserts each record in its own statement. A fingerprint already
// present is reported as Existing. A constraint failure only fails that
// record; any other failure aborts the batch.
func (r *RecordRepository) Persist(ctx context.Context, records []record.Record) (storage.Result, error) {
	var result storage.Result

	for i, rec := range records {
		res, err := r.db.ExecContext(ctx, insertRecordQuery,
			rec.Fingerprint,
			rec.SiteID,
			rec.Title,
			rec.PublishDate.Format(record.DateLayout),
			rec.SourceURL,
			rec.Summary,
			formatTime(rec.ExtractedAt),
		)
		if err == nil {
			var n int64
			n, err = res.RowsAffected()
			if err == nil {
				if n == 0 {
					result.Existing = append(result.Existing, rec.Fingerprint)
				} else {
					result.Inserted = append(result.Inserted, rec.Fingerprint)
				}
				continue
			}
			if ok, lookupErr := r.stored(ctx, rec.Fingerprint); lookupErr == nil && ok {
				result.Inserted = append(result.Inserted, rec.Fingerprint)
				continue
			}
		}

		err = classify(fmt.Errorf("failed to insert record %s: %w", rec.Fingerprint, err))
		if errors.Is(err, storage.ErrConstraintViolation) {
			result.Fail(records[i:i+1], err)
			continue
		}
		result.Fail(records[i:], err)
		return result, err
	}

	return result, result.FirstError()
}

// stored reports whether a row with fingerprint fp exists. It settles inserts
// whose affected row count could not be read.
func (r *RecordRepository) stored(ctx context.Context, fp string) (bool, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(1) FROM records WHERE fingerprint = ?`, fp); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RecordRepository) LoadAllFingerprints(ctx context.Context) (map[string]struct{}, error) {
	var fps []string
	if err := r.db.SelectContext(ctx, &fps, `SELECT fingerprint FROM records`); err != nil {
		return nil, classify(fmt.Errorf("failed to load fingerprints: %w", err))
	}

	set := make(map[string]struct{}, len(fps))
	for _, fp := range fps {
		set[fp] = struct{}{}
	}
	return set, nil
}

// ListBySite returns the newest records of a site by publish date.
func (r *RecordRepository) ListBySite(ctx context.Context, siteID string, limit int) ([]record.Record, error) {
	var rows []recordRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT fingerprint, site_id, title, publish_date, source_url, summary, extracted_at
		FROM records
		WHERE site_id = ?
		ORDER BY publish_date DESC, id DESC
		LIMIT ?
	`, siteID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	records := make([]record.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, fmt.Errorf("failed to decode record %s: %w", row.Fingerprint, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *RecordRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM records`); err != nil {
		return 0, fmt.Errorf("failed to get record count: %w", err)
	}
	return count, nil
}

func (r *RecordRepository) CountBySite(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		SiteID string `db:"site_id"`
		Count  int    `db:"count"`
	}
	err := r.db.SelectContext(ctx, &rows, `SELECT site_id, COUNT(*) AS count FROM records GROUP BY site_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to count records by site: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.SiteID] = row.Count
	}
	return counts, nil
}

// classify maps driver errors onto the storage taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return fmt.Errorf("%w: %w", storage.ErrConstraintViolation, err)
	}
	return fmt.Errorf("%w: %w", storage.ErrStorageUnavailable, err)
}
