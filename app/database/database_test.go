package database

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lysyi3m/examwatch/app/record"
	"github.com/lysyi3m/examwatch/app/report"
	"github.com/lysyi3m/examwatch/app/site"
	"github.com/lysyi3m/examwatch/app/storage"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "examwatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newRecord(siteID string, day int, summary string) record.Record {
	published := time.Date(2024, 4, day, 0, 0, 0, 0, time.UTC)
	link := fmt.Sprintf("https://%s.example.org/notice/%d.html", siteID, day)
	title := fmt.Sprintf("考试通知 %d", day)
	return record.Record{
		SiteID:      siteID,
		Title:       title,
		PublishDate: published,
		SourceURL:   link,
		Summary:     summary,
		ExtractedAt: time.Date(2024, 4, 30, 8, 0, 0, 0, time.UTC),
		Fingerprint: record.Fingerprint(siteID, link, title, published),
	}
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "examwatch.db")

	db, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(context.Background(), path)
	require.NoError(t, err)
	defer db.Close()

	version, err := Migrate(db)
	require.NoError(t, err)
	assert.Equal(t, uint(3), version)
}

func TestOpen_RefusesDirtySchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "examwatch.db")

	db, err := Open(context.Background(), path)
	require.NoError(t, err)
	_, err = db.Exec("UPDATE schema_migrations SET dirty = 1")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(context.Background(), path)
	require.ErrorIs(t, err, ErrSchemaDirty)
}

func TestRecordRepository_PersistIsUpsertByFingerprint(t *testing.T) {
	ctx := context.Background()
	repo := openTestDB(t).Records()

	a, b := newRecord("neea", 1, "first"), newRecord("neea", 2, "")
	result, err := repo.Persist(ctx, []record.Record{a, b})
	require.NoError(t, err)
	assert.Equal(t, []string{a.Fingerprint, b.Fingerprint}, result.Inserted)

	drifted := a
	drifted.Summary = "body text changed"
	result, err = repo.Persist(ctx, []record.Record{drifted, b})
	require.NoError(t, err)
	assert.Empty(t, result.Inserted)
	assert.Equal(t, []string{a.Fingerprint, b.Fingerprint}, result.Existing)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	stored, err := repo.ListBySite(ctx, "neea", 10)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, b.Fingerprint, stored[0].Fingerprint, "newest publish date first")
	assert.Equal(t, "first", stored[1].Summary, "an existing row is never rewritten")
	assert.True(t, a.PublishDate.Equal(stored[1].PublishDate))
	assert.True(t, a.ExtractedAt.Equal(stored[1].ExtractedAt))

	fps, err := repo.LoadAllFingerprints(ctx)
	require.NoError(t, err)
	assert.Len(t, fps, 2)
	assert.Contains(t, fps, a.Fingerprint)
}

func TestRecordRepository_ConstraintViolationIsPerRecord(t *testing.T) {
	ctx := context.Background()
	repo := openTestDB(t).Records()

	broken := newRecord("neea", 3, "")
	broken.Fingerprint = strings.Repeat("a", 10)
	good := newRecord("neea", 4, "")

	result, err := repo.Persist(ctx, []record.Record{broken, good})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrConstraintViolation)
	assert.Equal(t, []string{good.Fingerprint}, result.Inserted)
	require.Contains(t, result.Failed, broken.Fingerprint)
	assert.ErrorIs(t, result.Failed[broken.Fingerprint], storage.ErrConstraintViolation)
}

func TestRecordRepository_CountBySite(t *testing.T) {
	ctx := context.Background()
	repo := openTestDB(t).Records()

	_, err := repo.Persist(ctx, []record.Record{newRecord("a", 1, ""), newRecord("a", 2, ""), newRecord("b", 1, "")})
	require.NoError(t, err)

	counts, err := repo.CountBySite(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 2, "b": 1}, counts)
}

func TestSiteRepository(t *testing.T) {
	ctx := context.Background()
	repo := openTestDB(t).Sites()

	disabled := false
	sites := []site.Config{
		{ID: "neea", Name: "Exam authority", EntryURL: "https://neea.example.org/", Variant: "exam-authority"},
		{ID: "hr", EntryURL: "https://hr.example.org/", Variant: "listing-page", Enabled: &disabled},
		{ID: "city", EntryURL: "https://city.example.org/", Variant: "feed"},
	}
	require.NoError(t, repo.Sync(ctx, sites))

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "city", all[0].ID)
	assert.Equal(t, "city", all[0].Name)
	assert.True(t, all[0].Enabled)
	assert.Equal(t, "hr", all[1].ID)
	assert.False(t, all[1].Enabled)
	assert.Equal(t, "Exam authority", all[2].Name)
	assert.True(t, all[2].Enabled)

	at := time.Date(2024, 4, 1, 2, 0, 0, 0, time.UTC)
	require.NoError(t, repo.RecordCrawl(ctx, report.SiteOutcome{SiteID: "neea", Status: report.OutcomeOK}, at))
	require.NoError(t, repo.RecordCrawl(ctx, report.SiteOutcome{SiteID: "neea", Status: report.OutcomeFetchFailed, Error: "timeout"}, at.Add(time.Hour)))

	neea, err := repo.Get(ctx, "neea")
	require.NoError(t, err)
	require.NotNil(t, neea)
	require.NotNil(t, neea.LastSuccessAt)
	assert.True(t, at.Equal(*neea.LastSuccessAt), "a failure keeps the last success")
	assert.True(t, at.Add(time.Hour).Equal(*neea.LastCrawledAt))
	assert.Equal(t, "fetch_failed", neea.LastStatus)
	assert.Equal(t, "timeout", neea.LastError)

	require.NoError(t, repo.Sync(ctx, sites[:2]))
	city, err := repo.Get(ctx, "city")
	require.NoError(t, err)
	require.NotNil(t, city)
	assert.False(t, city.Enabled, "sites dropped from the config are disabled")

	missing, err := repo.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestReportRepository_AppendOnly(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := db.Reports()

	start := time.Date(2024, 4, 1, 2, 0, 0, 0, time.UTC)
	first := report.NewCycle(report.TriggerStartup, start)
	first.Sites = []report.SiteOutcome{
		{SiteID: "neea", Status: report.OutcomeOK, PagesFetched: 1, Extracted: 3, New: 1, Duplicates: 2, StartedAt: start, Duration: 1500 * time.Millisecond},
		{SiteID: "hr", Status: report.OutcomeFetchFailed, Errors: 1, Error: "HTTP error: 503", StartedAt: start},
	}
	first.Finish(start.Add(2 * time.Second))
	require.NoError(t, repo.Append(ctx, first))

	second := report.NewCycle(report.TriggerSchedule, start.Add(30*time.Minute))
	second.Finish(start.Add(31 * time.Minute))
	require.NoError(t, repo.Append(ctx, second))

	cycles, err := repo.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	assert.Equal(t, second.ID, cycles[0].ID)
	assert.Empty(t, cycles[0].Sites)

	got := cycles[1]
	assert.Equal(t, report.TriggerStartup, got.Trigger)
	assert.Equal(t, report.StatusPartial, got.Status)
	require.Len(t, got.Sites, 2)
	assert.Equal(t, "neea", got.Sites[0].SiteID)
	assert.Equal(t, 1, got.Sites[0].New)
	assert.Equal(t, 1500*time.Millisecond, got.Sites[0].Duration)
	assert.Equal(t, "HTTP error: 503", got.Sites[1].Error)

	latest, err := repo.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	_, err = db.ExecContext(ctx, `UPDATE crawl_cycles SET status = 'ok'`)
	assert.Error(t, err)
	_, err = db.ExecContext(ctx, `DELETE FROM crawl_cycle_sites`)
	assert.Error(t, err)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	assert.Error(t, repo.Append(ctx, first), "a cycle id is written once")
}

func TestReportRepository_EmptyTrail(t *testing.T) {
	repo := openTestDB(t).Reports()
	latest, err := repo.Latest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, latest)
}
