package storage

import (
	"context"
	"log/slog"

	"github.com/lysyi3m/examwatch/app/record"
)

var _ Sink = (*Mirror)(nil)

// Mirror persists to the primary sink and copies inserted records to the
// archivers. Archive failures are logged and never change the Result: the
// primary store stays authoritative.
type Mirror struct {
	primary   Sink
	archivers []Archiver
}

func NewMirror(primary Sink, archivers ...Archiver) *Mirror {
	return &Mirror{primary: primary, archivers: archivers}
}

func (m *Mirror) Persist(ctx context.Context, records []record.Record) (Result, error) {
	result, err := m.primary.Persist(ctx, records)
	if len(m.archivers) == 0 || len(result.Inserted) == 0 {
		return result, err
	}

	inserted := make(map[string]struct{}, len(result.Inserted))
	for _, fp := range result.Inserted {
		inserted[fp] = struct{}{}
	}

	for _, rec := range records {
		if _, ok := inserted[rec.Fingerprint]; !ok {
			continue
		}
		for _, a := range m.archivers {
			if archiveErr := a.Archive(context.WithoutCancel(ctx), rec); archiveErr != nil {
				slog.Warn("Failed to archive record", "site", rec.SiteID, "fingerprint", rec.Fingerprint, "error", archiveErr)
			}
		}
	}
	return result, err
}

func (m *Mirror) LoadAllFingerprints(ctx context.Context) (map[string]struct{}, error) {
	return m.primary.LoadAllFingerprints(ctx)
}
