// Package archive keeps a flat-file copy of stored records for audit and
// replay. One JSON document per record, named by fingerprint.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/lysyi3m/examwatch/app/record"
	"github.com/lysyi3m/examwatch/app/storage"
)

var _ storage.Archiver = (*FileSink)(nil)

type FileSink struct {
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, errors.New("archive directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Path is where the record with fingerprint fp of siteID is archived.
func (s *FileSink) Path(siteID, fp string) string {
	return filepath.Join(s.dir, filepath.Base(siteID), fp+".json")
}

// Archive writes rec atomically. An existing file is left untouched.
func (s *FileSink) Archive(ctx context.Context, rec record.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !record.ValidFingerprint(rec.Fingerprint) {
		return fmt.Errorf("refusing to archive record with fingerprint %q", rec.Fingerprint)
	}

	path := s.Path(rec.SiteID, rec.Fingerprint)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat archive file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create site directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+rec.Fingerprint+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write archive file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync archive file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close archive file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move archive file into place: %w", err)
	}
	return nil
}

// Load reads an archived record back.
func (s *FileSink) Load(siteID, fp string) (record.Record, error) {
	data, err := os.ReadFile(s.Path(siteID, fp))
	if err != nil {
		return record.Record{}, fmt.Errorf("failed to read archive file: %w", err)
	}

	var rec record.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record.Record{}, fmt.Errorf("failed to decode archive file: %w", err)
	}
	return rec, nil
}
