// Package dedup keeps the in-memory fingerprint index that decides which
// extracted records are new. The index is a cache of durable storage: it is
// rebuilt from the store at startup and only marks a fingerprint as known
// after the store confirmed the write.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lysyi3m/examwatch/app/record"
	"github.com/lysyi3m/examwatch/app/storage"
)

// ErrInvariantViolation means the index and the store disagree about which
// fingerprints are stored.
var ErrInvariantViolation = errors.New("fingerprint index invariant violated")

type FingerprintSource interface {
	LoadAllFingerprints(ctx context.Context) (map[string]struct{}, error)
}

type state uint8

const (
	reserved state = iota + 1
	committed
)

// Deduplicator owns the fingerprint index. All methods are serialized on a
// single mutex.
type Deduplicator struct {
	mu    sync.Mutex
	index map[string]state
}

func New() *Deduplicator {
	return &Deduplicator{index: make(map[string]state)}
}

// Rebuild replaces the index with the fingerprints held by src. Pending
// reservations are dropped.
func (d *Deduplicator) Rebuild(ctx context.Context, src FingerprintSource) error {
	fps, err := src.LoadAllFingerprints(ctx)
	if err != nil {
		return fmt.Errorf("failed to load fingerprints: %w", err)
	}

	index := make(map[string]state, len(fps))
	for fp := range fps {
		index[fp] = committed
	}

	d.mu.Lock()
	d.index = index
	d.mu.Unlock()

	slog.Info("Fingerprint index rebuilt", "fingerprints", len(index))
	return nil
}

// Filter returns the records that are neither stored nor reserved, in input
// order, and reserves their fingerprints. Records with a malformed
// fingerprint are dropped.
func (d *Deduplicator) Filter(records []record.Record) []record.Record {
	d.mu.Lock()
	defer d.mu.Unlock()

	fresh := make([]record.Record, 0, len(records))
	for _, rec := range records {
		if !record.ValidFingerprint(rec.Fingerprint) {
			slog.Warn("Dropping record with malformed fingerprint", "site", rec.SiteID, "title", rec.Title)
			continue
		}
		if _, seen := d.index[rec.Fingerprint]; seen {
			continue
		}
		d.index[rec.Fingerprint] = reserved
		fresh = append(fresh, rec)
	}
	return fresh
}

// Settle applies a storage outcome: durable fingerprints become committed and
// failed ones are released so a later cycle retries them. A fingerprint the
// store reports as already present while the index had only reserved it is
// committed and reported as ErrInvariantViolation.
func (d *Deduplicator) Settle(result storage.Result) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, fp := range result.Inserted {
		d.index[fp] = committed
	}

	var mismatched []string
	for _, fp := range result.Existing {
		if d.index[fp] == reserved {
			mismatched = append(mismatched, fp)
		}
		d.index[fp] = committed
	}

	for fp := range result.Failed {
		if d.index[fp] == reserved {
			delete(d.index, fp)
		}
	}

	if len(mismatched) > 0 {
		return fmt.Errorf("%w: %d stored fingerprints were missing from the index (first %s)", ErrInvariantViolation, len(mismatched), mismatched[0])
	}
	return nil
}

// Release drops reservations that will not reach storage.
func (d *Deduplicator) Release(fps []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, fp := range fps {
		if d.index[fp] == reserved {
			delete(d.index, fp)
		}
	}
}

// Known reports whether fp is committed.
func (d *Deduplicator) Known(fp string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.index[fp] == committed
}

// Len is the number of committed fingerprints.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count(committed)
}

// Pending is the number of outstanding reservations.
func (d *Deduplicator) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count(reserved)
}

func (d *Deduplicator) count(s state) int {
	n := 0
	for _, v := range d.index {
		if v == s {
			n++
		}
	}
	return n
}

// Fingerprints lists the fingerprints of records.
func Fingerprints(records []record.Record) []string {
	fps := make([]string, len(records))
	for i, rec := range records {
		fps[i] = rec.Fingerprint
	}
	return fps
}
