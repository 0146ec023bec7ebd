// Package storage defines the durable write contract shared by every
// record sink. A sink persists records upserted by fingerprint: writing a
// fingerprint that is already stored is a successful no-op.
package storage

import (
	"context"
	"errors"

	"github.com/lysyi3m/examwatch/app/record"
)

var (
	// ErrStorageUnavailable means the store could not be reached (connection
	// or disk failure). The current site batch is abandoned and retried on the
	// next cycle.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrConstraintViolation is a constraint failure other than the
	// fingerprint conflict. Upsert semantics make it impossible in a healthy
	// store, so it is always surfaced.
	ErrConstraintViolation = errors.New("constraint violation")
)

type Sink interface {
	// Persist writes records one by one. The Result lists the outcome of
	// every fingerprint. A non-nil error means at least one record failed;
	// ErrStorageUnavailable cuts the batch short and every remaining
	// fingerprint is reported as failed.
	Persist(ctx context.Context, records []record.Record) (Result, error)
	LoadAllFingerprints(ctx context.Context) (map[string]struct{}, error)
}

// Archiver is a secondary copy of durable records. Archivers never take
// part in the dedup decision.
type Archiver interface {
	Archive(ctx context.Context, rec record.Record) error
}

// Result reports the per-fingerprint outcome of a Persist call.
type Result struct {
	Inserted []string
	Existing []string
	Failed   map[string]error
}

func (r *Result) fail(fp string, err error) {
	if r.Failed == nil {
		r.Failed = make(map[string]error)
	}
	r.Failed[fp] = err
}

// Fail records err for every fingerprint in records.
func (r *Result) Fail(records []record.Record, err error) {
	for _, rec := range records {
		r.fail(rec.Fingerprint, err)
	}
}

// Written is the number of rows inserted.
func (r Result) Written() int {
	return len(r.Inserted)
}

// Durable lists every fingerprint now known to be stored.
func (r Result) Durable() []string {
	fps := make([]string, 0, len(r.Inserted)+len(r.Existing))
	fps = append(fps, r.Inserted...)
	return append(fps, r.Existing...)
}

// FirstError returns one of the per-record failures, preferring
// constraint violations over other errors.
func (r Result) FirstError() error {
	var first error
	for _, err := range r.Failed {
		if errors.Is(err, ErrConstraintViolation) {
			return err
		}
		if first == nil {
			first = err
		}
	}
	return first
}
