package storage

import (
	"context"
	"sync"

	"github.com/lysyi3m/examwatch/app/record"
)

var _ Sink = (*Memory)(nil)

// Memory is an in-process Sink with the same upsert semantics as the SQL
// store. It backs dry runs and tests.
type Memory struct {
	mu      sync.Mutex
	records map[string]record.Record
	order   []string
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]record.Record)}
}

func (m *Memory) Persist(ctx context.Context, records []record.Record) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result Result
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			result.Fail(records[i:], err)
			return result, err
		}
		if _, ok := m.records[rec.Fingerprint]; ok {
			result.Existing = append(result.Existing, rec.Fingerprint)
			continue
		}
		m.records[rec.Fingerprint] = rec
		m.order = append(m.order, rec.Fingerprint)
		result.Inserted = append(result.Inserted, rec.Fingerprint)
	}
	return result, nil
}

func (m *Memory) LoadAllFingerprints(ctx context.Context) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fps := make(map[string]struct{}, len(m.records))
	for fp := range m.records {
		fps[fp] = struct{}{}
	}
	return fps, nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Records returns stored records in insertion order.
func (m *Memory) Records() []record.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]record.Record, 0, len(m.order))
	for _, fp := range m.order {
		out = append(out, m.records[fp])
	}
	return out
}
