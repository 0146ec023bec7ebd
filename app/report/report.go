// Package report holds the crawl cycle audit records. A Cycle is built by
// the scheduler while the cycle runs and is immutable once finished.
package report

import (
	"time"

	"github.com/google/uuid"
)

type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
	TriggerStartup  Trigger = "startup"
	TriggerOnce     Trigger = "once"
)

type Status string

const (
	StatusOK      Status = "ok"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Outcome classifies how one site fared in a cycle.
type Outcome string

const (
	OutcomeOK                  Outcome = "ok"
	OutcomeSkipped             Outcome = "skipped"
	OutcomeFetchFailed         Outcome = "fetch_failed"
	OutcomeParseFailed         Outcome = "parse_failed"
	OutcomeTimeout             Outcome = "timeout"
	OutcomeStorageUnavailable  Outcome = "storage_unavailable"
	OutcomeConstraintViolation Outcome = "constraint_violation"
	OutcomeInvariantViolation  Outcome = "invariant_violation"
	OutcomeError               Outcome = "error"
)

type SiteOutcome struct {
	SiteID       string        `json:"site_id"`
	Status       Outcome       `json:"status"`
	PagesFetched int           `json:"fetched"`
	Extracted    int           `json:"extracted"`
	New          int           `json:"new"`
	Duplicates   int           `json:"duplicates"`
	Errors       int           `json:"errors"`
	Error        string        `json:"error,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
}

func (o SiteOutcome) Failed() bool {
	return o.Status != OutcomeOK && o.Status != OutcomeSkipped
}

type Cycle struct {
	ID         string        `json:"id"`
	Trigger    Trigger       `json:"trigger"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Status     Status        `json:"status"`
	Sites      []SiteOutcome `json:"sites"`
}

func NewCycle(trigger Trigger, startedAt time.Time) *Cycle {
	return &Cycle{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: startedAt.UTC(),
	}
}

// Finish stamps the end time and derives the overall status: failed when
// every crawled site failed, partial when some did.
func (c *Cycle) Finish(finishedAt time.Time) {
	c.FinishedAt = finishedAt.UTC()

	crawled, failed := 0, 0
	for _, s := range c.Sites {
		if s.Status == OutcomeSkipped {
			continue
		}
		crawled++
		if s.Failed() {
			failed++
		}
	}

	switch {
	case failed == 0:
		c.Status = StatusOK
	case failed == crawled:
		c.Status = StatusFailed
	default:
		c.Status = StatusPartial
	}
}

func (c *Cycle) Duration() time.Duration {
	if c.FinishedAt.IsZero() {
		return 0
	}
	return c.FinishedAt.Sub(c.StartedAt)
}

type Totals struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Fetched   int `json:"fetched"`
	New       int `json:"new"`
}

func (c *Cycle) Totals() Totals {
	var t Totals
	for _, s := range c.Sites {
		switch {
		case s.Status == OutcomeSkipped:
			t.Skipped++
		case s.Failed():
			t.Failed++
		default:
			t.Succeeded++
		}
		t.Fetched += s.PagesFetched
		t.New += s.New
	}
	return t
}

func (c *Cycle) Failed() bool {
	return c.Status != StatusOK
}

func (c *Cycle) Site(id string) (SiteOutcome, bool) {
	for _, s := range c.Sites {
		if s.SiteID == id {
			return s, true
		}
	}
	return SiteOutcome{}, false
}
