package fetch

import (
	"context"
	"sync/atomic"
)

// Counting wraps a Fetcher and counts documents fetched successfully.
type Counting struct {
	next    Fetcher
	fetched atomic.Int64
}

func NewCounting(next Fetcher) *Counting {
	return &Counting{next: next}
}

func (c *Counting) Get(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.next.Get(ctx, req)
	if err == nil {
		c.fetched.Add(1)
	}
	return resp, err
}

func (c *Counting) Fetched() int {
	return int(c.fetched.Load())
}
