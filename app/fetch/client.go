package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxAttempts  = 3
	DefaultMaxBodyBytes = 8 << 20
	DefaultUserAgent    = "examwatch/1.0"
)

// Fetcher is the contract crawlers depend on.
type Fetcher interface {
	Get(ctx context.Context, req Request) (*Response, error)
}

type Request struct {
	SiteID string
	URL    string
	// Timeout bounds a single attempt.
	Timeout time.Duration
	// MinInterval is the minimum gap between requests to the same SiteID.
	MinInterval time.Duration
	// Encoding overrides the charset declared by the server, e.g. "gbk".
	Encoding string
	// XML keeps the body as sent when its prolog declares an encoding, so
	// the XML parser decodes it once.
	XML bool
}

// Response is the raw document handed to a RecordExtractor. Body is UTF-8
// unless the request was XML and the document declares its own encoding.
type Response struct {
	SiteID      string
	URL         string
	Status      int
	ContentType string
	Body        []byte
	FetchedAt   time.Time
	Attempts    int
}

type Options struct {
	UserAgent      string
	MaxAttempts    int
	MaxBodyBytes   int64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Transport      http.RoundTripper
}

func DefaultOptions() Options {
	return Options{
		UserAgent:      DefaultUserAgent,
		MaxAttempts:    DefaultMaxAttempts,
		MaxBodyBytes:   DefaultMaxBodyBytes,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// Client performs single-URL fetches with retry, backoff and per-site pacing.
type Client struct {
	httpClient *http.Client
	opts       Options

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var _ Fetcher = (*Client)(nil)

func NewClient(opts Options) *Client {
	def := DefaultOptions()
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = def.MaxBodyBytes
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}

	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     30 * time.Second,
		}
	}

	return &Client{
		httpClient: &http.Client{Transport: transport},
		opts:       opts,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Get fetches req.URL. Non-2xx statuses are returned together with a
// *StatusError so the caller always sees them.
func (c *Client) Get(ctx context.Context, req Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxAttempts-1)), ctx)

	var resp *Response
	attempts := 0
	operation := func() error {
		attempts++
		if err := c.wait(ctx, req); err != nil {
			return backoff.Permanent(err)
		}

		r, err := c.do(ctx, req, timeout)
		resp = r
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		slog.Debug("Fetch retry scheduled", "site", req.SiteID, "url", req.URL, "attempt", attempts, "delay", delay.String(), "error", err)
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if resp != nil {
		resp.Attempts = attempts
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return resp, &Error{URL: req.URL, Attempts: attempts, Err: err}
	}
	return resp, nil
}

func (c *Client) wait(ctx context.Context, req Request) error {
	if req.MinInterval <= 0 || req.SiteID == "" {
		return nil
	}
	return c.limiter(req.SiteID, req.MinInterval).Wait(ctx)
}

// limiter returns the pacing limiter of a site. The first request passes
// immediately, every following one waits interval after the previous.
func (c *Client) limiter(siteID string, interval time.Duration) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[siteID]
	if !ok {
		l = rate.NewLimiter(rate.Every(interval), 1)
		c.limiters[siteID] = l
		return l
	}
	if l.Limit() != rate.Every(interval) {
		l.SetLimit(rate.Every(interval))
	}
	return l
}

func (c *Client) do(ctx context.Context, req Request, timeout time.Duration) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", c.opts.UserAgent)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer httpResp.Body.Close()

	contentType := httpResp.Header.Get("Content-Type")
	body, err := c.readBody(httpResp.Body, contentType, req)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		SiteID:      req.SiteID,
		URL:         req.URL,
		Status:      httpResp.StatusCode,
		ContentType: contentType,
		Body:        body,
		FetchedAt:   time.Now().UTC(),
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return resp, &StatusError{URL: req.URL, Status: httpResp.StatusCode}
	}
	return resp, nil
}

func (c *Client) readBody(body io.Reader, contentType string, req Request) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(body, c.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(raw)) > c.opts.MaxBodyBytes {
		return nil, fmt.Errorf("%w: response body exceeds %d bytes", errTooLarge, c.opts.MaxBodyBytes)
	}

	if req.XML && declaresXMLEncoding(raw) {
		return raw, nil
	}

	var reader io.Reader
	if req.Encoding != "" {
		enc, err := htmlindex.Get(req.Encoding)
		if err != nil {
			return nil, fmt.Errorf("unknown encoding %q: %w", req.Encoding, err)
		}
		reader = enc.NewDecoder().Reader(bytes.NewReader(raw))
	} else {
		reader, err = charset.NewReader(bytes.NewReader(raw), contentType)
		if err != nil {
			return nil, fmt.Errorf("failed to detect charset: %w", err)
		}
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	return data, nil
}

// declaresXMLEncoding reports whether raw starts with an XML declaration
// carrying an encoding pseudo-attribute.
func declaresXMLEncoding(raw []byte) bool {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	raw = bytes.TrimLeft(raw, " \t\r\n")
	if !bytes.HasPrefix(raw, []byte("<?xml")) {
		return false
	}
	end := bytes.Index(raw, []byte("?>"))
	if end < 0 {
		return false
	}
	return bytes.Contains(raw[:end], []byte("encoding="))
}

// retryable reports whether a failed attempt may succeed when repeated:
// server errors, timeouts and dropped connections. 4xx never is.
func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status >= 500
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true
		}
		err = urlErr.Err
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, context.DeadlineExceeded)
}
