package record

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"
)

const DateLayout = "2006-01-02"

// fieldSeparator joins the natural key parts. It cannot appear in normalized text.
const fieldSeparator = "\x1f"

var ErrInvalidRecord = errors.New("invalid record")

// Candidate is what a RecordExtractor yields: raw strings straight from the page.
type Candidate struct {
	Title   string
	Link    string
	Date    string
	Summary string
}

// Record is a normalized listing entry. Fingerprint is set once by Normalize.
type Record struct {
	SiteID      string    `json:"site_id" validate:"required"`
	Title       string    `json:"title" validate:"required"`
	PublishDate time.Time `json:"publish_date"`
	SourceURL   string    `json:"source_url" validate:"required,http_url"`
	Summary     string    `json:"summary,omitempty"`
	ExtractedAt time.Time `json:"extracted_at"`
	Fingerprint string    `json:"fingerprint" validate:"required,len=64,hexadecimal"`
}

var validate = validator.New()

// Validate reports whether r carries every field of the natural key.
func (r Record) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if r.PublishDate.IsZero() {
		return fmt.Errorf("%w: publish date is required", ErrInvalidRecord)
	}
	return nil
}

// Fingerprint hashes the natural key {site, source URL, title, publish date}.
// Summary text is deliberately not part of it.
func Fingerprint(siteID, sourceURL, title string, publishDate time.Time) string {
	date := ""
	if !publishDate.IsZero() {
		date = publishDate.Format(DateLayout)
	}
	key := strings.Join([]string{
		CleanText(siteID),
		strings.TrimSpace(sourceURL),
		CleanText(title),
		date,
	}, fieldSeparator)

	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// ValidFingerprint checks the shape of a fingerprint without recomputing it.
func ValidFingerprint(fp string) bool {
	if len(fp) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(fp)
	return err == nil
}

// Normalizer turns candidates of one site into Records.
type Normalizer struct {
	SiteID      string
	DateLayouts []string
	Location    *time.Location
	Now         func() time.Time
}

// Normalize resolves the candidate link against base, parses the date and
// computes the fingerprint. Candidates missing a required field are rejected.
func (n Normalizer) Normalize(c Candidate, base *url.URL) (Record, error) {
	title := CleanText(c.Title)
	if title == "" {
		return Record{}, fmt.Errorf("%w: empty title", ErrInvalidRecord)
	}

	link, err := ResolveURL(base, c.Link)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	loc := n.Location
	if loc == nil {
		loc = time.Local
	}
	published, err := ParseDate(c.Date, loc, n.DateLayouts...)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	now := time.Now
	if n.Now != nil {
		now = n.Now
	}

	r := Record{
		SiteID:      n.SiteID,
		Title:       title,
		PublishDate: published,
		SourceURL:   link,
		Summary:     CleanText(c.Summary),
		ExtractedAt: now().UTC(),
	}
	r.Fingerprint = Fingerprint(r.SiteID, r.SourceURL, r.Title, r.PublishDate)

	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// ResolveURL makes link absolute against base and strips the fragment.
func ResolveURL(base *url.URL, link string) (string, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return "", errors.New("empty link")
	}
	ref, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("bad link %q: %w", link, err)
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", fmt.Errorf("link %q is not an absolute http(s) URL", link)
	}
	ref.Fragment = ""
	return ref.String(), nil
}

// CleanText applies NFKC and collapses runs of whitespace.
func CleanText(s string) string {
	s = norm.NFKC.String(s)
	return strings.Join(strings.Fields(s), " ")
}
