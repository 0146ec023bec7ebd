package extract

import (
	"bytes"
	"cmp"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/lysyi3m/examwatch/app/record"
)

// Feed extracts announcements from an RSS or Atom document.
type Feed struct{}

var _ Extractor = Feed{}

func (Feed) Extract(raw []byte, siteID string) (Page, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(raw))
	if err != nil {
		return Page{}, fmt.Errorf("%w: %s feed: %v", ErrStructureNotFound, siteID, err)
	}

	page := Page{Candidates: make([]record.Candidate, 0, len(parsed.Items))}
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		page.Candidates = append(page.Candidates, record.Candidate{
			Title:   item.Title,
			Link:    cmp.Or(item.Link, linkFromGUID(item.GUID)),
			Date:    itemDate(item),
			Summary: PlainText(cmp.Or(item.Description, item.Content)),
		})
	}
	return page, nil
}

func itemDate(item *gofeed.Item) string {
	switch {
	case item.PublishedParsed != nil:
		return item.PublishedParsed.Format(time.RFC3339)
	case item.UpdatedParsed != nil:
		return item.UpdatedParsed.Format(time.RFC3339)
	default:
		return cmp.Or(item.Published, item.Updated)
	}
}

func linkFromGUID(guid string) string {
	if strings.HasPrefix(guid, "http://") || strings.HasPrefix(guid, "https://") {
		return guid
	}
	return ""
}

// PlainText strips markup from an HTML fragment.
func PlainText(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return fragment
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return fragment
	}
	return doc.Text()
}
