package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/lysyi3m/examwatch/app/record"
)

// Selectors locate listing entries in an HTML page. Title, Link, Date and
// Summary are relative to Item. An empty Link means the href of the first
// anchor of Title; an empty Title means the text of that anchor.
type Selectors struct {
	List    string `yaml:"list" json:"list"`
	Item    string `yaml:"item" json:"item"`
	Title   string `yaml:"title" json:"title"`
	Link    string `yaml:"link" json:"link"`
	Date    string `yaml:"date" json:"date"`
	Summary string `yaml:"summary" json:"summary"`
	Next    string `yaml:"next" json:"next"`
}

func (s Selectors) Empty() bool {
	return s.List == "" && s.Item == ""
}

// Listing extracts announcement rows from a listing page with goquery.
type Listing struct {
	sel Selectors
}

var _ Extractor = (*Listing)(nil)

func NewListing(sel Selectors) *Listing {
	if sel.Item == "" {
		sel.Item = "li"
	}
	if sel.Title == "" {
		sel.Title = "a"
	}
	return &Listing{sel: sel}
}

func (l *Listing) Extract(raw []byte, siteID string) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return Page{}, fmt.Errorf("failed to parse HTML: %w", err)
	}

	container := doc.Selection
	if l.sel.List != "" {
		container = doc.Find(l.sel.List)
		if container.Length() == 0 {
			return Page{}, fmt.Errorf("%w: %s has no %q", ErrStructureNotFound, siteID, l.sel.List)
		}
	}

	var page Page
	container.Find(l.sel.Item).Each(func(_ int, item *goquery.Selection) {
		if c, ok := l.candidate(item); ok {
			page.Candidates = append(page.Candidates, c)
		}
	})

	if l.sel.Next != "" {
		if href, ok := doc.Find(l.sel.Next).First().Attr("href"); ok {
			page.Next = strings.TrimSpace(href)
		}
	}

	return page, nil
}

func (l *Listing) candidate(item *goquery.Selection) (record.Candidate, bool) {
	titleSel := item.Find(l.sel.Title).First()
	if titleSel.Length() == 0 {
		return record.Candidate{}, false
	}

	c := record.Candidate{
		Title: titleSel.AttrOr("title", ""),
	}
	if strings.TrimSpace(c.Title) == "" {
		c.Title = titleSel.Text()
	}

	linkSel := titleSel
	if l.sel.Link != "" {
		linkSel = item.Find(l.sel.Link).First()
	}
	if !linkSel.Is("a") {
		linkSel = linkSel.Find("a").First()
	}
	c.Link = linkSel.AttrOr("href", "")

	if l.sel.Date != "" {
		c.Date = item.Find(l.sel.Date).First().Text()
	}
	if l.sel.Summary != "" {
		c.Summary = item.Find(l.sel.Summary).First().Text()
	}

	return c, true
}
