// Package extract turns raw documents into record candidates. Extractors are
// pure: the same bytes always yield the same Page.
package extract

import (
	"errors"

	"github.com/lysyi3m/examwatch/app/record"
)

// ErrStructureNotFound means the document does not have the expected layout,
// which usually signals that the site changed its markup.
var ErrStructureNotFound = errors.New("expected structure not found")

// Page is the outcome of extracting one document.
type Page struct {
	Candidates []record.Candidate
	// Next is the raw href of the following listing page, if any.
	Next string
}

type Extractor interface {
	Extract(raw []byte, siteID string) (Page, error)
}

// Func adapts a plain function to Extractor.
type Func func(raw []byte, siteID string) (Page, error)

func (f Func) Extract(raw []byte, siteID string) (Page, error) {
	return f(raw, siteID)
}
