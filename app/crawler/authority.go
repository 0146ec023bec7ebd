package crawler

import (
	"github.com/lysyi3m/examwatch/app/extract"
	"github.com/lysyi3m/examwatch/app/site"
)

// Layout of the provincial exam-authority news pages: a GBK listing with
// one <li> per notice, the date in a trailing <span>, and a "下一页" pager.
var examAuthoritySelectors = extract.Selectors{
	List:  "div.news_list ul, ul.news_list, div.list ul",
	Item:  "li",
	Title: "a",
	Date:  "span",
	Next:  "a.next, a:contains('下一页')",
}

const examAuthorityEncoding = "gbk"

// NewExamAuthority builds a listing crawler preset for exam-authority sites.
// Selectors set in the site config override the preset one by one. Detail
// pages are always followed to fill summaries.
func NewExamAuthority(cfg site.Config, deps Deps) (Crawler, error) {
	sel := mergeSelectors(examAuthoritySelectors, cfg.Selectors)
	if cfg.Encoding == "" {
		cfg.Encoding = examAuthorityEncoding
	}
	if cfg.MaxDetails <= 0 {
		cfg.MaxDetails = site.DefaultMaxDetails
	}
	cfg.FollowDetails = true
	return newListing(cfg, deps, sel), nil
}

func mergeSelectors(base, override extract.Selectors) extract.Selectors {
	pick := func(b, o string) string {
		if o != "" {
			return o
		}
		return b
	}
	return extract.Selectors{
		List:    pick(base.List, override.List),
		Item:    pick(base.Item, override.Item),
		Title:   pick(base.Title, override.Title),
		Link:    pick(base.Link, override.Link),
		Date:    pick(base.Date, override.Date),
		Summary: pick(base.Summary, override.Summary),
		Next:    pick(base.Next, override.Next),
	}
}
