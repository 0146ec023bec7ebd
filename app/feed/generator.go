// Package feed republishes stored announcements of a site as an RSS 2.0
// channel so they can be followed in any feed reader.
package feed

import (
	"bytes"
	"cmp"
	"encoding/xml"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/lysyi3m/examwatch/app/record"
	"github.com/lysyi3m/examwatch/app/site"
)

type Generator struct {
	baseURL string
	version string
}

// NewGenerator returns a generator whose self links point below baseURL.
func NewGenerator(baseURL, version string) *Generator {
	return &Generator{
		baseURL: strings.TrimRight(baseURL, "/"),
		version: version,
	}
}

// Run renders records, expected newest first, as the channel of s.
func (g *Generator) Run(s site.Config, records []record.Record) (string, error) {
	var buf bytes.Buffer

	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	buf.WriteString("\n")
	buf.WriteString(`<rss version="2.0" xmlns:atom="http://www.w3.org/2005/Atom">`)
	buf.WriteString("\n  <channel>\n")

	g.writeElement(&buf, "title", s.DisplayName(), 4)
	g.writeElement(&buf, "link", s.EntryURL, 4)
	g.writeElement(&buf, "description", fmt.Sprintf("Announcements collected from %s", s.EntryURL), 4)

	if g.baseURL != "" {
		selfLink := fmt.Sprintf("%s/feeds/%s", g.baseURL, s.ID)
		buf.WriteString(fmt.Sprintf("    <atom:link href=\"%s\" rel=\"self\" type=\"application/rss+xml\" />\n",
			html.EscapeString(selfLink)))
	}

	lastBuildDate := time.Now().In(time.Local)
	if len(records) > 0 {
		lastBuildDate = cmp.Or(records[0].ExtractedAt, lastBuildDate)
	}

	g.writeElement(&buf, "lastBuildDate", lastBuildDate.Format(time.RFC1123Z), 4)
	g.writeElement(&buf, "generator", fmt.Sprintf("examwatch/%s", g.version), 4)

	for _, rec := range records {
		g.writeItem(&buf, rec)
	}

	buf.WriteString("  </channel>\n</rss>")

	return buf.String(), nil
}

func (g *Generator) writeItem(buf *bytes.Buffer, rec record.Record) {
	buf.WriteString("    <item>\n")

	buf.WriteString("      <guid isPermaLink=\"false\">")
	xml.EscapeText(buf, []byte(rec.Fingerprint))
	buf.WriteString("</guid>\n")

	g.writeElement(buf, "title", rec.Title, 6)
	g.writeElement(buf, "link", rec.SourceURL, 6)
	g.writeElement(buf, "description", cmp.Or(rec.Summary, rec.Title), 6)
	g.writeElement(buf, "pubDate", rec.PublishDate.Format(time.RFC1123Z), 6)

	buf.WriteString("    </item>\n")
}

func (g *Generator) writeElement(buf *bytes.Buffer, tag, content string, indent int) {
	if content == "" {
		return
	}

	for i := 0; i < indent; i++ {
		buf.WriteByte(' ')
	}

	buf.WriteString("<")
	buf.WriteString(tag)
	buf.WriteString(">")
	xml.EscapeText(buf, []byte(content))
	buf.WriteString("</")
	buf.WriteString(tag)
	buf.WriteString(">\n")
}
