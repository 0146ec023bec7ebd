package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/go-shiori/go-readability"

	"github.com/lysyi3m/examwatch/app/record"
)

const DefaultSummaryRunes = 500

// Summary returns the readable main text of a detail page, cut to maxRunes.
func Summary(raw []byte, pageURL string, maxRunes int) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("HTML data is empty")
	}
	if maxRunes <= 0 {
		maxRunes = DefaultSummaryRunes
	}

	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("bad page URL: %w", err)
	}

	article, err := readability.FromReader(bytes.NewReader(raw), parsed)
	if err != nil {
		return "", fmt.Errorf("failed to extract content: %w", err)
	}

	text := record.CleanText(article.TextContent)
	if text == "" {
		return "", fmt.Errorf("no content extracted from %s", pageURL)
	}
	return truncateRunes(text, maxRunes), nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n])) + "…"
}
