package record

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

var cjkDate = regexp.MustCompile(`(\d{4})\s*年\s*(\d{1,2})\s*月\s*(\d{1,2})\s*日?`)

var bracketed = strings.NewReplacer("[", " ", "]", " ", "(", " ", ")", " ", "【", " ", "】", " ")

// ParseDate parses a listing date. Explicit layouts are tried first, then
// dateparse. The result is truncated to the calendar day in loc.
func ParseDate(raw string, loc *time.Location, layouts ...string) (time.Time, error) {
	s := strings.TrimSpace(bracketed.Replace(CleanText(raw)))
	if s == "" {
		return time.Time{}, errors.New("empty date")
	}
	if m := cjkDate.FindStringSubmatch(s); m != nil {
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		s = fmt.Sprintf("%s-%02d-%02d", m[1], month, day)
	}

	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return truncateDay(t, loc), nil
		}
	}

	t, err := dateparse.ParseIn(s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized date %q: %w", raw, err)
	}
	return truncateDay(t, loc), nil
}

func truncateDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
