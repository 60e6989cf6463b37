package util

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// CompactDate is the exchange date layout used by market-data APIs (20240131).
const CompactDate = "20060102"

var dateLayouts = []string{CompactDate, time.DateOnly, time.RFC3339, time.RFC3339Nano}

// ParseDate parses a trading date (20240131, 2024-01-31 or RFC3339) into UTC midnight.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

// FormatDate renders t in the compact exchange layout.
func FormatDate(t time.Time) string {
	return t.UTC().Format(CompactDate)
}

// NormalizeDate converts any accepted date spelling to the compact layout.
func NormalizeDate(s string) (string, error) {
	t, err := ParseDate(s)
	if err != nil {
		return "", err
	}
	return FormatDate(t), nil
}

var dateInText = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|\d{8})\b`)

// FindDates returns every valid date mentioned in free text, normalized, in order of appearance.
func FindDates(text string) []string {
	var out []string
	for _, m := range dateInText.FindAllString(text, -1) {
		if d, err := NormalizeDate(m); err == nil {
			out = append(out, d)
		}
	}
	return out
}
