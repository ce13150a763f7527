package amfi

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// months maps the feed's month abbreviations to calendar months. The feed is
// not consistent about case ("Jan", "JAN"), so lookups are lowercased.
var months = map[string]time.Month{
	"jan": time.January,
	"feb": time.February,
	"mar": time.March,
	"apr": time.April,
	"may": time.May,
	"jun": time.June,
	"jul": time.July,
	"aug": time.August,
	"sep": time.September,
	"oct": time.October,
	"nov": time.November,
	"dec": time.December,
}

// ParseFeedDate normalizes the bulk feed's DD-Mon-YYYY form ("04-Jan-2024")
// into a UTC calendar date. An unrecognized month abbreviation or malformed
// component is an error; the caller drops that record.
func ParseFeedDate(s string) (time.Time, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("malformed feed date %q", s)
	}

	day, err := strconv.Atoi(parts[0])
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("bad day in feed date %q", s)
	}

	month, ok := months[strings.ToLower(parts[1])]
	if !ok {
		return time.Time{}, fmt.Errorf("unknown month abbreviation in feed date %q", s)
	}

	year, err := strconv.Atoi(parts[2])
	if err != nil || year < 1900 {
		return time.Time{}, fmt.Errorf("bad year in feed date %q", s)
	}

	d := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes overflow (e.g. 31-Feb rolls into March); reject it.
	if d.Day() != day || d.Month() != month {
		return time.Time{}, fmt.Errorf("impossible feed date %q", s)
	}
	return d, nil
}

// ParseDocumentDate parses the per-scheme document's DD-MM-YYYY date form.
func ParseDocumentDate(s string) (time.Time, error) {
	d, err := time.ParseInLocation("02-01-2006", strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed document date %q", s)
	}
	return d, nil
}
