package amfi

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/fundscope/fundscope/pkg/db/models/funds"
)

// Bulk feed field positions. The feed is one record per line, ';' separated:
// scheme code;ISIN growth;ISIN reinvestment;scheme name;NAV;date
const (
	fieldSchemeCode = 0
	fieldSchemeName = 3
	fieldNavValue   = 4
	fieldNavDate    = 5
	minFeedFields   = 6
)

// FeedScanner streams NavPoints out of a bulk NAV feed. It is a forward-only
// pass over the reader in the bufio.Scanner idiom: callers can start
// persisting while the rest of the feed is still being read.
//
// The feed interleaves records with fund-house headings, section banners and
// blank lines; anything that does not parse as a full record is skipped, not
// treated as an error. Skip counts are kept for observability.
type FeedScanner struct {
	sc      *bufio.Scanner
	point   funds.NavPoint
	name    string
	skipped int
}

// ParseBulkFeed wraps r in a FeedScanner. The reader is not closed.
func ParseBulkFeed(r io.Reader) *FeedScanner {
	sc := bufio.NewScanner(r)
	// Some scheme names are long; the default token size is too tight.
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &FeedScanner{sc: sc}
}

// Next advances to the next well-formed record. It returns false when the
// feed is exhausted or the underlying reader failed; check Err afterwards.
func (f *FeedScanner) Next() bool {
	for f.sc.Scan() {
		point, name, ok := parseFeedLine(f.sc.Text())
		if !ok {
			f.skipped++
			continue
		}
		f.point = point
		f.name = name
		return true
	}
	return false
}

// Point returns the record produced by the last successful Next.
func (f *FeedScanner) Point() funds.NavPoint {
	return f.point
}

// SchemeName returns the descriptive name carried on the last record.
func (f *FeedScanner) SchemeName() string {
	return f.name
}

// Skipped returns how many lines were dropped so far.
func (f *FeedScanner) Skipped() int {
	return f.skipped
}

// Err returns the first error encountered by the underlying reader.
func (f *FeedScanner) Err() error {
	return f.sc.Err()
}

// parseFeedLine parses one feed line. ok is false for header/footer noise and
// malformed records: too few fields, a non-numeric or non-positive NAV, or an
// unparseable date.
func parseFeedLine(line string) (funds.NavPoint, string, bool) {
	fields := strings.Split(line, ";")
	if len(fields) < minFeedFields {
		return funds.NavPoint{}, "", false
	}

	code := strings.TrimSpace(fields[fieldSchemeCode])
	if code == "" {
		return funds.NavPoint{}, "", false
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(fields[fieldNavValue]), 64)
	if err != nil || value <= 0 {
		return funds.NavPoint{}, "", false
	}

	date, err := ParseFeedDate(fields[fieldNavDate])
	if err != nil {
		return funds.NavPoint{}, "", false
	}

	point := funds.NavPoint{
		SchemeCode: code,
		Date:       date,
		Value:      value,
	}
	return point, strings.TrimSpace(fields[fieldSchemeName]), true
}
