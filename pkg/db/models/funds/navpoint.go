package funds

import "time"

// DateOnly is the canonical date layout for NAV dates. NAVs are daily quotes;
// there is never a time component.
const DateOnly = "2006-01-02"

// NavPoint is one NAV quote for one scheme on one calendar date.
// (scheme_code, nav_date) is the unique key; Value is always > 0 once a point
// has passed the feed parser.
type NavPoint struct {
	SchemeCode string    `ch:"scheme_code" json:"schemeCode"`
	Date       time.Time `ch:"nav_date" json:"date"`
	Value      float64   `ch:"nav_value" json:"value"`
}

// Key returns the scheme_code/nav_date identity of the point.
func (p NavPoint) Key() string {
	return p.SchemeCode + "@" + p.Date.Format(DateOnly)
}

// CivilDate truncates t to a calendar date in UTC.
func CivilDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
