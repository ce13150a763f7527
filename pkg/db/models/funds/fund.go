package funds

import "time"

// Fund is a row in the funds table: the scheme identity plus descriptive
// metadata and the latest-NAV projection. The projection columns are resolved
// by latest_nav_date, so a backfill of older quotes can never regress them.
type Fund struct {
	SchemeCode    string    `ch:"scheme_code" json:"schemeCode"`
	SchemeName    string    `ch:"scheme_name" json:"schemeName"`
	Category      string    `ch:"category" json:"category"`
	LatestNav     float64   `ch:"latest_nav" json:"latestNav"`
	LatestNavDate time.Time `ch:"latest_nav_date" json:"latestNavDate"`
}
