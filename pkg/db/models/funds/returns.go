package funds

import "time"

// FundReturns is one row in the fund_returns table: the full returns snapshot
// for a scheme as of a computation run. Nullable columns distinguish "not
// enough history" from a genuine zero return; the row is fully replaced on
// every recompute so NAV corrections propagate.
type FundReturns struct {
	SchemeCode string    `ch:"scheme_code" json:"schemeCode"`
	AsOfDate   time.Time `ch:"as_of_date" json:"asOfDate"`

	Return1W  *float64 `ch:"return_1w" json:"return1w,omitempty"`
	Return1M  *float64 `ch:"return_1m" json:"return1m,omitempty"`
	Return3M  *float64 `ch:"return_3m" json:"return3m,omitempty"`
	Return6M  *float64 `ch:"return_6m" json:"return6m,omitempty"`
	Return1Y  *float64 `ch:"return_1y" json:"return1y,omitempty"`
	Return3Y  *float64 `ch:"return_3y" json:"return3y,omitempty"`
	Return5Y  *float64 `ch:"return_5y" json:"return5y,omitempty"`
	Return7Y  *float64 `ch:"return_7y" json:"return7y,omitempty"`
	Return10Y *float64 `ch:"return_10y" json:"return10y,omitempty"`
	ReturnInc *float64 `ch:"return_inception" json:"returnInception,omitempty"`

	Cagr1Y  *float64 `ch:"cagr_1y" json:"cagr1y,omitempty"`
	Cagr3Y  *float64 `ch:"cagr_3y" json:"cagr3y,omitempty"`
	Cagr5Y  *float64 `ch:"cagr_5y" json:"cagr5y,omitempty"`
	Cagr7Y  *float64 `ch:"cagr_7y" json:"cagr7y,omitempty"`
	Cagr10Y *float64 `ch:"cagr_10y" json:"cagr10y,omitempty"`
	CagrInc *float64 `ch:"cagr_inception" json:"cagrInception,omitempty"`

	ComputedAt time.Time `ch:"computed_at" json:"computedAt"`
}
