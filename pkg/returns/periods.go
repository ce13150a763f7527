package returns

// Period is a named lookback window for a return computation.
type Period string

const (
	Period1W        Period = "1w"
	Period1M        Period = "1m"
	Period3M        Period = "3m"
	Period6M        Period = "6m"
	Period1Y        Period = "1y"
	Period3Y        Period = "3y"
	Period5Y        Period = "5y"
	Period7Y        Period = "7y"
	Period10Y       Period = "10y"
	PeriodInception Period = "inception"
)

// daysPerYear is the day-count convention used for annualization.
const daysPerYear = 365

// Lookback pairs a named period with its window length in calendar days.
type Lookback struct {
	Period Period
	Days   int
}

// Lookbacks enumerates the fixed windows, shortest first. Since-inception is
// handled separately because its anchor is the earliest recorded point, not a
// date offset.
var Lookbacks = []Lookback{
	{Period1W, 7},
	{Period1M, 30},
	{Period3M, 91},
	{Period6M, 182},
	{Period1Y, 365},
	{Period3Y, 3 * 365},
	{Period5Y, 5 * 365},
	{Period7Y, 7 * 365},
	{Period10Y, 10 * 365},
}

// Annualized reports whether a window is long enough to carry a CAGR.
// Sub-year windows report simple return only.
func (l Lookback) Annualized() bool {
	return l.Days >= daysPerYear
}
