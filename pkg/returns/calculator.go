package returns

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/fundscope/fundscope/pkg/db/models/funds"
)

// Snapshot is the full set of point-in-time returns for one scheme. A period
// missing from both maps had insufficient history (or a data-quality anomaly);
// absence is meaningful and distinct from a zero return.
type Snapshot struct {
	SchemeCode    string
	AsOf          time.Time
	PeriodReturns map[Period]float64
	CAGRs         map[Period]float64

	// Anomalies records data-quality violations observed during computation,
	// such as a non-positive anchor NAV. They degrade the affected period to
	// absent instead of failing the computation.
	Anomalies []string
}

// Empty reports whether no period could be computed.
func (s Snapshot) Empty() bool {
	return len(s.PeriodReturns) == 0 && len(s.CAGRs) == 0
}

// Compute derives period returns and CAGRs for one scheme from its NAV
// history as of the given reference date. History may arrive in any order;
// points dated after asOf are ignored. A scheme with no usable history yields
// an empty snapshot, not an error.
func Compute(schemeCode string, history []funds.NavPoint, asOf time.Time) Snapshot {
	snap := Snapshot{
		SchemeCode:    schemeCode,
		AsOf:          funds.CivilDate(asOf),
		PeriodReturns: map[Period]float64{},
		CAGRs:         map[Period]float64{},
	}

	pts := usableHistory(history, snap.AsOf)
	if len(pts) < 2 {
		// Zero or one usable points: nothing to measure a change against.
		// This is a valid, uncomputed state, not an error.
		return snap
	}

	latest := pts[len(pts)-1]
	earliest := pts[0]

	for _, lb := range Lookbacks {
		anchorDate := snap.AsOf.AddDate(0, 0, -lb.Days)
		if earliest.Date.After(anchorDate) {
			// Not enough history for this window; computing against a far-off
			// anchor would be misleading.
			continue
		}
		anchor := nearest(pts, anchorDate)
		if anchor.Value <= 0 {
			snap.Anomalies = append(snap.Anomalies, fmt.Sprintf("non-positive anchor nav %.4f at %s for period %s",
				anchor.Value, anchor.Date.Format(funds.DateOnly), lb.Period))
			continue
		}
		snap.PeriodReturns[lb.Period] = simpleReturn(latest.Value, anchor.Value)
		if lb.Annualized() {
			snap.CAGRs[lb.Period] = cagr(latest.Value, anchor.Value, lb.Days)
		}
	}

	// Since-inception: anchored at the earliest point ever recorded.
	if earliest.Value <= 0 {
		snap.Anomalies = append(snap.Anomalies, fmt.Sprintf("non-positive inception nav %.4f at %s",
			earliest.Value, earliest.Date.Format(funds.DateOnly)))
		return snap
	}
	snap.PeriodReturns[PeriodInception] = simpleReturn(latest.Value, earliest.Value)
	if elapsed := daysBetween(earliest.Date, latest.Date); elapsed >= daysPerYear {
		snap.CAGRs[PeriodInception] = cagr(latest.Value, earliest.Value, elapsed)
	}

	return snap
}

// usableHistory returns the points dated on or before asOf, sorted ascending.
func usableHistory(history []funds.NavPoint, asOf time.Time) []funds.NavPoint {
	pts := make([]funds.NavPoint, 0, len(history))
	for _, p := range history {
		d := funds.CivilDate(p.Date)
		if !d.After(asOf) {
			p.Date = d
			pts = append(pts, p)
		}
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].Date.Before(pts[j].Date) })
	return pts
}

// nearest finds the point closest to target by calendar distance. Ties break
// toward the earlier date, which keeps the result deterministic at exact
// midpoints.
func nearest(pts []funds.NavPoint, target time.Time) funds.NavPoint {
	i := sort.Search(len(pts), func(i int) bool { return !pts[i].Date.Before(target) })
	if i == 0 {
		return pts[0]
	}
	if i == len(pts) {
		return pts[len(pts)-1]
	}
	before, after := pts[i-1], pts[i]
	distBefore := daysBetween(before.Date, target)
	distAfter := daysBetween(target, after.Date)
	if distBefore <= distAfter {
		return before
	}
	return after
}

func simpleReturn(latest, anchor float64) float64 {
	return (latest - anchor) / anchor * 100
}

// cagr annualizes the value ratio over the window. Deliberately computed from
// the ratio rather than re-derived from the simple return, which diverges
// from the compounding definition at large magnitudes.
func cagr(latest, anchor float64, days int) float64 {
	return (math.Pow(latest/anchor, float64(daysPerYear)/float64(days)) - 1) * 100
}

func daysBetween(a, b time.Time) int {
	d := int(b.Sub(a).Hours() / 24)
	if d < 0 {
		return -d
	}
	return d
}
