package returns

import (
	"time"

	"github.com/fundscope/fundscope/pkg/db/models/funds"
)

// Row flattens a snapshot into a fund_returns row. Absent periods map to NULL
// columns.
func (s Snapshot) Row(computedAt time.Time) *funds.FundReturns {
	ret := func(p Period) *float64 {
		if v, ok := s.PeriodReturns[p]; ok {
			return &v
		}
		return nil
	}
	cg := func(p Period) *float64 {
		if v, ok := s.CAGRs[p]; ok {
			return &v
		}
		return nil
	}

	return &funds.FundReturns{
		SchemeCode: s.SchemeCode,
		AsOfDate:   s.AsOf,

		Return1W:  ret(Period1W),
		Return1M:  ret(Period1M),
		Return3M:  ret(Period3M),
		Return6M:  ret(Period6M),
		Return1Y:  ret(Period1Y),
		Return3Y:  ret(Period3Y),
		Return5Y:  ret(Period5Y),
		Return7Y:  ret(Period7Y),
		Return10Y: ret(Period10Y),
		ReturnInc: ret(PeriodInception),

		Cagr1Y:  cg(Period1Y),
		Cagr3Y:  cg(Period3Y),
		Cagr5Y:  cg(Period5Y),
		Cagr7Y:  cg(Period7Y),
		Cagr10Y: cg(Period10Y),
		CagrInc: cg(PeriodInception),

		ComputedAt: computedAt,
	}
}
