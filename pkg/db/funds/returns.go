package funds

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/fundscope/fundscope/pkg/db/clickhouse"
	models "github.com/fundscope/fundscope/pkg/db/models/funds"
)

// initFundReturns creates the returns snapshot table: one surviving row per
// scheme, versioned by computed_at so each recompute fully replaces the
// previous snapshot. Period columns are Nullable because absence of history
// is a distinct state from a zero return.
func (db *DB) initFundReturns(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."fund_returns" (
			scheme_code String,
			as_of_date Date,
			return_1w Nullable(Float64),
			return_1m Nullable(Float64),
			return_3m Nullable(Float64),
			return_6m Nullable(Float64),
			return_1y Nullable(Float64),
			return_3y Nullable(Float64),
			return_5y Nullable(Float64),
			return_7y Nullable(Float64),
			return_10y Nullable(Float64),
			return_inception Nullable(Float64),
			cagr_1y Nullable(Float64),
			cagr_3y Nullable(Float64),
			cagr_5y Nullable(Float64),
			cagr_7y Nullable(Float64),
			cagr_10y Nullable(Float64),
			cagr_inception Nullable(Float64),
			computed_at DateTime64(6)
		) ENGINE = %s
		ORDER BY scheme_code
	`, db.Name, clickhouse.Engine(clickhouse.ReplacingMergeTree, "computed_at"))
	if err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create fund_returns: %w", err)
	}
	return nil
}

// ReplaceReturns overwrites the returns snapshots for the given schemes.
func (db *DB) ReplaceReturns(ctx context.Context, rows []*models.FundReturns) error {
	if len(rows) == 0 {
		return nil
	}

	query := fmt.Sprintf(`INSERT INTO "%s"."fund_returns" (scheme_code, as_of_date, return_1w, return_1m, return_3m, return_6m, return_1y, return_3y, return_5y, return_7y, return_10y, return_inception, cagr_1y, cagr_3y, cagr_5y, cagr_7y, cagr_10y, cagr_inception, computed_at)`, db.Name)
	batch, err := db.PrepareBatch(ctx, query)
	if err != nil {
		return err
	}
	defer func(batch driver.Batch) {
		_ = batch.Abort()
	}(batch)

	for _, r := range rows {
		err := batch.Append(
			r.SchemeCode,
			models.CivilDate(r.AsOfDate),
			r.Return1W, r.Return1M, r.Return3M, r.Return6M,
			r.Return1Y, r.Return3Y, r.Return5Y, r.Return7Y, r.Return10Y,
			r.ReturnInc,
			r.Cagr1Y, r.Cagr3Y, r.Cagr5Y, r.Cagr7Y, r.Cagr10Y,
			r.CagrInc,
			r.ComputedAt,
		)
		if err != nil {
			return err
		}
	}
	return batch.Send()
}

// GetReturns returns the current snapshot row for a scheme, or nil when none
// has been computed yet.
func (db *DB) GetReturns(ctx context.Context, schemeCode string) (*models.FundReturns, error) {
	query := fmt.Sprintf(`
		SELECT scheme_code, as_of_date, return_1w, return_1m, return_3m, return_6m,
			return_1y, return_3y, return_5y, return_7y, return_10y, return_inception,
			cagr_1y, cagr_3y, cagr_5y, cagr_7y, cagr_10y, cagr_inception, computed_at
		FROM "%s"."fund_returns" FINAL
		WHERE scheme_code = ?
		LIMIT 1
	`, db.Name)

	var r models.FundReturns
	err := db.QueryRow(ctx, query, schemeCode).Scan(
		&r.SchemeCode, &r.AsOfDate,
		&r.Return1W, &r.Return1M, &r.Return3M, &r.Return6M,
		&r.Return1Y, &r.Return3Y, &r.Return5Y, &r.Return7Y, &r.Return10Y,
		&r.ReturnInc,
		&r.Cagr1Y, &r.Cagr3Y, &r.Cagr5Y, &r.Cagr7Y, &r.Cagr10Y,
		&r.CagrInc,
		&r.ComputedAt,
	)
	if err != nil {
		if clickhouse.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get returns for %s: %w", schemeCode, err)
	}
	return &r, nil
}
