package funds

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/fundscope/fundscope/pkg/db/clickhouse"
	models "github.com/fundscope/fundscope/pkg/db/models/funds"
)

// initFunds creates the per-scheme projection table. The ReplacingMergeTree
// version column is latest_nav_date itself, which enforces the monotonicity
// invariant in the storage engine: when two rows for a scheme meet at merge
// time the one with the greater date survives, so a late-arriving backfill of
// older quotes can never regress the projection.
func (db *DB) initFunds(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."funds" (
			scheme_code String,
			scheme_name String,
			category String,
			latest_nav Float64,
			latest_nav_date Date
		) ENGINE = %s
		ORDER BY scheme_code
	`, db.Name, clickhouse.Engine(clickhouse.ReplacingMergeTree, "latest_nav_date"))
	if err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create funds: %w", err)
	}
	return nil
}

// upsertFunds writes latest-NAV projection rows. Rows dated older than what
// the table already holds are merged away by the engine, so writes may arrive
// in any order. Only UpsertNavPoints calls this; the projection never moves
// without points backing it.
func (db *DB) upsertFunds(ctx context.Context, rows []models.Fund) error {
	if len(rows) == 0 {
		return nil
	}

	query := fmt.Sprintf(`INSERT INTO "%s"."funds" (scheme_code, scheme_name, category, latest_nav, latest_nav_date)`, db.Name)
	batch, err := db.PrepareBatch(ctx, query)
	if err != nil {
		return err
	}
	defer func(batch driver.Batch) {
		_ = batch.Abort()
	}(batch)

	for _, f := range rows {
		if err := batch.Append(f.SchemeCode, f.SchemeName, f.Category, f.LatestNav, models.CivilDate(f.LatestNavDate)); err != nil {
			return err
		}
	}
	return batch.Send()
}

// ListSchemeCodes returns every scheme code known to the funds table. This is
// the registry read surface the orchestrator targets a run against.
func (db *DB) ListSchemeCodes(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT DISTINCT scheme_code FROM "%s"."funds" ORDER BY scheme_code`, db.Name)

	rows, err := db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list scheme codes: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// GetFund returns a scheme's projection row, or nil when unknown.
func (db *DB) GetFund(ctx context.Context, schemeCode string) (*models.Fund, error) {
	query := fmt.Sprintf(`
		SELECT scheme_code, scheme_name, category, latest_nav, latest_nav_date
		FROM "%s"."funds" FINAL
		WHERE scheme_code = ?
		LIMIT 1
	`, db.Name)

	var f models.Fund
	err := db.QueryRow(ctx, query, schemeCode).Scan(&f.SchemeCode, &f.SchemeName, &f.Category, &f.LatestNav, &f.LatestNavDate)
	if err != nil {
		if clickhouse.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get fund %s: %w", schemeCode, err)
	}
	return &f, nil
}

// LatestPerScheme reduces a batch of points to the maximum-dated point per
// scheme, the shape the projection upsert wants.
func LatestPerScheme(points []models.NavPoint) map[string]models.NavPoint {
	latest := map[string]models.NavPoint{}
	for _, p := range points {
		p.Date = models.CivilDate(p.Date)
		cur, ok := latest[p.SchemeCode]
		if !ok || p.Date.After(cur.Date) {
			latest[p.SchemeCode] = p
		}
	}
	return latest
}
