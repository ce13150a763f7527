package funds

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/fundscope/fundscope/pkg/db/clickhouse"
	models "github.com/fundscope/fundscope/pkg/db/models/funds"
)

// initNavHistory creates the append-only NAV time series. ReplacingMergeTree
// keyed by (scheme_code, nav_date) and versioned by updated_at makes the
// insert itself the conflict resolution: re-submitting a key is a no-op in
// effect, and a corrected value for an existing key wins at merge time. No
// read-modify-write cycle exists to race under concurrent writers.
func (db *DB) initNavHistory(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."nav_history" (
			scheme_code String,
			nav_date Date,
			nav_value Float64,
			updated_at DateTime64(6)
		) ENGINE = %s
		ORDER BY (scheme_code, nav_date)
	`, db.Name, clickhouse.Engine(clickhouse.ReplacingMergeTree, "updated_at"))
	if err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create nav_history: %w", err)
	}
	return nil
}

// UpsertNavPoints persists a batch of NAV points and refreshes the latest-NAV
// projection for every scheme in it. Duplicate keys inside the batch collapse
// to the last occurrence before writing. The points go out as a single insert
// block: on error it is aborted whole, so the caller can retry at a smaller
// granularity without partially-applied state.
func (db *DB) UpsertNavPoints(ctx context.Context, points []models.NavPoint, info map[string]SchemeInfo) (UpsertStats, error) {
	points = dedupePoints(points)
	if len(points) == 0 {
		return UpsertStats{}, nil
	}

	existing, err := db.existingKeys(ctx, points)
	if err != nil {
		return UpsertStats{}, fmt.Errorf("count existing nav keys: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO "%s"."nav_history" (scheme_code, nav_date, nav_value, updated_at)`, db.Name)
	batch, err := db.PrepareBatch(ctx, query)
	if err != nil {
		return UpsertStats{}, err
	}
	defer func(batch driver.Batch) {
		_ = batch.Abort()
	}(batch)

	now := time.Now().UTC()
	var stats UpsertStats
	for _, p := range points {
		if err := batch.Append(p.SchemeCode, p.Date, p.Value, now); err != nil {
			return UpsertStats{}, err
		}
		if existing[p.Key()] {
			stats.Updated++
		} else {
			stats.Inserted++
		}
	}

	if err := batch.Send(); err != nil {
		return UpsertStats{}, err
	}

	rows := make([]models.Fund, 0, len(points))
	for code, p := range LatestPerScheme(points) {
		rows = append(rows, models.Fund{
			SchemeCode:    code,
			SchemeName:    info[code].Name,
			Category:      info[code].Category,
			LatestNav:     p.Value,
			LatestNavDate: p.Date,
		})
	}
	if err := db.upsertFunds(ctx, rows); err != nil {
		return UpsertStats{}, fmt.Errorf("refresh funds projection: %w", err)
	}
	return stats, nil
}

// LatestBefore returns the scheme's point with the greatest date <= date, or
// nil when no quote exists on or before that date. The target date itself may
// be a non-trading day; the caller always wants the most recent prior quote.
func (db *DB) LatestBefore(ctx context.Context, schemeCode string, date time.Time) (*models.NavPoint, error) {
	query := fmt.Sprintf(`
		SELECT scheme_code, nav_date, nav_value
		FROM "%s"."nav_history" FINAL
		WHERE scheme_code = ? AND nav_date <= ?
		ORDER BY nav_date DESC
		LIMIT 1
	`, db.Name)

	var p models.NavPoint
	err := db.QueryRow(ctx, query, schemeCode, models.CivilDate(date)).Scan(&p.SchemeCode, &p.Date, &p.Value)
	if err != nil {
		if clickhouse.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest nav before %s for %s: %w", date.Format(models.DateOnly), schemeCode, err)
	}
	return &p, nil
}

// RangeDescending returns up to limit points for the scheme, newest first.
// The bounded window is what feeds return computation; full history is never
// needed at once.
func (db *DB) RangeDescending(ctx context.Context, schemeCode string, limit int) ([]models.NavPoint, error) {
	query := fmt.Sprintf(`
		SELECT scheme_code, nav_date, nav_value
		FROM "%s"."nav_history" FINAL
		WHERE scheme_code = ?
		ORDER BY nav_date DESC
		LIMIT ?
	`, db.Name)

	var points []models.NavPoint
	if err := db.SelectWithFinal(ctx, &points, query, schemeCode, limit); err != nil {
		return nil, fmt.Errorf("nav range for %s: %w", schemeCode, err)
	}
	return points, nil
}

// existingKeys reports which of the batch's (scheme_code, nav_date) keys are
// already persisted. This read only feeds the inserted/updated split in the
// returned stats; the write path itself never depends on it.
func (db *DB) existingKeys(ctx context.Context, points []models.NavPoint) (map[string]bool, error) {
	codes := make([]string, 0, len(points))
	dates := make([]time.Time, 0, len(points))
	seenCode := map[string]bool{}
	seenDate := map[time.Time]bool{}
	for _, p := range points {
		if !seenCode[p.SchemeCode] {
			seenCode[p.SchemeCode] = true
			codes = append(codes, p.SchemeCode)
		}
		if !seenDate[p.Date] {
			seenDate[p.Date] = true
			dates = append(dates, p.Date)
		}
	}

	query := fmt.Sprintf(`
		SELECT scheme_code, nav_date
		FROM "%s"."nav_history" FINAL
		WHERE scheme_code IN ? AND nav_date IN ?
	`, db.Name)

	rows, err := db.Query(ctx, query, codes, dates)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	existing := map[string]bool{}
	for rows.Next() {
		var p models.NavPoint
		if err := rows.Scan(&p.SchemeCode, &p.Date); err != nil {
			return nil, err
		}
		existing[p.Key()] = true
	}
	return existing, rows.Err()
}

// dedupePoints collapses duplicate (scheme, date) keys, keeping the last
// occurrence, and normalizes dates to UTC calendar dates.
func dedupePoints(points []models.NavPoint) []models.NavPoint {
	out := make([]models.NavPoint, 0, len(points))
	index := map[string]int{}
	for _, p := range points {
		p.Date = models.CivilDate(p.Date)
		key := p.Key()
		if i, ok := index[key]; ok {
			out[i] = p
			continue
		}
		index[key] = len(out)
		out = append(out, p)
	}
	return out
}
