package funds

import (
	"context"
	"time"

	models "github.com/fundscope/fundscope/pkg/db/models/funds"
)

// UpsertStats reports how a batch of NAV points landed: Inserted counts keys
// seen for the first time, Updated counts keys that already had a value.
type UpsertStats struct {
	Inserted int
	Updated  int
}

// SchemeInfo carries the descriptive projection fields that NAV points alone
// cannot supply. Keyed by scheme code alongside a batch of points.
type SchemeInfo struct {
	Name     string
	Category string
}

// Store exposes the time-series database operations used by the syncer and
// the query surface. The concrete implementation is ClickHouse-backed; tests
// substitute fakes.
type Store interface {
	Close() error
	DatabaseName() string

	// UpsertNavPoints persists a batch of points with last-write-wins
	// semantics per (scheme_code, nav_date) key, then refreshes the
	// latest-NAV projection for every scheme in the batch. The two writes
	// travel together so no caller can persist points and leave the
	// projection behind. The points batch lands whole or not at all. The
	// projection is date-versioned: a row carrying an older latest_nav_date
	// than the one already recorded never survives.
	UpsertNavPoints(ctx context.Context, points []models.NavPoint, info map[string]SchemeInfo) (UpsertStats, error)

	// LatestBefore returns the point with the greatest date <= date for the
	// scheme, or nil when the scheme has no quote on or before that date.
	LatestBefore(ctx context.Context, schemeCode string, date time.Time) (*models.NavPoint, error)

	// RangeDescending returns up to limit points for the scheme, newest
	// first.
	RangeDescending(ctx context.Context, schemeCode string, limit int) ([]models.NavPoint, error)

	// ReplaceReturns fully overwrites the returns snapshot rows for the
	// affected schemes.
	ReplaceReturns(ctx context.Context, rows []*models.FundReturns) error

	ListSchemeCodes(ctx context.Context) ([]string, error)
	GetFund(ctx context.Context, schemeCode string) (*models.Fund, error)
	GetReturns(ctx context.Context, schemeCode string) (*models.FundReturns, error)
}
