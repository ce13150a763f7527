package syncer

import (
	"context"

	"github.com/fundscope/fundscope/pkg/db/funds"
)

// Registry is the authoritative list of scheme identifiers a run targets.
// The orchestrator only ever reads it.
type Registry interface {
	Schemes(ctx context.Context) ([]string, error)
}

// StoreRegistry reads the scheme universe from the funds table: every scheme
// ever seen in a bulk feed becomes a per-scheme sync target.
type StoreRegistry struct {
	Store funds.Store
}

func (r StoreRegistry) Schemes(ctx context.Context) ([]string, error) {
	return r.Store.ListSchemeCodes(ctx)
}

// StaticRegistry serves a fixed scheme list; used for targeted backfills and
// in tests.
type StaticRegistry []string

func (r StaticRegistry) Schemes(context.Context) ([]string, error) {
	return r, nil
}
