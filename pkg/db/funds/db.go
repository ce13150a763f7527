package funds

import (
	"context"
	"fmt"
	"sync"

	"github.com/fundscope/fundscope/pkg/db/clickhouse"
	"go.uber.org/zap"
)

// DB is the ClickHouse-backed time-series store for NAV history, the
// latest-NAV projection and the returns snapshots. It implements Store.
type DB struct {
	clickhouse.Client
	Name string
}

// New creates the fund database client and ensures its schema exists.
func New(ctx context.Context, logger *zap.Logger, dbName string, poolConfig ...*clickhouse.PoolConfig) (*DB, error) {
	client, err := clickhouse.New(ctx, logger.With(zap.String("db", dbName)), dbName, poolConfig...)
	if err != nil {
		return nil, err
	}

	db := &DB{
		Client: client,
		Name:   dbName,
	}

	if err := db.InitializeDB(ctx); err != nil {
		return nil, err
	}

	return db, nil
}

// DatabaseName returns the database this store writes to.
func (db *DB) DatabaseName() string {
	return db.Name
}

// Close terminates the underlying ClickHouse connection.
func (db *DB) Close() error {
	return db.Db.Close()
}

// InitializeDB ensures the database and all tables exist. Table creation runs
// in parallel; each statement is IF NOT EXISTS so re-runs are no-ops.
func (db *DB) InitializeDB(ctx context.Context) error {
	if err := db.CreateDbIfNotExists(ctx, db.Name); err != nil {
		return fmt.Errorf("failed to create database %s: %w", db.Name, err)
	}

	initOps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"nav_history", db.initNavHistory},
		{"funds", db.initFunds},
		{"fund_returns", db.initFundReturns},
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(initOps))

	for _, op := range initOps {
		wg.Add(1)
		go func(name string, fn func(context.Context) error) {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errChan <- fmt.Errorf("init %s: %w", name, err)
			}
		}(op.name, op.fn)
	}

	wg.Wait()
	close(errChan)

	for err := range errChan {
		return err
	}

	db.Logger.Info("Fund database initialized", zap.String("database", db.Name))
	return nil
}
