// Package store persists game snapshots to a JSON file or to Postgres.
package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"goldrun/internal/db"
	"goldrun/internal/game"
)

const (
	KindFile     = "file"
	KindPostgres = "postgres"
)

type Options struct {
	Kind        string
	DataFile    string
	DatabaseURL string
	Pool        db.PoolOptions
}

type Store interface {
	game.Store
	io.Closer
}

func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch opts.Kind {
	case "", KindFile:
		logger.Info("using file store", "path", opts.DataFile)
		return NewFileStore(opts.DataFile), nil
	case KindPostgres:
		pool, err := db.Connect(ctx, opts.DatabaseURL, opts.Pool)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("using postgres store", "max_conns", pool.Config().MaxConns)
		return NewPostgresStore(pool), nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", opts.Kind)
	}
}
