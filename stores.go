package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"oidcrp/server"
	"oidcrp/store"
	"oidcrp/store/redisstore"
	"oidcrp/store/sqlite"
)

// storeSet is the persistence selected by the store driver. SQLite has no
// expiring records, so pending authorizations stay in memory with it.
type storeSet struct {
	Store   store.Store
	Pending store.PendingStore
	closers []func() error
}

// Close releases every backend that was opened.
func (s *storeSet) Close() error {
	var result *multierror.Error
	for _, fn := range s.closers {
		if err := fn(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func openStores(ctx context.Context, cfg server.Config, logger *slog.Logger) (*storeSet, error) {
	switch cfg.Store.Driver {
	case server.StoreMemory, "":
		mem := store.NewMemory(cfg.Store.PendingTTL)
		logger.Info("using in-memory store")
		return &storeSet{Store: mem, Pending: mem}, nil
	case server.StoreSQLite:
		db, err := sqlite.Open(ctx, cfg.Store.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("using sqlite store", "path", cfg.Store.SQLitePath)
		return &storeSet{
			Store:   db,
			Pending: store.NewMemory(cfg.Store.PendingTTL),
			closers: []func() error{db.Close},
		}, nil
	case server.StoreRedis:
		rc := cfg.Store.Redis
		rs, err := redisstore.Dial(ctx, redisstore.Config{
			Addr:       rc.Addr,
			Username:   rc.Username,
			Password:   rc.Password,
			DB:         rc.DB,
			KeyPrefix:  rc.KeyPrefix,
			PendingTTL: cfg.Store.PendingTTL,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("using redis store", "addr", rc.Addr, "db", rc.DB)
		return &storeSet{Store: rs, Pending: rs, closers: []func() error{rs.Close}}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
