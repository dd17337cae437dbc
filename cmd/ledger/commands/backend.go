package commands

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/costguard/ledger/pkg/config"
	"github.com/costguard/ledger/pkg/ingest"
	"github.com/costguard/ledger/pkg/ledger"
	"github.com/costguard/ledger/pkg/legacy"
	"github.com/costguard/ledger/pkg/query"
	"github.com/costguard/ledger/pkg/storage"
	"github.com/costguard/ledger/pkg/storage/filestore"
	pgstore "github.com/costguard/ledger/pkg/storage/postgres"
	"github.com/costguard/ledger/pkg/storage/sqlite"
)

// openBackend opens the configured storage backend. The caller closes it.
func openBackend(ctx context.Context, sc config.StoreConfig, log logrus.FieldLogger) (storage.Backend, error) {
	switch sc.Backend {
	case config.BackendFS:
		fs, err := filestore.New(sc.DataDir, filestore.WithLogger(log))
		if err != nil {
			return nil, err
		}
		return fs, nil
	case config.BackendSQLite:
		db, err := sqlite.Open(sc.SQLitePath)
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.BackendPostgres:
		pool, err := pgstore.NewDB(ctx, sc.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		if err := pgstore.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("db schema: %w", err)
		}
		return pgstore.NewStore(pool), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", sc.Backend)
	}
}

type services struct {
	backend storage.Backend
	ledger  *ledger.Ledger
	query   *query.Service
	ingest  *ingest.Service
}

func buildServices(ctx context.Context, c config.Config, log logrus.FieldLogger) (*services, error) {
	backend, err := openBackend(ctx, c.Store, log.WithField("component", "store"))
	if err != nil {
		return nil, err
	}
	l := ledger.New(backend, ledger.WithLogger(log.WithField("component", "ledger")))
	q := query.New(l, legacy.Dir{Path: c.Legacy.Dir}, query.Config{
		PerRepoLimit:  c.Query.PerRepoLimit,
		DecisionLimit: c.Query.DecisionLimit,
		Concurrency:   c.Query.Concurrency,
	}, log.WithField("component", "query"))
	return &services{
		backend: backend,
		ledger:  l,
		query:   q,
		ingest:  ingest.NewService(l, log.WithField("component", "ingest")),
	}, nil
}

func (s *services) Close() error {
	return s.backend.Close()
}
