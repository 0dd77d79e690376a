package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/scale-ingest/internal/db"
	"github.com/sells-group/scale-ingest/internal/engine"
	"github.com/sells-group/scale-ingest/internal/ingest"
	"github.com/sells-group/scale-ingest/internal/normalize"
	"github.com/sells-group/scale-ingest/internal/resilience"
	"github.com/sells-group/scale-ingest/internal/store"
)

// initStore opens the configured store, retrying transient connection
// failures, and applies pending migrations.
func initStore(ctx context.Context) (store.Store, error) {
	rc := resilience.FromStoreConfig(cfg.Store)
	rc.OnRetry = resilience.RetryLogger("open store")

	st, err := resilience.DoVal(ctx, rc, func(ctx context.Context) (store.Store, error) {
		return openStore(ctx)
	})
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		st, err := store.NewSQLite(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		st, err := store.NewPostgres(ctx, db.PoolConfig{
			URL:      cfg.Store.DatabaseURL,
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// newOrchestrator builds the normalizer, engine and orchestrator from cfg.
func newOrchestrator(st store.Store) (*ingest.Orchestrator, error) {
	schema := normalize.DefaultSchema()
	if cfg.Ingest.SchemaPath != "" {
		s, err := normalize.LoadSchema(cfg.Ingest.SchemaPath)
		if err != nil {
			return nil, err
		}
		schema = s
	}

	norm, err := normalize.New(schema, cfg.Ingest.Timezone, cfg.Ingest.Charset)
	if err != nil {
		return nil, err
	}

	eng := engine.New(st, cfg.Ingest.MaxErrorLength)
	return ingest.New(eng, norm, ingest.Options{
		SourceLabel:   cfg.Ingest.SourceLabel,
		MaxRejections: cfg.Ingest.MaxRejections,
		StoreTimeout:  cfg.Ingest.StoreTimeout(),
	}), nil
}

// readRetry returns the retry policy for read-only store calls.
func readRetry(op string) resilience.RetryConfig {
	rc := resilience.FromStoreConfig(cfg.Store)
	rc.OnRetry = resilience.RetryLogger(op)
	return rc
}
