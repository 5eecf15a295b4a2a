package config

import (
	"context"
	"log/slog"

	"github.com/streamplace/atproto-oauth-core/dpop"
	"github.com/streamplace/atproto-oauth-core/store"
	"github.com/streamplace/atproto-oauth-core/store/postgres"
	"github.com/streamplace/atproto-oauth-core/tokens"
)

// Database is where token records and the DPoP key live. SQLite is always
// opened because hosts keep their own tables and pending authorization
// attempts there; Tokens and Keys move to Postgres when DatabaseURL is set.
type Database struct {
	SQLite *store.Store
	Tokens tokens.Store
	Keys   dpop.KeyStore

	pg *postgres.Store
}

func (c *Config) OpenDatabase(ctx context.Context, logger *slog.Logger) (*Database, error) {
	sqlite, err := store.Open(c.DBPath, store.Options{Logger: logger})
	if err != nil {
		return nil, err
	}

	db := &Database{SQLite: sqlite, Tokens: sqlite, Keys: sqlite}

	if c.DatabaseURL != "" {
		pg, err := postgres.Open(ctx, c.DatabaseURL, logger)
		if err != nil {
			sqlite.Close()
			return nil, err
		}
		db.pg = pg
		db.Tokens = pg
		db.Keys = pg
	}

	return db, nil
}

func (d *Database) Close() error {
	if d.pg != nil {
		if err := d.pg.Close(); err != nil {
			d.SQLite.Close()
			return err
		}
	}
	return d.SQLite.Close()
}
