// Package postgres stores target profiles in PostgreSQL.
//
// Each profile row carries its feature vector in a pgvector column so that
// [Store.Nearest] can recall the stored profile closest to a freshly learned
// one. The pgvector extension must be available in the target database;
// [Migrate] installs it via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Save(ctx, "desk", snap)
//	matches, _ := store.Nearest(ctx, snap.Vector(), 3)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/nearfield/internal/profilestore"
)

// ddl returns the schema with the vector dimension substituted. The dimension
// is baked into the column type at creation time.
func ddl(dims int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS target_profiles (
    name         TEXT              PRIMARY KEY,
    voice_ratio  DOUBLE PRECISION  NOT NULL,
    zcr          DOUBLE PRECISION  NOT NULL,
    snr_score    DOUBLE PRECISION  NOT NULL,
    confidence   DOUBLE PRECISION  NOT NULL,
    frozen       BOOLEAN           NOT NULL DEFAULT false,
    sensitivity  DOUBLE PRECISION  NOT NULL,
    features     vector(%d)        NOT NULL,
    created_at   TIMESTAMPTZ       NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_target_profiles_updated_at
    ON target_profiles (updated_at);
`, dims)
}

// Migrate creates the profile table and the vector extension. It is
// idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddl(profilestore.Dimensions)); err != nil {
		return fmt.Errorf("profilestore postgres: migrate: %w", err)
	}
	return nil
}
