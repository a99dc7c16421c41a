package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/nearfield/internal/profilestore"
	"github.com/MrWong99/nearfield/pkg/targetlock"
)

var _ profilestore.Store = (*Store)(nil)

// Store is a [profilestore.Store] backed by a PostgreSQL connection pool.
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, registers the pgvector types on
// every connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("profilestore postgres: parse dsn: %w", err)
	}

	// Migrate installs the extension, so registration must tolerate its
	// absence on the very first connection.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("profilestore postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("profilestore postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	// Connections opened before the extension existed lack the vector codec.
	pool.Reset()

	return &Store{pool: pool}, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Save implements [profilestore.Store].
func (s *Store) Save(ctx context.Context, name string, snap targetlock.Snapshot) error {
	if err := profilestore.ValidateName(name); err != nil {
		return err
	}
	const q = `
		INSERT INTO target_profiles
		    (name, voice_ratio, zcr, snr_score, confidence, frozen, sensitivity, features)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE SET
		    voice_ratio = EXCLUDED.voice_ratio,
		    zcr         = EXCLUDED.zcr,
		    snr_score   = EXCLUDED.snr_score,
		    confidence  = EXCLUDED.confidence,
		    frozen      = EXCLUDED.frozen,
		    sensitivity = EXCLUDED.sensitivity,
		    features    = EXCLUDED.features,
		    updated_at  = now()`

	_, err := s.pool.Exec(ctx, q,
		name,
		snap.VoiceRatio,
		snap.ZCR,
		snap.SNRScore,
		snap.Confidence,
		snap.Frozen,
		snap.Sensitivity,
		pgvector.NewVector(snap.Vector()),
	)
	if err != nil {
		return fmt.Errorf("profilestore postgres: save %q: %w", name, err)
	}
	return nil
}

const selectColumns = `name, voice_ratio, zcr, snr_score, confidence, frozen, sensitivity, updated_at`

func scanProfile(row pgx.Row, extra ...any) (profilestore.Profile, error) {
	var p profilestore.Profile
	dest := []any{
		&p.Name,
		&p.Snapshot.VoiceRatio,
		&p.Snapshot.ZCR,
		&p.Snapshot.SNRScore,
		&p.Snapshot.Confidence,
		&p.Snapshot.Frozen,
		&p.Snapshot.Sensitivity,
		&p.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return profilestore.Profile{}, err
	}
	p.UpdatedAt = p.UpdatedAt.In(time.UTC)
	return p, nil
}

// Load implements [profilestore.Store].
func (s *Store) Load(ctx context.Context, name string) (profilestore.Profile, error) {
	if err := profilestore.ValidateName(name); err != nil {
		return profilestore.Profile{}, err
	}
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM target_profiles WHERE name = $1`, name)
	p, err := scanProfile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return profilestore.Profile{}, fmt.Errorf("%w: %q", profilestore.ErrNotFound, name)
	}
	if err != nil {
		return profilestore.Profile{}, fmt.Errorf("profilestore postgres: load %q: %w", name, err)
	}
	return p, nil
}

// List implements [profilestore.Store].
func (s *Store) List(ctx context.Context) ([]profilestore.Profile, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+` FROM target_profiles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("profilestore postgres: list: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (profilestore.Profile, error) {
		return scanProfile(row)
	})
	if err != nil {
		return nil, fmt.Errorf("profilestore postgres: list: %w", err)
	}
	if out == nil {
		out = []profilestore.Profile{}
	}
	return out, nil
}

// Delete implements [profilestore.Store].
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := profilestore.ValidateName(name); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM target_profiles WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("profilestore postgres: delete %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", profilestore.ErrNotFound, name)
	}
	return nil
}

// Nearest implements [profilestore.Store] using the pgvector euclidean
// distance operator.
func (s *Store) Nearest(ctx context.Context, vec []float32, k int) ([]profilestore.Match, error) {
	if err := profilestore.CheckVector(vec); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []profilestore.Match{}, nil
	}
	q := `SELECT ` + selectColumns + `, features <-> $1 AS distance
		FROM   target_profiles
		ORDER  BY distance, name
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vec), k)
	if err != nil {
		return nil, fmt.Errorf("profilestore postgres: nearest: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (profilestore.Match, error) {
		var dist float64
		p, err := scanProfile(row, &dist)
		if err != nil {
			return profilestore.Match{}, err
		}
		return profilestore.Match{Profile: p, Distance: dist}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("profilestore postgres: nearest: %w", err)
	}
	if out == nil {
		out = []profilestore.Match{}
	}
	return out, nil
}

// Close releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
