// Package pgstore is an optional Postgres-backed alternative to
// internal/persistence's on-disk blob store, for fleets that centralize
// agent state in a database rather than trusting each vehicle's local
// disk. It implements the same write/read/erase/quota contract for the
// three singleton blob kinds and payloads, plus a checkin audit trail
// the on-disk store has no equivalent for. Plain SQL via pgxpool, no
// ORM; the schema is ensured idempotently at connect time.
package pgstore

import (
	"context"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/snarg/fleet-agent/internal/persistence"
)

// Store is a Postgres-backed persistence backend. Safe for concurrent
// use; pgxpool manages its own connection pool.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// Connect opens a pool, verifies connectivity, and ensures the schema
// exists.
func Connect(ctx context.Context, databaseURL string, log zerolog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 8
	cfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &Store{pool: pool, log: log.With().Str("component", "pgstore").Logger()}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s.log.Info().Str("url", maskDSN(databaseURL)).Msg("pgstore connected")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS agent_blobs (
			kind       text PRIMARY KEY,
			blob       bytea NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS agent_payloads (
			id         text PRIMARY KEY,
			blob       bytea NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS agent_checkin_audit (
			id       bigserial PRIMARY KEY,
			sync_ids text[] NOT NULL,
			sent_at  timestamptz NOT NULL DEFAULT now()
		);
	`)
	return err
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Pool exposes the underlying connection pool for the metrics collector's
// scrape-time pool-occupancy gauges.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// HealthCheck pings the database, for the diagnostics API's readiness
// check.
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Write upserts the blob for kind.
func (s *Store) Write(ctx context.Context, kind persistence.Kind, blob []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_blobs (kind, blob, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (kind) DO UPDATE SET blob = EXCLUDED.blob, updated_at = now()
	`, kind.String(), blob)
	return err
}

// Read returns the persisted blob for kind, or persistence.ErrNotFound.
func (s *Store) Read(ctx context.Context, kind persistence.Kind) ([]byte, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx, `SELECT blob FROM agent_blobs WHERE kind = $1`, kind.String()).Scan(&blob)
	if err == pgx.ErrNoRows {
		return nil, persistence.ErrNotFound
	}
	return blob, err
}

// Erase removes the persisted blob for kind, if any.
func (s *Store) Erase(ctx context.Context, kind persistence.Kind) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM agent_blobs WHERE kind = $1`, kind.String())
	return err
}

// WritePayload persists one TriggeredData payload under the given id; an
// existing payload with that id is left unchanged.
func (s *Store) WritePayload(ctx context.Context, id string, blob []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_payloads (id, blob, created_at) VALUES ($1, $2, now())
		ON CONFLICT (id) DO NOTHING
	`, id, blob)
	return err
}

// ReadPayload returns one persisted payload by id.
func (s *Store) ReadPayload(ctx context.Context, id string) ([]byte, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx, `SELECT blob FROM agent_payloads WHERE id = $1`, id).Scan(&blob)
	if err == pgx.ErrNoRows {
		return nil, persistence.ErrNotFound
	}
	return blob, err
}

// ErasePayload removes one persisted payload by id.
func (s *Store) ErasePayload(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM agent_payloads WHERE id = $1`, id)
	return err
}

// ListPayloadIDs returns every persisted payload id, oldest first.
func (s *Store) ListPayloadIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM agent_payloads ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordCheckin appends a row to the checkin audit trail — a capability
// the on-disk store has no equivalent for, useful for fleets debugging
// why a particular campaign never appeared to be active on a vehicle.
func (s *Store) RecordCheckin(ctx context.Context, syncIDs []string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO agent_checkin_audit (sync_ids, sent_at) VALUES ($1, now())`, syncIDs)
	return err
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}
