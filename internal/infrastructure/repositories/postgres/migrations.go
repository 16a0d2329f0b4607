package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type migration struct {
	version int
	up      string
}

var migrations = []migration{
	{
		version: 1,
		up: `
CREATE TABLE IF NOT EXISTS rooms (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	owner_id      TEXT NOT NULL,
	is_public     BOOLEAN NOT NULL DEFAULT FALSE,
	notes         TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	last_accessed TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rooms_public_accessed_idx ON rooms (last_accessed DESC) WHERE is_public;

CREATE TABLE IF NOT EXISTS room_members (
	room_id   TEXT NOT NULL REFERENCES rooms (id) ON DELETE CASCADE,
	user_id   TEXT NOT NULL,
	role      TEXT NOT NULL,
	joined_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (room_id, user_id)
);
CREATE INDEX IF NOT EXISTS room_members_user_idx ON room_members (user_id);

CREATE TABLE IF NOT EXISTS elements (
	room_id  TEXT NOT NULL REFERENCES rooms (id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	data     JSONB NOT NULL,
	PRIMARY KEY (room_id, position)
);`,
	},
}

// Migrate applies every migration newer than the recorded schema version,
// each in its own transaction.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *zap.SugaredLogger) error {
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}

	var current int
	err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", m.version)
		}
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.up); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, m.version)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
	}
	return nil
}
