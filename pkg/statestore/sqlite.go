package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/docent-net/cluster-hibernator/pkg/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS state (
	cluster_key TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload BLOB NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (cluster_key, kind)
);
`

// SQLite keeps state in a local database file so it survives process restarts.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping state database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate state database: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

func (s *SQLite) Save(ctx context.Context, id model.ClusterIdentity, kind Kind, payload []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO state (cluster_key, kind, payload, version, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(cluster_key, kind) DO UPDATE SET
			payload = excluded.payload,
			version = state.version + 1,
			updated_at = excluded.updated_at`,
		id.Key(), string(kind), payload, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", kind, err)
	}
	return tx.Commit()
}

func (s *SQLite) Load(ctx context.Context, id model.ClusterIdentity, kind Kind) ([]byte, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM state WHERE cluster_key = ? AND kind = ?",
		id.Key(), string(kind),
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load %s: %w", kind, err)
	}
	return payload, true, nil
}

// Version returns how many times kind has been written for id, 0 when never.
func (s *SQLite) Version(ctx context.Context, id model.ClusterIdentity, kind Kind) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		"SELECT version FROM state WHERE cluster_key = ? AND kind = ?",
		id.Key(), string(kind),
	).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return v, err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
