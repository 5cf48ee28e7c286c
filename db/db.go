// Package db is the persistent order store, backed by SQLite with embedded
// migrations. It also allocates the per-owner wallet derivation indexes the
// key vault relies on.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the store at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_loc=UTC")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting dialect: %w", err)
	}
	if err := goose.Up(conn, "migrations"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: conn}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the store is reachable; the scheduler's health loop calls
// this.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WalletIndex returns the stable derivation index for the owner, allocating
// one on first use.
func (s *Store) WalletIndex(ctx context.Context, ownerKey string) (uint32, error) {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO wallets (owner_key) VALUES (?)`, ownerKey)
	if err != nil {
		return 0, fmt.Errorf("allocating wallet index: %w", err)
	}

	var id uint32
	err = s.db.QueryRowContext(ctx, `SELECT id FROM wallets WHERE owner_key = ?`, ownerKey).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("reading wallet index: %w", err)
	}
	return id, nil
}
