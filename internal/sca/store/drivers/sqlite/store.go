// Package sqlite is the embedded primary store driver. It persists
// operations, credentials, one-time codes and the configuration tables, and
// implements the atomic increment and version-checked update operations the
// engine's concurrency model relies on.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/arcobank/scaflow/internal/sca/store"
	_ "modernc.org/sqlite"
)

type Store struct {
	db  *sql.DB
	dsn string
}

func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// SQLite has a single writer; one pooled connection keeps concurrent
	// writers queued behind it instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	// Enforce FKs
	if _, err := db.ExecContext(context.Background(), `PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, dsn: dsn}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Operations() store.Operations   { return &operationsRepo{db: s.db} }
func (s *Store) Credentials() store.Credentials { return &credentialsRepo{db: s.db} }
func (s *Store) Otps() store.Otps               { return &otpsRepo{db: s.db} }
func (s *Store) TotpSecrets() store.TotpSecrets { return &totpSecretsRepo{db: s.db} }
func (s *Store) Config() store.Config           { return &configRepo{db: s.db} }

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func mapNullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		val := nt.Time
		return &val
	}
	return nil
}

func joinList(values []string) string {
	return strings.Join(values, " ")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
