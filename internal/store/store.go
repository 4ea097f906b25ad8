// Package store is the relational task, notification and settings store the
// engine reads and writes. It runs on SQLite by default and on Postgres when
// configured; queries are written with '?' placeholders and rebound per driver.
package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store { return &Store{db: db} }

// DB returns the underlying connection pool.
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) q(query string) string { return s.db.Rebind(query) }

func newID(prefix string) string { return prefix + uuid.NewString() }

// ts normalizes instants before they reach the database so that SQLite's
// text timestamps compare in time order.
func ts(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }

func tsPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := ts(*t)
	return &v
}
