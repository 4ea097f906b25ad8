// Package storetest opens throwaway in-memory databases for tests.
package storetest

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"taskboard/internal/domain"
	"taskboard/internal/store"
)

// New returns a migrated, empty in-memory SQLite store.
func New(t testing.TB) *store.Store {
	t.Helper()
	db := NewDB(t)
	return store.New(db)
}

func NewDB(t testing.TB) *sqlx.DB {
	t.Helper()
	db, err := store.Open(store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.EnsureSchema(context.Background(), db))
	return db
}

// Users inserts the given users.
func Users(t testing.TB, s *store.Store, users ...domain.User) {
	t.Helper()
	for _, u := range users {
		require.NoError(t, s.InsertUser(context.Background(), u))
	}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
