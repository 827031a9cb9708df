// Package testutil provides migrated SQLite databases for package tests.
package testutil

import (
	"database/sql"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"bank-reconciliation/internal/config"
	"bank-reconciliation/internal/database"
)

// NewDB returns a freshly migrated SQLite database living under t.TempDir().
func NewDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{Database: config.DatabaseConfig{
		Driver:     config.DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "recon.db"),
	}}
	require.NoError(t, database.Migrate(cfg, 0))

	db, err := database.OpenSQLite(cfg.Database.SQLitePath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// SeedBankAccount inserts a bank account row, which sessions reference.
func SeedBankAccount(t *testing.T, db *sql.DB, id, name string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO bank_accounts (id, name, account_number, currency) VALUES (?, ?, ?, ?)`,
		id, name, "000-"+id, "USD")
	require.NoError(t, err)
}

// Logger discards output so tests stay quiet.
func Logger() *logrus.Logger {
	logg := logrus.New()
	logg.SetOutput(io.Discard)
	return logg
}
