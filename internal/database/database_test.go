package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bank-reconciliation/internal/config"
)

func sqliteConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{Database: config.DatabaseConfig{
		Driver:     config.DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "recon.db"),
	}}
}

func TestMigrateSQLiteIsRepeatable(t *testing.T) {
	cfg := sqliteConfig(t)
	require.NoError(t, Migrate(cfg, 0))
	require.NoError(t, Migrate(cfg, 0))

	db, err := OpenSQLite(cfg.Database.SQLitePath)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"bank_accounts", "reconciliation_sessions", "ledger_entries", "matched_entries", "reconciliation_audit"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	cfg := sqliteConfig(t)
	require.NoError(t, Migrate(cfg, 0))
	db, err := OpenSQLite(cfg.Database.SQLitePath)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	boom := errors.New("boom")
	err = WithTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO bank_accounts (id, name) VALUES ('acc-1', 'Operating')`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM bank_accounts`).Scan(&count))
	assert.Equal(t, 0, count)

	err = WithTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO bank_accounts (id, name) VALUES ('acc-1', 'Operating')`)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM bank_accounts`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestWithReadTxNeverCommits(t *testing.T) {
	cfg := sqliteConfig(t)
	require.NoError(t, Migrate(cfg, 0))
	db, err := OpenSQLite(cfg.Database.SQLitePath)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	var seen int
	err = WithReadTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO bank_accounts (id, name) VALUES ('acc-1', 'Operating')`); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM bank_accounts`).Scan(&seen)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM bank_accounts`).Scan(&count))
	assert.Equal(t, 0, count)
}
