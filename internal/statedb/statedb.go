// Package statedb persists financial ledger snapshots to SQLite.
//
// This is a deliberately dumb load/save collaborator: correlation state and
// live connections are never persisted, only the per-account financial
// totals and last known classification, so a restarted daemon starts from
// the last observed balances instead of zero.
package statedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// StateDB wraps a SQLite database for ledger persistence.
// Thread-safe for concurrent use from multiple goroutines within one
// process; WAL mode + busy timeout keep cross-process access safe.
type StateDB struct {
	db *sql.DB
}

// LedgerRow is one account's persisted financial snapshot.
type LedgerRow struct {
	Account        string
	Money          float64
	BankMoney      float64
	Classification string
	UpdatedAt      time.Time
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy
// timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	// WAL mode: concurrent readers while writing.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}
	// Wait up to 5s if another process holds a lock.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: busy timeout: %w", err)
	}

	return &StateDB{db: db}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Migrate creates tables if they don't exist.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS ledger (
			account        TEXT PRIMARY KEY,
			money          REAL NOT NULL DEFAULT 0,
			bank_money     REAL NOT NULL DEFAULT 0,
			classification TEXT NOT NULL DEFAULT 'running',
			updated_at     INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create ledger: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// SaveLedger replaces the whole ledger snapshot in a single transaction.
func (s *StateDB) SaveLedger(rows []LedgerRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM ledger"); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO ledger (account, money, bank_money, classification, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range rows {
		updated := row.UpdatedAt
		if updated.IsZero() {
			updated = time.Now()
		}
		if _, err := stmt.Exec(row.Account, row.Money, row.BankMoney, row.Classification, updated.Unix()); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LoadLedger returns all persisted ledger rows ordered by account.
func (s *StateDB) LoadLedger() ([]LedgerRow, error) {
	rows, err := s.db.Query(`
		SELECT account, money, bank_money, classification, updated_at
		FROM ledger ORDER BY account
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []LedgerRow
	for rows.Next() {
		var row LedgerRow
		var updatedUnix int64
		if err := rows.Scan(&row.Account, &row.Money, &row.BankMoney, &row.Classification, &updatedUnix); err != nil {
			return nil, err
		}
		row.UpdatedAt = time.Unix(updatedUnix, 0)
		result = append(result, row)
	}
	return result, rows.Err()
}

// DeleteLedger removes one account's ledger row.
func (s *StateDB) DeleteLedger(account string) error {
	_, err := s.db.Exec("DELETE FROM ledger WHERE account = ?", account)
	return err
}

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
