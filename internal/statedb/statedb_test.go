package statedb

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *StateDB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")

	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db1.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := db1.SaveLedger([]LedgerRow{
		{Account: "alice", Money: 100, BankMoney: 50, Classification: "running"},
	}); err != nil {
		t.Fatalf("SaveLedger: %v", err)
	}
	db1.Close()

	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer db2.Close()
	if err := db2.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	rows, err := db2.LoadLedger()
	if err != nil {
		t.Fatalf("LoadLedger: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Expected 1 row, got %d", len(rows))
	}
	if rows[0].Account != "alice" || rows[0].Money != 100 || rows[0].BankMoney != 50 {
		t.Errorf("Unexpected data: %+v", rows[0])
	}
}

func TestSaveLedgerReplaces(t *testing.T) {
	db := newTestDB(t)

	if err := db.SaveLedger([]LedgerRow{
		{Account: "alice", Money: 1, Classification: "running"},
		{Account: "bob", Money: 2, Classification: "warning"},
	}); err != nil {
		t.Fatalf("SaveLedger: %v", err)
	}

	// Second snapshot drops bob; he must not reappear on load.
	if err := db.SaveLedger([]LedgerRow{
		{Account: "alice", Money: 10, Classification: "inactive", UpdatedAt: time.Now()},
	}); err != nil {
		t.Fatalf("SaveLedger: %v", err)
	}

	rows, err := db.LoadLedger()
	if err != nil {
		t.Fatalf("LoadLedger: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Expected 1 row, got %d", len(rows))
	}
	if rows[0].Account != "alice" || rows[0].Money != 10 || rows[0].Classification != "inactive" {
		t.Errorf("Unexpected data: %+v", rows[0])
	}
}

func TestLoadLedgerEmpty(t *testing.T) {
	db := newTestDB(t)
	rows, err := db.LoadLedger()
	if err != nil {
		t.Fatalf("LoadLedger: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("Expected empty ledger, got %d rows", len(rows))
	}
}

func TestDeleteLedger(t *testing.T) {
	db := newTestDB(t)
	if err := db.SaveLedger([]LedgerRow{
		{Account: "alice", Money: 1, Classification: "running"},
		{Account: "bob", Money: 2, Classification: "running"},
	}); err != nil {
		t.Fatalf("SaveLedger: %v", err)
	}

	if err := db.DeleteLedger("alice"); err != nil {
		t.Fatalf("DeleteLedger: %v", err)
	}

	rows, err := db.LoadLedger()
	if err != nil {
		t.Fatalf("LoadLedger: %v", err)
	}
	if len(rows) != 1 || rows[0].Account != "bob" {
		t.Errorf("Unexpected rows: %+v", rows)
	}
}

func TestMeta(t *testing.T) {
	db := newTestDB(t)

	v, err := db.GetMeta("schema_version")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if v != "1" {
		t.Errorf("Expected schema_version 1, got %q", v)
	}

	if err := db.SetMeta("last_save", "123"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	v, err = db.GetMeta("last_save")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if v != "123" {
		t.Errorf("Expected 123, got %q", v)
	}

	v, err = db.GetMeta("missing")
	if err != nil {
		t.Fatalf("GetMeta missing: %v", err)
	}
	if v != "" {
		t.Errorf("Expected empty for missing key, got %q", v)
	}
}
