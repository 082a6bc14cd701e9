package credit

import (
	"fmt"
	"testing"
	"time"

	"github.com/tutu-network/conductor/internal/domain"
	"github.com/tutu-network/conductor/internal/infra/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func putReceipt(t *testing.T, db *sqlite.DB, n int, worker string, reward uint64) {
	t.Helper()
	r := domain.Receipt{
		TaskID:     fmt.Sprintf("task-%d", n),
		TaskNumber: uint64(n),
		Worker:     worker,
		Reward:     reward,
		Nullifier:  fmt.Sprintf("null-%d", n),
		IssuedAt:   time.Unix(int64(1000+n), 0),
	}
	if err := db.PutReceipt(r); err != nil {
		t.Fatalf("PutReceipt() error: %v", err)
	}
}

// ─── Service Tests ──────────────────────────────────────────────────────────

func TestService_EmptyLedger(t *testing.T) {
	svc := NewService(newTestDB(t))

	bal, err := svc.Balance("w1")
	if err != nil {
		t.Fatalf("Balance() error: %v", err)
	}
	if bal.Earned != 0 || bal.Tasks != 0 {
		t.Errorf("initial balance = %+v, want zero", bal)
	}
	entries, err := svc.Entries(0)
	if err != nil || len(entries) != 0 {
		t.Errorf("Entries() = %v, %v; want empty", entries, err)
	}
}

func TestService_Balances(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	putReceipt(t, db, 1, "w1", 10)
	putReceipt(t, db, 2, "w2", 30)
	putReceipt(t, db, 3, "w1", 5)

	all, err := svc.Balances()
	if err != nil {
		t.Fatalf("Balances() error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(Balances()) = %d, want 2", len(all))
	}
	if all[0].Worker != "w2" || all[0].Earned != 30 {
		t.Errorf("top balance = %+v, want w2 with 30", all[0])
	}
	if all[1].Worker != "w1" || all[1].Earned != 15 || all[1].Tasks != 2 {
		t.Errorf("w1 balance = %+v, want 15 over 2 tasks", all[1])
	}

	b, _ := svc.Balance("w1")
	if b.Earned != 15 {
		t.Errorf("Balance(w1).Earned = %d, want 15", b.Earned)
	}
}

func TestService_EntriesAreDoubleEntry(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	putReceipt(t, db, 1, "w1", 10)
	putReceipt(t, db, 2, "w2", 20)

	entries, err := svc.Entries(0)
	if err != nil {
		t.Fatalf("Entries() error: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("len(Entries()) = %d, want 4", len(entries))
	}
	// newest first
	if entries[0].TaskID != "task-2" || entries[0].Account != PoolAccount || entries[1].Account != "w2" {
		t.Errorf("first pair = %+v, %+v", entries[0], entries[1])
	}
	if err := CheckInvariant(entries); err != nil {
		t.Errorf("CheckInvariant() error: %v", err)
	}

	limited, _ := svc.Entries(1)
	if len(limited) != 2 {
		t.Errorf("len(Entries(1)) = %d, want 2", len(limited))
	}
}

// ─── Invariant ──────────────────────────────────────────────────────────────

func TestCheckInvariant_Imbalance(t *testing.T) {
	entries := []Entry{
		{EntryType: EntryDebit, Account: PoolAccount, Amount: 10},
		{EntryType: EntryCredit, Account: "w1", Amount: 9},
	}
	if err := CheckInvariant(entries); err == nil {
		t.Error("CheckInvariant() should fail on an imbalanced ledger")
	}
}
