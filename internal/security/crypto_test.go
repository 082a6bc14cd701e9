package security

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tutu-network/conductor/internal/domain"
)

func newTestBuilder(t *testing.T) *ReceiptBuilder {
	t.Helper()
	key, err := GenerateManagerKey()
	if err != nil {
		t.Fatalf("GenerateManagerKey() error: %v", err)
	}
	return NewReceiptBuilder(key)
}

// ─── Manager Key ────────────────────────────────────────────────────────────

func TestGenerateManagerKey(t *testing.T) {
	k, err := GenerateManagerKey()
	if err != nil {
		t.Fatalf("GenerateManagerKey() error: %v", err)
	}
	if len(k.PublicKeyHex()) != 64 {
		t.Errorf("hex len = %d, want 64", len(k.PublicKeyHex()))
	}
	other, _ := GenerateManagerKey()
	if k.PublicKeyHex() == other.PublicKeyHex() {
		t.Error("two generated keys should differ")
	}
}

func TestLoadOrCreateManagerKey_Persists(t *testing.T) {
	home := t.TempDir()
	first, err := LoadOrCreateManagerKey(home)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, "keys", "manager.key")); err != nil {
		t.Fatalf("private key not written: %v", err)
	}
	second, err := LoadOrCreateManagerKey(home)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if first.PublicKeyHex() != second.PublicKeyHex() {
		t.Error("reloaded key differs from the generated one")
	}
}

func TestLoadOrCreateManagerKey_IncompletePair(t *testing.T) {
	home := t.TempDir()
	if err := os.MkdirAll(filepath.Join(home, "keys"), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, "keys", "manager.pub"), []byte("00"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreateManagerKey(home); err == nil {
		t.Error("expected error for a half-present key pair")
	}
}

func TestSignVerify(t *testing.T) {
	k, _ := GenerateManagerKey()
	sig := k.Sign([]byte("payload"))
	if !Verify([]byte("payload"), sig, k.Public) {
		t.Error("Verify() = false for a valid signature")
	}
	if Verify([]byte("tampered"), sig, k.Public) {
		t.Error("Verify() = true for a tampered message")
	}
}

// ─── Receipts ───────────────────────────────────────────────────────────────

func TestReceiptBuilder_Build(t *testing.T) {
	b := newTestBuilder(t)
	r, err := b.Build(domain.ReceiptRequest{
		TaskID:   "task-1",
		Worker:   "peer-a",
		Reward:   50,
		Duration: 1500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if r.TaskNumber != TaskNumber("task-1") {
		t.Errorf("TaskNumber = %d, want %d", r.TaskNumber, TaskNumber("task-1"))
	}
	if r.DurationMs != 1500 {
		t.Errorf("DurationMs = %d, want 1500", r.DurationMs)
	}
	if err := VerifyReceipt(r); err != nil {
		t.Errorf("VerifyReceipt() error: %v", err)
	}

	r.Reward = 5000
	if err := VerifyReceipt(r); err == nil {
		t.Error("VerifyReceipt() accepted a receipt with a forged reward")
	}
}

func TestReceiptBuilder_NullifierDeterministic(t *testing.T) {
	b := newTestBuilder(t)
	req := domain.ReceiptRequest{TaskID: "task-1", Worker: "peer-a", Reward: 1}
	r1, _ := b.Build(req)
	req.Worker = "peer-b"
	r2, _ := b.Build(req)
	if r1.Nullifier != r2.Nullifier {
		t.Error("nullifier should depend only on manager key and task number")
	}
	other := newTestBuilder(t)
	r3, _ := other.Build(req)
	if r3.Nullifier == r1.Nullifier {
		t.Error("different managers produced the same nullifier")
	}
}

func TestReceiptBuilder_RejectsMissingWorker(t *testing.T) {
	b := newTestBuilder(t)
	_, err := b.Build(domain.ReceiptRequest{TaskID: "task-1"})
	if domain.CodeOf(err) != domain.CodeInvalidArgument {
		t.Errorf("CodeOf(err) = %q, want invalid_argument", domain.CodeOf(err))
	}
}
