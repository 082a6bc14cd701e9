package security

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/tutu-network/conductor/internal/domain"
)

const nullifierDomain = "conductor/nullifier"

// ReceiptBuilder issues signed completion receipts.
type ReceiptBuilder struct {
	key *ManagerKey
	now func() time.Time
}

// NewReceiptBuilder creates a builder signing with key.
func NewReceiptBuilder(key *ManagerKey) *ReceiptBuilder {
	return &ReceiptBuilder{key: key, now: time.Now}
}

// TaskNumber maps a task id to the numeric id used in receipts: the
// big-endian uint64 of the first 8 bytes of sha256(task_id).
func TaskNumber(taskID string) uint64 {
	sum := sha256.Sum256([]byte(taskID))
	return binary.BigEndian.Uint64(sum[:8])
}

// Nullifier derives the deterministic nullifier of a task number under a
// manager public key.
func Nullifier(managerPub []byte, taskNumber uint64) string {
	h := sha256.New()
	h.Write([]byte(nullifierDomain))
	h.Write(managerPub)
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], taskNumber)
	h.Write(num[:])
	return hex.EncodeToString(h.Sum(nil))
}

// ReceiptMessage is the byte string a receipt signature covers.
func ReceiptMessage(taskNumber, reward uint64, durationMs int64, worker string) []byte {
	buf := make([]byte, 24, 24+len(worker))
	binary.BigEndian.PutUint64(buf[0:8], taskNumber)
	binary.BigEndian.PutUint64(buf[8:16], reward)
	binary.BigEndian.PutUint64(buf[16:24], uint64(durationMs))
	return append(buf, worker...)
}

// Build signs a receipt for a completed task.
func (b *ReceiptBuilder) Build(req domain.ReceiptRequest) (domain.Receipt, error) {
	if b.key == nil {
		return domain.Receipt{}, fmt.Errorf("receipt builder has no manager key")
	}
	if req.TaskID == "" || req.Worker == "" {
		return domain.Receipt{}, fmt.Errorf("%w: receipt needs task id and worker", domain.ErrInvalidArgument)
	}
	durationMs := req.Duration.Milliseconds()
	if durationMs < 0 {
		durationMs = 0
	}
	num := TaskNumber(req.TaskID)
	sig := b.key.Sign(ReceiptMessage(num, req.Reward, durationMs, req.Worker))
	return domain.Receipt{
		TaskID:     req.TaskID,
		TaskNumber: num,
		Worker:     req.Worker,
		Reward:     req.Reward,
		DurationMs: durationMs,
		Signature:  hex.EncodeToString(sig),
		ManagerKey: b.key.PublicKeyHex(),
		Nullifier:  Nullifier(b.key.Public, num),
		IssuedAt:   b.now().UTC(),
	}, nil
}

// VerifyReceipt checks a receipt's signature and nullifier.
func VerifyReceipt(r domain.Receipt) error {
	pub, err := hex.DecodeString(r.ManagerKey)
	if err != nil {
		return fmt.Errorf("decode manager key: %w", err)
	}
	sig, err := hex.DecodeString(r.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if r.TaskNumber != TaskNumber(r.TaskID) {
		return fmt.Errorf("task number does not match task id")
	}
	if !Verify(ReceiptMessage(r.TaskNumber, r.Reward, r.DurationMs, r.Worker), sig, pub) {
		return fmt.Errorf("bad receipt signature")
	}
	if r.Nullifier != Nullifier(pub, r.TaskNumber) {
		return fmt.Errorf("bad nullifier")
	}
	return nil
}

var _ domain.ReceiptBuilder = (*ReceiptBuilder)(nil)
