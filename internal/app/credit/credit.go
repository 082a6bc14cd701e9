// Package credit derives the reward ledger from issued receipts.
// Every receipt is one earning: a DEBIT of the reward pool matched by a
// CREDIT of the worker's account, so SUM(debits) == SUM(credits) holds.
package credit

import (
	"fmt"
	"sort"
	"time"

	"github.com/tutu-network/conductor/internal/domain"
)

// PoolAccount is the account every reward is paid from.
const PoolAccount = "reward_pool"

// EntryType is one side of a double-entry pair.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// Entry is one ledger line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	EntryType EntryType `json:"entry_type"`
	Account   string    `json:"account"`
	Amount    uint64    `json:"amount"`
	TaskID    string    `json:"task_id"`
}

// Balance is a worker's earnings summary.
type Balance struct {
	Worker string `json:"worker"`
	Earned uint64 `json:"earned"`
	Tasks  int    `json:"tasks"`
}

// Service reads the ledger.
type Service struct {
	receipts domain.ReceiptStore
}

// NewService creates a credit service over a receipt store.
func NewService(receipts domain.ReceiptStore) *Service {
	return &Service{receipts: receipts}
}

// Entries returns the ledger lines for the most recent limit receipts,
// newest first. limit <= 0 returns all.
func (s *Service) Entries(limit int) ([]Entry, error) {
	receipts, err := s.receipts.Receipts(limit)
	if err != nil {
		return nil, fmt.Errorf("%w: load receipts: %v", domain.ErrStorage, err)
	}
	entries := make([]Entry, 0, 2*len(receipts))
	for _, r := range receipts {
		entries = append(entries,
			Entry{Timestamp: r.IssuedAt, EntryType: EntryDebit, Account: PoolAccount, Amount: r.Reward, TaskID: r.TaskID},
			Entry{Timestamp: r.IssuedAt, EntryType: EntryCredit, Account: r.Worker, Amount: r.Reward, TaskID: r.TaskID},
		)
	}
	return entries, nil
}

// Balances returns every worker's earnings, highest first.
func (s *Service) Balances() ([]Balance, error) {
	receipts, err := s.receipts.Receipts(0)
	if err != nil {
		return nil, fmt.Errorf("%w: load receipts: %v", domain.ErrStorage, err)
	}
	byWorker := make(map[string]*Balance)
	for _, r := range receipts {
		b, ok := byWorker[r.Worker]
		if !ok {
			b = &Balance{Worker: r.Worker}
			byWorker[r.Worker] = b
		}
		b.Earned += r.Reward
		b.Tasks++
	}
	out := make([]Balance, 0, len(byWorker))
	for _, b := range byWorker {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Earned != out[j].Earned {
			return out[i].Earned > out[j].Earned
		}
		return out[i].Worker < out[j].Worker
	})
	return out, nil
}

// Balance returns one worker's earnings. An unknown worker has a zero balance.
func (s *Service) Balance(worker string) (Balance, error) {
	all, err := s.Balances()
	if err != nil {
		return Balance{}, err
	}
	for _, b := range all {
		if b.Worker == worker {
			return b, nil
		}
	}
	return Balance{Worker: worker}, nil
}

// ─── Invariant ──────────────────────────────────────────────────────────────

// CheckInvariant verifies SUM(debits) == SUM(credits) over entries.
func CheckInvariant(entries []Entry) error {
	var debits, credits uint64
	for _, e := range entries {
		switch e.EntryType {
		case EntryDebit:
			debits += e.Amount
		case EntryCredit:
			credits += e.Amount
		}
	}
	if debits != credits {
		return fmt.Errorf("ledger imbalance: debits %d, credits %d", debits, credits)
	}
	return nil
}
