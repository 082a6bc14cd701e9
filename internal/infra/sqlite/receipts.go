package sqlite

import (
	"strconv"

	"github.com/tutu-network/conductor/internal/domain"
)

// ─── Receipts ───────────────────────────────────────────────────────────────

// PutReceipt stores an issued receipt. A second receipt for the same task
// replaces the first; a reused nullifier is rejected by the schema.
func (d *DB) PutReceipt(r domain.Receipt) error {
	_, err := d.db.Exec(
		`INSERT INTO receipts (task_id, task_number, worker, reward, duration_ms, signature, manager_key, nullifier, issued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET
			task_number=excluded.task_number,
			worker=excluded.worker,
			reward=excluded.reward,
			duration_ms=excluded.duration_ms,
			signature=excluded.signature,
			manager_key=excluded.manager_key,
			nullifier=excluded.nullifier,
			issued_at=excluded.issued_at`,
		// uint64 task numbers do not fit SQLite's signed integers
		r.TaskID, strconv.FormatUint(r.TaskNumber, 10), r.Worker, int64(r.Reward), r.DurationMs,
		r.Signature, r.ManagerKey, r.Nullifier, unixMillis(r.IssuedAt),
	)
	return err
}

// Receipts returns the most recent receipts, newest first. limit <= 0
// returns all.
func (d *DB) Receipts(limit int) ([]domain.Receipt, error) {
	query := `SELECT task_id, task_number, worker, reward, duration_ms, signature, manager_key, nullifier, issued_at
		 FROM receipts ORDER BY issued_at DESC, task_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Receipt
	for rows.Next() {
		var r domain.Receipt
		var num string
		var reward, issuedAt int64
		if err := rows.Scan(&r.TaskID, &num, &r.Worker, &reward, &r.DurationMs,
			&r.Signature, &r.ManagerKey, &r.Nullifier, &issuedAt); err != nil {
			return nil, err
		}
		r.TaskNumber, err = strconv.ParseUint(num, 10, 64)
		if err != nil {
			return nil, err
		}
		r.Reward = uint64(reward)
		r.IssuedAt = fromMillis(issuedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
