package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tutu-network/conductor/internal/domain"
)

// ─── Active Tasks ───────────────────────────────────────────────────────────

// PersistActiveTask inserts or replaces a live task record.
func (d *DB) PersistActiveTask(rec domain.ActiveTaskRecord) error {
	payload, err := encodeJSON(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	events, err := encodeJSON(nonNilEvents(rec.Events))
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}
	_, err = d.db.Exec(
		`INSERT INTO active_tasks (task_id, workflow_id, state, completed, payload, events, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET
			workflow_id=excluded.workflow_id,
			state=excluded.state,
			completed=excluded.completed,
			payload=excluded.payload,
			events=excluded.events,
			updated_at=excluded.updated_at`,
		rec.TaskID, rec.WorkflowID, rec.State, rec.Completed, payload, events, time.Now().UnixMilli(),
	)
	return err
}

// LoadActiveTasks returns every live task ordered by task id.
func (d *DB) LoadActiveTasks() ([]domain.ActiveTaskRecord, error) {
	rows, err := d.db.Query(
		`SELECT task_id, workflow_id, state, completed, payload, events
		 FROM active_tasks ORDER BY task_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.ActiveTaskRecord
	for rows.Next() {
		rec, err := scanActiveTask(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// RemoveActiveTask deletes a live task record. Removing an unknown task is
// not an error.
func (d *DB) RemoveActiveTask(taskID string) error {
	_, err := d.db.Exec(`DELETE FROM active_tasks WHERE task_id = ?`, taskID)
	return err
}

// ─── Completed Tasks ────────────────────────────────────────────────────────

// ArchiveTask moves a task from active_tasks to completed_tasks in one
// transaction.
func (d *DB) ArchiveTask(rec domain.CompletedTaskRecord) error {
	payload, err := encodeJSON(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	events, err := encodeJSON(nonNilEvents(rec.Events))
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO completed_tasks (task_id, payload, events, result, finished_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET
			payload=excluded.payload,
			events=excluded.events,
			result=excluded.result,
			finished_at=excluded.finished_at`,
		rec.TaskID, payload, events, nullableJSON(rec.Result), unixMillis(rec.FinishedAt),
	); err != nil {
		return fmt.Errorf("insert completed task: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM active_tasks WHERE task_id = ?`, rec.TaskID); err != nil {
		return fmt.Errorf("delete active task: %w", err)
	}
	return tx.Commit()
}

// LoadCompletedTasks returns archived tasks, oldest first.
func (d *DB) LoadCompletedTasks() ([]domain.CompletedTaskRecord, error) {
	rows, err := d.db.Query(
		`SELECT task_id, payload, events, result, finished_at
		 FROM completed_tasks ORDER BY finished_at, task_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.CompletedTaskRecord
	for rows.Next() {
		var rec domain.CompletedTaskRecord
		var payload, events string
		var result sql.NullString
		var finishedAt int64
		if err := rows.Scan(&rec.TaskID, &payload, &events, &result, &finishedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", rec.TaskID, err)
		}
		if err := json.Unmarshal([]byte(events), &rec.Events); err != nil {
			return nil, fmt.Errorf("decode events of %s: %w", rec.TaskID, err)
		}
		if result.Valid {
			rec.Result = json.RawMessage(result.String)
		}
		rec.FinishedAt = fromMillis(finishedAt)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanActiveTask(s scanner) (*domain.ActiveTaskRecord, error) {
	var rec domain.ActiveTaskRecord
	var payload, events string
	err := s.Scan(&rec.TaskID, &rec.WorkflowID, &rec.State, &rec.Completed, &payload, &events)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", rec.TaskID, err)
	}
	if err := json.Unmarshal([]byte(events), &rec.Events); err != nil {
		return nil, fmt.Errorf("decode events of %s: %w", rec.TaskID, err)
	}
	return &rec, nil
}

func nonNilEvents(events []domain.Event) []domain.Event {
	if events == nil {
		return []domain.Event{}
	}
	return events
}
