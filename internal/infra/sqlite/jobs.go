package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tutu-network/conductor/internal/domain"
)

// ─── Jobs ───────────────────────────────────────────────────────────────────

// PersistJob inserts or replaces a job sequence record.
func (d *DB) PersistJob(rec domain.SequenceRecord) error {
	body, err := encodeJSON(rec)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = d.db.Exec(
		`INSERT INTO jobs (job_id, application_id, current_step, record, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
			application_id=excluded.application_id,
			current_step=excluded.current_step,
			record=excluded.record,
			updated_at=excluded.updated_at`,
		rec.JobID, rec.ApplicationID, rec.CurrentStep, body,
		unixMillis(rec.CreatedAt), unixMillis(rec.UpdatedAt),
	)
	return err
}

// LoadJobs returns every job ordered by creation time.
func (d *DB) LoadJobs() ([]domain.SequenceRecord, error) {
	rows, err := d.db.Query(`SELECT record FROM jobs ORDER BY created_at, job_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.SequenceRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// GetJob returns a job, or (nil, nil) if unknown.
func (d *DB) GetJob(jobID string) (*domain.SequenceRecord, error) {
	return scanJob(d.db.QueryRow(`SELECT record FROM jobs WHERE job_id = ?`, jobID))
}

// RemoveJob deletes a job. Removing an unknown job is not an error.
func (d *DB) RemoveJob(jobID string) error {
	_, err := d.db.Exec(`DELETE FROM jobs WHERE job_id = ?`, jobID)
	return err
}

func scanJob(s scanner) (*domain.SequenceRecord, error) {
	var body string
	err := s.Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec domain.SequenceRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &rec, nil
}
