package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tutu-network/conductor/internal/domain"
)

// ─── Applications ───────────────────────────────────────────────────────────

// PutApplication inserts or overwrites an application.
func (d *DB) PutApplication(app domain.Application) error {
	def, err := encodeJSON(app)
	if err != nil {
		return fmt.Errorf("encode application: %w", err)
	}
	_, err = d.db.Exec(
		`INSERT INTO applications (id, definition, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET definition=excluded.definition, updated_at=excluded.updated_at`,
		app.ID, def, time.Now().UnixMilli(),
	)
	return err
}

// GetApplication returns an application, or (nil, nil) if unknown.
func (d *DB) GetApplication(id string) (*domain.Application, error) {
	row := d.db.QueryRow(`SELECT definition FROM applications WHERE id = ?`, id)
	return scanApplication(row)
}

// LoadApplications returns every application ordered by id.
func (d *DB) LoadApplications() ([]domain.Application, error) {
	rows, err := d.db.Query(`SELECT definition FROM applications ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []domain.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, *app)
	}
	return apps, rows.Err()
}

func scanApplication(s scanner) (*domain.Application, error) {
	var def string
	err := s.Scan(&def)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var app domain.Application
	if err := json.Unmarshal([]byte(def), &app); err != nil {
		return nil, fmt.Errorf("decode application: %w", err)
	}
	return &app, nil
}
