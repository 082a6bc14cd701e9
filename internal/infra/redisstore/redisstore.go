// Package redisstore provides a Redis-backed domain.Store. Each record kind
// lives in one hash of JSON values keyed by record id, so a node can share
// its durable state with operators through a plain Redis instance.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tutu-network/conductor/internal/domain"
)

const (
	defaultPrefix  = "conductor"
	defaultTimeout = 5 * time.Second
)

// ErrNullifierReused is returned when a receipt's nullifier already belongs
// to another task.
var ErrNullifierReused = errors.New("nullifier already used")

// Store is the Redis-backed store.
type Store struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

var _ domain.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix. Default is "conductor".
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithTimeout bounds every Redis round-trip. Default is 5s.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New wraps an existing client.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to addr and verifies the connection.
func Open(addr string, opts ...Option) (*Store, error) {
	s := New(redis.NewClient(&redis.Options{Addr: addr}), opts...)
	if err := s.Ping(); err != nil {
		s.client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return s, nil
}

// Ping checks the connection.
func (s *Store) Ping() error {
	ctx, cancel := s.ctx()
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *Store) key(kind string) string {
	return s.prefix + ":" + kind
}

// ─── Generic hash helpers ───────────────────────────────────────────────────

func (s *Store) put(kind, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", kind, id, err)
	}
	ctx, cancel := s.ctx()
	defer cancel()
	if err := s.client.HSet(ctx, s.key(kind), id, data).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", kind, err)
	}
	return nil
}

// get decodes one record into v and reports whether it exists.
func (s *Store) get(kind, id string, v any) (bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	data, err := s.client.HGet(ctx, s.key(kind), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis hget %s: %w", kind, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	return true, nil
}

func (s *Store) del(kind, id string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	if err := s.client.HDel(ctx, s.key(kind), id).Err(); err != nil {
		return fmt.Errorf("redis hdel %s: %w", kind, err)
	}
	return nil
}

// all decodes every record of a kind, calling decode once per value.
func (s *Store) all(kind string, decode func([]byte) error) error {
	ctx, cancel := s.ctx()
	defer cancel()
	vals, err := s.client.HVals(ctx, s.key(kind)).Result()
	if err != nil {
		return fmt.Errorf("redis hvals %s: %w", kind, err)
	}
	for _, v := range vals {
		if err := decode([]byte(v)); err != nil {
			return fmt.Errorf("decode %s: %w", kind, err)
		}
	}
	return nil
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

// PersistActiveTask inserts or replaces a live task.
func (s *Store) PersistActiveTask(rec domain.ActiveTaskRecord) error {
	return s.put("active", rec.TaskID, rec)
}

// LoadActiveTasks returns every live task ordered by id.
func (s *Store) LoadActiveTasks() ([]domain.ActiveTaskRecord, error) {
	var out []domain.ActiveTaskRecord
	err := s.all("active", func(b []byte) error {
		var rec domain.ActiveTaskRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, err
}

// RemoveActiveTask deletes a live task.
func (s *Store) RemoveActiveTask(taskID string) error {
	return s.del("active", taskID)
}

// ArchiveTask stores the completed record and drops the live one in a
// single MULTI/EXEC.
func (s *Store) ArchiveTask(rec domain.CompletedTaskRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode completed task %s: %w", rec.TaskID, err)
	}
	ctx, cancel := s.ctx()
	defer cancel()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key("completed"), rec.TaskID, data)
		pipe.HDel(ctx, s.key("active"), rec.TaskID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis archive %s: %w", rec.TaskID, err)
	}
	return nil
}

// LoadCompletedTasks returns every archived task ordered by finish time.
func (s *Store) LoadCompletedTasks() ([]domain.CompletedTaskRecord, error) {
	var out []domain.CompletedTaskRecord
	err := s.all("completed", func(b []byte) error {
		var rec domain.CompletedTaskRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FinishedAt.Equal(out[j].FinishedAt) {
			return out[i].FinishedAt.Before(out[j].FinishedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out, err
}

// ─── Applications ───────────────────────────────────────────────────────────

// PutApplication inserts or replaces an application.
func (s *Store) PutApplication(app domain.Application) error {
	return s.put("applications", app.ID, app)
}

// GetApplication returns an application, or (nil, nil) if unknown.
func (s *Store) GetApplication(id string) (*domain.Application, error) {
	var app domain.Application
	ok, err := s.get("applications", id, &app)
	if err != nil || !ok {
		return nil, err
	}
	return &app, nil
}

// LoadApplications returns every application ordered by id.
func (s *Store) LoadApplications() ([]domain.Application, error) {
	var out []domain.Application
	err := s.all("applications", func(b []byte) error {
		var app domain.Application
		if err := json.Unmarshal(b, &app); err != nil {
			return err
		}
		out = append(out, app)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// ─── Jobs ───────────────────────────────────────────────────────────────────

// PersistJob inserts or replaces a job sequence record.
func (s *Store) PersistJob(rec domain.SequenceRecord) error {
	return s.put("jobs", rec.JobID, rec)
}

// LoadJobs returns every job ordered by creation time.
func (s *Store) LoadJobs() ([]domain.SequenceRecord, error) {
	var out []domain.SequenceRecord
	err := s.all("jobs", func(b []byte) error {
		var rec domain.SequenceRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].JobID < out[j].JobID
	})
	return out, err
}

// GetJob returns a job, or (nil, nil) if unknown.
func (s *Store) GetJob(jobID string) (*domain.SequenceRecord, error) {
	var rec domain.SequenceRecord
	ok, err := s.get("jobs", jobID, &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// RemoveJob deletes a job. Removing an unknown job is not an error.
func (s *Store) RemoveJob(jobID string) error {
	return s.del("jobs", jobID)
}

// ─── Receipts ───────────────────────────────────────────────────────────────

// PutReceipt stores an issued receipt. A second receipt for the same task
// replaces the first; a nullifier already held by another task is rejected.
func (s *Store) PutReceipt(r domain.Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode receipt %s: %w", r.TaskID, err)
	}
	ctx, cancel := s.ctx()
	defer cancel()
	nullKey := s.key("nullifiers")
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		owner, err := tx.HGet(ctx, nullKey, r.Nullifier).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis hget nullifier: %w", err)
		}
		if err == nil && owner != r.TaskID {
			return fmt.Errorf("%w: %s held by task %s", ErrNullifierReused, r.Nullifier, owner)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.key("receipts"), r.TaskID, data)
			pipe.HSet(ctx, nullKey, r.Nullifier, r.TaskID)
			return nil
		})
		return err
	}, nullKey)
}

// Receipts returns the most recent receipts, newest first. limit <= 0
// returns all.
func (s *Store) Receipts(limit int) ([]domain.Receipt, error) {
	var out []domain.Receipt
	err := s.all("receipts", func(b []byte) error {
		var r domain.Receipt
		if err := json.Unmarshal(b, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.After(out[j].IssuedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
