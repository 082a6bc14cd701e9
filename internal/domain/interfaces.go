package domain

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.
// All store calls are synchronous and durable before returning.

// TaskStore persists live and archived tasks.
type TaskStore interface {
	PersistActiveTask(rec ActiveTaskRecord) error
	LoadActiveTasks() ([]ActiveTaskRecord, error)
	RemoveActiveTask(taskID string) error

	// ArchiveTask moves a task from active to completed storage.
	ArchiveTask(rec CompletedTaskRecord) error
	LoadCompletedTasks() ([]CompletedTaskRecord, error)
}

// ApplicationStore persists application definitions.
type ApplicationStore interface {
	PutApplication(app Application) error
	// GetApplication returns (nil, nil) when the application is unknown.
	GetApplication(id string) (*Application, error)
	LoadApplications() ([]Application, error)
}

// JobStore persists job sequence records.
type JobStore interface {
	PersistJob(rec SequenceRecord) error
	LoadJobs() ([]SequenceRecord, error)
	// GetJob returns (nil, nil) when the job is unknown.
	GetJob(jobID string) (*SequenceRecord, error)
	RemoveJob(jobID string) error
}

// ReceiptStore keeps issued receipts.
type ReceiptStore interface {
	PutReceipt(r Receipt) error
	Receipts(limit int) ([]Receipt, error)
}

// Store is the full durable store.
type Store interface {
	TaskStore
	ApplicationStore
	JobStore
	ReceiptStore
	Ping() error
	Close() error
}

// ReceiptBuilder signs completion receipts.
type ReceiptBuilder interface {
	Build(req ReceiptRequest) (Receipt, error)
}
