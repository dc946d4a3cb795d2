// Package job implements the priority-ordered, concurrency-safe processing
// queue described in §4.2: jobs are claimed one at a time per worker via a
// SELECT ... FOR UPDATE SKIP LOCKED claim, and retried according to their
// attempts/max_attempts bookkeeping.
package job

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Status is the closed sum type the job state machine moves through. This
// replaces the free-form status strings the legacy schema used — every
// transition in this package goes through an explicit method rather than an
// ad hoc UPDATE, so an invalid transition is a compile-time impossibility,
// not a runtime string typo.
type Status string

const (
	// StatusPending is reserved: no operation in this package ever produces
	// it. It exists only so a row constructed outside Enqueue (e.g. a
	// migration backfill) has a name for the state.
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether a job in this status will never transition again
// except via an explicit revival (retry_failed, or enqueue reviving a
// failed/cancelled job).
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Entity is the jobs row.
type Entity struct {
	ID                   uuid.UUID     `db:"id"`
	MediaID              uuid.UUID     `db:"media_id"`
	Status               Status        `db:"status"`
	Priority             int           `db:"priority"`
	Attempts             int           `db:"attempts"`
	MaxAttempts          int           `db:"max_attempts"`
	LastError            sql.NullString `db:"last_error"`
	QueuedAt             time.Time     `db:"queued_at"`
	StartedAt            sql.NullTime  `db:"started_at"`
	CompletedAt          sql.NullTime  `db:"completed_at"`
	ProcessingDurationMs sql.NullInt64 `db:"processing_duration_ms"`
}

// MarkFailedResult reports how mark_failed resolved a failure, so the
// worker can decide whether the caller should expect a future re-claim.
type MarkFailedResult struct {
	Retried     bool
	Attempts    int
	MaxAttempts int
}

// Stats summarizes queue depth, grouped by status, for the queue:update
// event and the /api/queue/stats endpoint.
type Stats struct {
	Queued     int
	Processing int
	Completed  int
	Failed     int
	Cancelled  int
}

// Filter narrows List to a subset of jobs.
type Filter struct {
	Status *Status
	Offset int
	Limit  int
}
