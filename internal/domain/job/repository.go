package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a job row does not exist.
var ErrNotFound = errors.New("job: not found")

// Repository is the sole mutator of job rows — no other component runs ad
// hoc SQL against the jobs table, per the shared-resource policy in §5.
type Repository interface {
	Insert(ctx context.Context, j *Entity) error
	// ActiveByMedia returns the non-terminal job for a media id, if any.
	ActiveByMedia(ctx context.Context, mediaID uuid.UUID) (*Entity, error)
	// LatestByMedia returns the most recently queued job for a media id
	// regardless of status, used by Enqueue to decide whether to revive.
	LatestByMedia(ctx context.Context, mediaID uuid.UUID) (*Entity, error)
	ClaimNext(ctx context.Context) (*Entity, error)
	MarkCompleted(ctx context.Context, jobID uuid.UUID, durationMs int64) error
	// MarkFailed records a failure. When retryable is false the job moves to
	// failed immediately regardless of attempts/max_attempts (§7: a 4xx
	// RemoteError is bad input, not a transient fault).
	MarkFailed(ctx context.Context, jobID uuid.UUID, errMessage string, retryable bool) (MarkFailedResult, error)
	Cancel(ctx context.Context, jobID uuid.UUID) error
	RetryFailed(ctx context.Context, jobID uuid.UUID) error
	// ReviveCancelled resets a cancelled job back to queued with a fresh
	// priority and attempt count, for Enqueue's revival path.
	ReviveCancelled(ctx context.Context, jobID uuid.UUID, priority, maxAttempts int) error
	// ReviveFailed is ReviveCancelled's counterpart for a failed job reused
	// by Enqueue: fresh priority, fresh queued_at, attempts reset. Distinct
	// from RetryFailed (§4.8's standalone retry op), which does not touch
	// priority/queued_at.
	ReviveFailed(ctx context.Context, jobID uuid.UUID, priority, maxAttempts int) error
	Get(ctx context.Context, jobID uuid.UUID) (*Entity, error)
	List(ctx context.Context, f Filter) ([]*Entity, error)
	Stats(ctx context.Context) (Stats, error)
}

type repository struct {
	db *sqlx.DB
}

// NewRepository returns a sqlx/lib-pq backed Repository grounded on
// cmd/image-worker's claimNextJob pattern, generalized to a real
// transaction + SELECT ... FOR UPDATE SKIP LOCKED claim.
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Insert(ctx context.Context, j *Entity) error {
	query := `
		INSERT INTO jobs (id, media_id, status, priority, attempts, max_attempts, last_error,
		                   queued_at, started_at, completed_at, processing_duration_ms)
		VALUES (:id, :media_id, :status, :priority, :attempts, :max_attempts, :last_error,
		        :queued_at, :started_at, :completed_at, :processing_duration_ms)`
	_, err := r.db.NamedExecContext(ctx, query, j)
	if err != nil {
		return fmt.Errorf("job: insert: %w", err)
	}
	return nil
}

func (r *repository) ActiveByMedia(ctx context.Context, mediaID uuid.UUID) (*Entity, error) {
	var j Entity
	err := r.db.GetContext(ctx, &j, `
		SELECT * FROM jobs
		WHERE media_id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
		ORDER BY queued_at DESC LIMIT 1`, mediaID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("job: active by media: %w", err)
	}
	return &j, nil
}

func (r *repository) LatestByMedia(ctx context.Context, mediaID uuid.UUID) (*Entity, error) {
	var j Entity
	err := r.db.GetContext(ctx, &j, `
		SELECT * FROM jobs WHERE media_id = $1 ORDER BY queued_at DESC LIMIT 1`, mediaID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("job: latest by media: %w", err)
	}
	return &j, nil
}

// ClaimNext atomically selects the lowest-priority queued row, locking it
// with SKIP LOCKED so concurrent claimants never contend on the same row
// and never return the same job id, then transitions it to processing.
func (r *repository) ClaimNext(ctx context.Context) (*Entity, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("job: claim next: begin tx: %w", err)
	}
	defer tx.Rollback()

	var j Entity
	err = tx.GetContext(ctx, &j, `
		SELECT * FROM jobs
		WHERE status = $1
		ORDER BY priority ASC, queued_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, StatusQueued)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("job: claim next: select: %w", err)
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = $1, started_at = $2, attempts = attempts + 1
		WHERE id = $3`, StatusProcessing, now, j.ID)
	if err != nil {
		return nil, fmt.Errorf("job: claim next: update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("job: claim next: commit: %w", err)
	}

	j.Status = StatusProcessing
	j.StartedAt = sql.NullTime{Time: now, Valid: true}
	j.Attempts++
	return &j, nil
}

// MarkCompleted is idempotent with respect to the completed state: marking
// an already-completed job a second time is a no-op, not an error.
func (r *repository) MarkCompleted(ctx context.Context, jobID uuid.UUID, durationMs int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, completed_at = now(), processing_duration_ms = $2
		WHERE id = $3 AND status != $1`, StatusCompleted, durationMs, jobID)
	if err != nil {
		return fmt.Errorf("job: mark completed: %w", err)
	}
	return nil
}

func (r *repository) MarkFailed(ctx context.Context, jobID uuid.UUID, errMessage string, retryable bool) (MarkFailedResult, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return MarkFailedResult{}, fmt.Errorf("job: mark failed: begin tx: %w", err)
	}
	defer tx.Rollback()

	var j Entity
	err = tx.GetContext(ctx, &j, `SELECT * FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return MarkFailedResult{}, ErrNotFound
	}
	if err != nil {
		return MarkFailedResult{}, fmt.Errorf("job: mark failed: select: %w", err)
	}

	if j.Status.IsTerminal() {
		// Idempotent: a job already in a terminal state stays there.
		return MarkFailedResult{Retried: false, Attempts: j.Attempts, MaxAttempts: j.MaxAttempts}, tx.Commit()
	}

	retry := retryable && j.Attempts < j.MaxAttempts
	if retry {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = $1, started_at = NULL, last_error = $2 WHERE id = $3`,
			StatusQueued, errMessage, jobID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = $1, completed_at = now(), last_error = $2 WHERE id = $3`,
			StatusFailed, errMessage, jobID)
	}
	if err != nil {
		return MarkFailedResult{}, fmt.Errorf("job: mark failed: update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return MarkFailedResult{}, fmt.Errorf("job: mark failed: commit: %w", err)
	}

	return MarkFailedResult{Retried: retry, Attempts: j.Attempts, MaxAttempts: j.MaxAttempts}, nil
}

// Cancel is allowed only from queued/pending.
func (r *repository) Cancel(ctx context.Context, jobID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, completed_at = now()
		WHERE id = $2 AND status IN ($3, $4)`,
		StatusCancelled, jobID, StatusQueued, StatusPending)
	if err != nil {
		return fmt.Errorf("job: cancel: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("job: cancel: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("job: cancel: not cancellable from current state")
	}
	return nil
}

// RetryFailed resets attempts to 0, clears the error, and transitions
// failed -> queued.
func (r *repository) RetryFailed(ctx context.Context, jobID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, attempts = 0, last_error = NULL, started_at = NULL, completed_at = NULL
		WHERE id = $2 AND status = $3`, StatusQueued, jobID, StatusFailed)
	if err != nil {
		return fmt.Errorf("job: retry failed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("job: retry failed: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("job: retry failed: job not in failed state")
	}
	return nil
}

func (r *repository) ReviveCancelled(ctx context.Context, jobID uuid.UUID, priority, maxAttempts int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, attempts = 0, max_attempts = $2, priority = $3, last_error = NULL,
		    started_at = NULL, completed_at = NULL, queued_at = now()
		WHERE id = $4 AND status = $5`,
		StatusQueued, maxAttempts, priority, jobID, StatusCancelled)
	if err != nil {
		return fmt.Errorf("job: revive cancelled: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("job: revive cancelled: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("job: revive cancelled: job not in cancelled state")
	}
	return nil
}

// ReviveFailed resets a failed job back to queued with a fresh priority and
// queued_at, for Enqueue's revival path (§4.2). Unlike RetryFailed (the
// standalone §4.8 retry_failed operation), this recomputes queued_at so the
// revived job doesn't jump ahead of jobs enqueued since it originally
// failed.
func (r *repository) ReviveFailed(ctx context.Context, jobID uuid.UUID, priority, maxAttempts int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, attempts = 0, max_attempts = $2, priority = $3, last_error = NULL,
		    started_at = NULL, completed_at = NULL, queued_at = now()
		WHERE id = $4 AND status = $5`,
		StatusQueued, maxAttempts, priority, jobID, StatusFailed)
	if err != nil {
		return fmt.Errorf("job: revive failed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("job: revive failed: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("job: revive failed: job not in failed state")
	}
	return nil
}

func (r *repository) Get(ctx context.Context, jobID uuid.UUID) (*Entity, error) {
	var j Entity
	err := r.db.GetContext(ctx, &j, `SELECT * FROM jobs WHERE id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("job: get: %w", err)
	}
	return &j, nil
}

func (r *repository) List(ctx context.Context, f Filter) ([]*Entity, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	var jobs []*Entity
	var err error
	if f.Status != nil {
		err = r.db.SelectContext(ctx, &jobs, `
			SELECT * FROM jobs WHERE status = $1
			ORDER BY queued_at DESC OFFSET $2 LIMIT $3`, *f.Status, f.Offset, limit)
	} else {
		err = r.db.SelectContext(ctx, &jobs, `
			SELECT * FROM jobs ORDER BY queued_at DESC OFFSET $1 LIMIT $2`, f.Offset, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("job: list: %w", err)
	}
	return jobs, nil
}

func (r *repository) Stats(ctx context.Context) (Stats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("job: stats: %w", err)
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("job: stats: scan: %w", err)
		}
		switch status {
		case StatusQueued, StatusPending:
			s.Queued += count
		case StatusProcessing:
			s.Processing += count
		case StatusCompleted:
			s.Completed += count
		case StatusFailed:
			s.Failed += count
		case StatusCancelled:
			s.Cancelled += count
		}
	}
	return s, rows.Err()
}
