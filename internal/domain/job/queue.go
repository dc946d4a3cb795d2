package job

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mwork/depth-orchestrator/internal/apperr"
	"github.com/mwork/depth-orchestrator/internal/domain/media"
)

const defaultMaxAttempts = 3

// Queue is the service layer over Repository: it owns the preconditions
// around enqueue (AlreadyQueued/AlreadyProcessed, reviving a dead job)
// that the repository itself doesn't know about.
type Queue struct {
	jobs  Repository
	media media.Repository
}

// NewQueue builds a Queue, grounded on the teacher's service/repository
// split (internal/domain/chat's service wrapping its repository).
func NewQueue(jobs Repository, mediaRepo media.Repository) *Queue {
	return &Queue{jobs: jobs, media: mediaRepo}
}

// Enqueue looks up the media to compute priority, then either inserts a
// fresh job, revives a failed/cancelled one, or rejects with
// AlreadyQueued/AlreadyProcessed per §4.2.
func (q *Queue) Enqueue(ctx context.Context, mediaID uuid.UUID, maxAttempts int) (uuid.UUID, error) {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	m, err := q.media.GetByID(ctx, mediaID)
	if errors.Is(err, media.ErrNotFound) {
		return uuid.Nil, apperr.New(apperr.KindNotFound, "media not found")
	}
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.KindInternal, "enqueue: media lookup", err)
	}

	existing, err := q.jobs.LatestByMedia(ctx, mediaID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return uuid.Nil, apperr.Wrap(apperr.KindInternal, "enqueue: job lookup", err)
	}

	priority := Priority(m.Kind, m.ByteSize)

	if existing != nil {
		switch existing.Status {
		case StatusCompleted:
			return uuid.Nil, apperr.New(apperr.KindAlreadyProcessed, "job already completed for this media")
		case StatusFailed, StatusCancelled:
			if err := q.revive(ctx, existing.ID, priority, maxAttempts, existing.Status == StatusFailed); err != nil {
				return uuid.Nil, apperr.Wrap(apperr.KindInternal, "enqueue: revive", err)
			}
			return existing.ID, nil
		default:
			// queued, processing, pending: still active.
			return uuid.Nil, apperr.New(apperr.KindAlreadyQueued, "a job is already active for this media")
		}
	}

	j := &Entity{
		ID:          uuid.New(),
		MediaID:     mediaID,
		Status:      StatusQueued,
		Priority:    priority,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		QueuedAt:    time.Now(),
	}
	if err := q.jobs.Insert(ctx, j); err != nil {
		return uuid.Nil, apperr.Wrap(apperr.KindInternal, "enqueue: insert", err)
	}
	return j.ID, nil
}

// revive brings a dead job back to queued for Enqueue's reuse-the-row path.
// Both branches must give the job a fresh priority and queued_at (§4.2: "a
// fresh priority"), so a long-dead job doesn't jump the queue against items
// enqueued since it failed or was cancelled — ReviveFailed does this for the
// failed branch exactly as ReviveCancelled already does for the cancelled
// one. This is distinct from the standalone retry_failed operation (§4.8),
// which intentionally leaves priority/queued_at untouched.
func (q *Queue) revive(ctx context.Context, jobID uuid.UUID, priority, maxAttempts int, wasFailed bool) error {
	if wasFailed {
		return q.jobs.ReviveFailed(ctx, jobID, priority, maxAttempts)
	}
	return q.jobs.ReviveCancelled(ctx, jobID, priority, maxAttempts)
}

// ClaimNext delegates to the repository's atomic claim.
func (q *Queue) ClaimNext(ctx context.Context) (*Entity, error) {
	j, err := q.jobs.ClaimNext(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "claim next", err)
	}
	return j, nil
}

func (q *Queue) MarkCompleted(ctx context.Context, jobID uuid.UUID, duration time.Duration) error {
	return q.jobs.MarkCompleted(ctx, jobID, duration.Milliseconds())
}

// MarkFailed records a failure. retryable lets the caller (the Worker)
// short-circuit the attempts/max_attempts budget for a cause that will
// recur identically on every future attempt — a 4xx RemoteError from the
// Inference Client, per §7 — sending the job straight to failed.
func (q *Queue) MarkFailed(ctx context.Context, jobID uuid.UUID, errMessage string, retryable bool) (MarkFailedResult, error) {
	return q.jobs.MarkFailed(ctx, jobID, errMessage, retryable)
}

func (q *Queue) Cancel(ctx context.Context, jobID uuid.UUID) error {
	if err := q.jobs.Cancel(ctx, jobID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return apperr.New(apperr.KindNotFound, "job not found")
		}
		return apperr.New(apperr.KindConflict, err.Error())
	}
	return nil
}

func (q *Queue) RetryFailed(ctx context.Context, jobID uuid.UUID) error {
	if err := q.jobs.RetryFailed(ctx, jobID); err != nil {
		return apperr.New(apperr.KindConflict, err.Error())
	}
	return nil
}

func (q *Queue) Get(ctx context.Context, jobID uuid.UUID) (*Entity, error) {
	j, err := q.jobs.Get(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, "job not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "get job", err)
	}
	return j, nil
}

func (q *Queue) List(ctx context.Context, f Filter) ([]*Entity, error) {
	return q.jobs.List(ctx, f)
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	return q.jobs.Stats(ctx)
}
