package dataaccess

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/thinkhq/think/pkg/errs"
	"github.com/thinkhq/think/pkg/store"
)

// JobStore implements the Job half of DataAccess.
type JobStore struct {
	s *store.Store
}

// NewJobStore builds a JobStore over s.
func NewJobStore(s *store.Store) *JobStore {
	return &JobStore{s: s}
}

// Create inserts a new pending Job of jobType and returns its UUID.
func (js *JobStore) Create(ctx context.Context, jobType string, params string) (string, error) {
	id := uuid.NewString()
	err := js.s.RunBlocking(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO jobs (id, type, status, params, created_at) VALUES (?, ?, ?, ?, ?)
		`, id, jobType, JobPending, params, time.Now().UTC().Format(time.RFC3339))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("dataaccess: create job: %w", err)
	}
	return id, nil
}

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var params, result, errText sql.NullString
	var createdAt string
	var startedAt, completedAt sql.NullString
	if err := row.Scan(&j.ID, &j.Type, &j.Status, &params, &result, &errText,
		&j.Progress, &j.Processed, &j.Failed, &j.Total, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	j.Params = params.String
	j.Result = result.String
	j.Error = errText.String
	j.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339, startedAt.String)
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339, completedAt.String)
		j.CompletedAt = &t
	}
	return &j, nil
}

const jobColumns = `id, type, status, params, result, error, progress, processed, failed, total, created_at, started_at, completed_at`

// Get loads a job by id.
func (js *JobStore) Get(ctx context.Context, id string) (*Job, error) {
	row := js.s.DB().QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("dataaccess: get job: %w", err)
	}
	return j, nil
}

// GetActive returns the most recently created pending/running job of
// jobType, or nil if none is active — jobqueue uses this to make job
// creation idempotent per type.
func (js *JobStore) GetActive(ctx context.Context, jobType string) (*Job, error) {
	row := js.s.DB().QueryRowContext(ctx, "SELECT "+jobColumns+` FROM jobs
		WHERE type = ? AND status IN (?, ?)
		ORDER BY created_at DESC LIMIT 1`, jobType, JobPending, JobRunning)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dataaccess: get active job: %w", err)
	}
	return j, nil
}

// Update applies a partial set of field updates. Nil pointers leave the
// corresponding column untouched.
type JobUpdate struct {
	Status    *JobStatus
	Result    *string
	Error     *string
	Progress  *int
	Processed *int
	Failed    *int
	Total     *int
}

// Update applies upd's non-nil fields to the job.
func (js *JobStore) Update(ctx context.Context, id string, upd JobUpdate) error {
	return js.s.RunBlocking(ctx, func(db *sql.DB) error {
		set := ""
		var args []any
		add := func(col string, val any) {
			if set != "" {
				set += ", "
			}
			set += col + " = ?"
			args = append(args, val)
		}
		if upd.Status != nil {
			add("status", *upd.Status)
		}
		if upd.Result != nil {
			add("result", *upd.Result)
		}
		if upd.Error != nil {
			add("error", *upd.Error)
		}
		if upd.Progress != nil {
			add("progress", *upd.Progress)
		}
		if upd.Processed != nil {
			add("processed", *upd.Processed)
		}
		if upd.Failed != nil {
			add("failed", *upd.Failed)
		}
		if upd.Total != nil {
			add("total", *upd.Total)
		}
		if set == "" {
			return nil
		}
		args = append(args, id)
		_, err := db.ExecContext(ctx, "UPDATE jobs SET "+set+" WHERE id = ?", args...)
		return err
	})
}

// MarkStarted transitions a job to running and stamps started_at.
func (js *JobStore) MarkStarted(ctx context.Context, id string) error {
	return js.s.RunBlocking(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE jobs SET status = ?, started_at = ? WHERE id = ?`,
			JobRunning, time.Now().UTC().Format(time.RFC3339), id)
		return err
	})
}

// MarkCompleted transitions a job to completed and stamps completed_at.
func (js *JobStore) MarkCompleted(ctx context.Context, id string, result string) error {
	return js.s.RunBlocking(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE jobs SET status = ?, result = ?, progress = 100, completed_at = ? WHERE id = ?`,
			JobCompleted, result, time.Now().UTC().Format(time.RFC3339), id)
		return err
	})
}

// MarkFailed transitions a job to failed and records errMsg.
func (js *JobStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	return js.s.RunBlocking(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE jobs SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
			JobFailed, errMsg, time.Now().UTC().Format(time.RFC3339), id)
		return err
	})
}

// Cancel requests cooperative cancellation; the worker observes this at its
// next batch boundary (see pkg/jobqueue).
func (js *JobStore) Cancel(ctx context.Context, id string) error {
	return js.s.RunBlocking(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE jobs SET status = ? WHERE id = ? AND status IN (?, ?)`,
			JobCancelled, id, JobPending, JobRunning)
		return err
	})
}
