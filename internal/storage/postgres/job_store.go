package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/glfleet/backend/internal/store"
)

const jobColumns = `id, status, command, full_path, branch, from_ts, to_ts,
account_id, spawned_from, resume_state, progress, created_at, updated_at,
started_at, finished_at`

func scanJob(row pgx.Row) (store.Job, error) {
	var (
		job          store.Job
		resumeState  []byte
		progressJSON []byte
	)
	err := row.Scan(
		&job.ID, &job.Status, &job.Command, &job.FullPath, &job.Branch,
		&job.From, &job.To, &job.AccountID, &job.SpawnedFrom,
		&resumeState, &progressJSON, &job.CreatedAt, &job.UpdatedAt,
		&job.StartedAt, &job.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Job{}, store.ErrNotFound
		}
		return store.Job{}, fmt.Errorf("scan job row: %w", err)
	}
	job.ResumeState = resumeState
	if len(progressJSON) > 0 {
		if err := json.Unmarshal(progressJSON, &job.Progress); err != nil {
			return store.Job{}, fmt.Errorf("decode progress for job %s: %w", job.ID, err)
		}
	}
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]store.Job, error) {
	defer rows.Close()
	var jobs []store.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

func jobInsertArgs(job store.Job) ([]any, error) {
	progressJSON, err := json.Marshal(job.Progress)
	if err != nil {
		return nil, fmt.Errorf("encode progress: %w", err)
	}
	var resumeState []byte
	if len(job.ResumeState) > 0 {
		resumeState = job.ResumeState
	}
	return []any{
		job.ID, job.Status, job.Command, job.FullPath, job.Branch,
		job.From, job.To, job.AccountID, job.SpawnedFrom,
		resumeState, progressJSON, job.CreatedAt, job.UpdatedAt,
		job.StartedAt, job.FinishedAt,
	}, nil
}

const insertJobSQL = `
INSERT INTO jobs (` + jobColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`

// CreateJob inserts a single job; a key conflict is an error.
func (s *Store) CreateJob(ctx context.Context, job store.Job) error {
	args, err := jobInsertArgs(job)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, insertJobSQL, args...); err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// InsertJobs inserts with insert-or-ignore semantics, relying on the partial
// unique indexes over the job keys. Concurrent spawners for the same area
// resolve at the database, not in application locks.
func (s *Store) InsertJobs(ctx context.Context, jobs []store.Job) (int64, error) {
	var inserted int64
	for _, job := range jobs {
		args, err := jobInsertArgs(job)
		if err != nil {
			return inserted, err
		}
		tag, err := s.pool.Exec(ctx, insertJobSQL+` ON CONFLICT DO NOTHING`, args...)
		if err != nil {
			return inserted, fmt.Errorf("insert job %s: %w", job.ID, err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// GetJob loads one job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (store.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// FindJobByPath resolves a path-scoped job by its uniqueness key.
func (s *Store) FindJobByPath(ctx context.Context, fullPath string, branch *string, command store.Command) (store.Job, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+jobColumns+` FROM jobs
WHERE full_path = $1 AND coalesce(branch, '') = coalesce($2, '') AND command = $3`,
		fullPath, branch, command)
	return scanJob(row)
}

// FindAccountJob resolves an account-global job.
func (s *Store) FindAccountJob(ctx context.Context, accountID string, command store.Command) (store.Job, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+jobColumns+` FROM jobs
WHERE full_path IS NULL AND account_id = $1 AND command = $2`,
		accountID, command)
	return scanJob(row)
}

// UpdateJob applies a patch. The ExpectStatus guard lands in the WHERE
// clause, so a row that moved on concurrently reports zero affected rows.
func (s *Store) UpdateJob(ctx context.Context, id string, patch store.JobPatch) (int64, error) {
	sets := []string{"updated_at = $1"}
	args := []any{patch.UpdatedAt}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.Status != nil {
		sets = append(sets, "status = "+next(*patch.Status))
	}
	if patch.Progress != nil {
		progressJSON, err := json.Marshal(*patch.Progress)
		if err != nil {
			return 0, fmt.Errorf("encode progress: %w", err)
		}
		sets = append(sets, "progress = "+next(progressJSON))
	}
	if len(patch.ResumeState) > 0 {
		sets = append(sets, "resume_state = "+next([]byte(patch.ResumeState)))
	}
	switch {
	case patch.ClearStarted:
		sets = append(sets, "started_at = NULL")
	case patch.StartedAt != nil:
		sets = append(sets, "started_at = "+next(*patch.StartedAt))
	}
	switch {
	case patch.ClearFinished:
		sets = append(sets, "finished_at = NULL")
	case patch.FinishedAt != nil:
		sets = append(sets, "finished_at = "+next(*patch.FinishedAt))
	}

	where := "id = " + next(id)
	if patch.ExpectStatus != nil {
		where += " AND status = " + next(*patch.ExpectStatus)
	}

	query := fmt.Sprintf("UPDATE jobs SET %s WHERE %s", strings.Join(sets, ", "), where)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update job %s: %w", id, err)
	}
	return tag.RowsAffected(), nil
}

// ListJobs returns jobs filtered by optional status plus limit/offset.
func (s *Store) ListJobs(ctx context.Context, status *store.JobStatus, limit, offset int) ([]store.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows pgx.Rows
		err  error
	)
	if status != nil {
		rows, err = s.pool.Query(ctx, `
SELECT `+jobColumns+` FROM jobs
WHERE status = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3`, *status, limit, offset)
	} else {
		rows, err = s.pool.Query(ctx, `
SELECT `+jobColumns+` FROM jobs
ORDER BY created_at DESC
LIMIT $1 OFFSET $2`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// FindRecoverableFailed selects failed jobs flagged retryable or whose last
// error matches one of the transient patterns, oldest first.
func (s *Store) FindRecoverableFailed(ctx context.Context, errorPatterns []string, limit int) ([]store.Job, error) {
	likes := make([]string, len(errorPatterns))
	for i, p := range errorPatterns {
		likes[i] = "%" + p + "%"
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+jobColumns+` FROM jobs
WHERE status = 'failed'
  AND (coalesce((progress->>'retryable')::boolean, false)
       OR coalesce(progress->>'lastError', '') ILIKE ANY($1))
ORDER BY updated_at ASC
LIMIT $2`, likes, limit)
	if err != nil {
		return nil, fmt.Errorf("find recoverable failed jobs: %w", err)
	}
	return collectJobs(rows)
}

// FindStuckRunning selects running jobs untouched since updatedBefore,
// oldest first.
func (s *Store) FindStuckRunning(ctx context.Context, updatedBefore time.Time, limit int) ([]store.Job, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+jobColumns+` FROM jobs
WHERE status = 'running' AND updated_at < $1
ORDER BY updated_at ASC
LIMIT $2`, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("find stuck jobs: %w", err)
	}
	return collectJobs(rows)
}

// LatestDiscovery returns the most recent discovery job for an account.
func (s *Store) LatestDiscovery(ctx context.Context, accountID string) (store.Job, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+jobColumns+` FROM jobs
WHERE account_id = $1 AND command = $2
ORDER BY created_at DESC
LIMIT 1`, accountID, store.CommandGroupDiscovery)
	return scanJob(row)
}
