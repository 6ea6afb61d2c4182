package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// JobPatch describes a partial update to one job row. Nil pointer fields are
// left unchanged; the Clear flags null out their column. UpdatedAt is always
// stamped. When ExpectStatus is set the update only applies while the row is
// still in that status, which is how recovery avoids clobbering jobs that
// moved on concurrently.
type JobPatch struct {
	Status        *JobStatus
	Progress      *Progress
	ResumeState   []byte
	StartedAt     *time.Time
	ClearStarted  bool
	FinishedAt    *time.Time
	ClearFinished bool
	UpdatedAt     time.Time
	ExpectStatus  *JobStatus
}

// JobStore persists crawl jobs. Insert operations rely on database-level
// uniqueness of (full_path, branch, command) for path-scoped jobs and
// (command, account_id) for account-global jobs, so concurrent spawners can
// use insert-or-ignore semantics instead of application locks.
type JobStore interface {
	// CreateJob inserts a single job or fails if its key already exists.
	CreateJob(ctx context.Context, job Job) error
	// InsertJobs inserts jobs with insert-or-ignore semantics and reports how
	// many rows were actually written.
	InsertJobs(ctx context.Context, jobs []Job) (int64, error)
	// GetJob loads one job by ID or returns ErrNotFound.
	GetJob(ctx context.Context, id string) (Job, error)
	// FindJobByPath resolves a path-scoped job by its uniqueness key.
	FindJobByPath(ctx context.Context, fullPath string, branch *string, command Command) (Job, error)
	// FindAccountJob resolves an account-global job (full_path/branch null).
	FindAccountJob(ctx context.Context, accountID string, command Command) (Job, error)
	// UpdateJob applies a patch and reports affected rows (0 when an
	// ExpectStatus guard did not match).
	UpdateJob(ctx context.Context, id string, patch JobPatch) (int64, error)
	// ListJobs returns jobs filtered by optional status plus limit/offset.
	ListJobs(ctx context.Context, status *JobStatus, limit, offset int) ([]Job, error)
	// FindRecoverableFailed selects failed jobs flagged retryable or whose
	// last error matches one of the given substrings.
	FindRecoverableFailed(ctx context.Context, errorPatterns []string, limit int) ([]Job, error)
	// FindStuckRunning selects running jobs untouched since updatedBefore.
	FindStuckRunning(ctx context.Context, updatedBefore time.Time, limit int) ([]Job, error)
	// LatestDiscovery returns the most recent discovery job for an account or
	// ErrNotFound.
	LatestDiscovery(ctx context.Context, accountID string) (Job, error)
}

// AreaStore persists discovered areas keyed by full path.
type AreaStore interface {
	// UpsertAreas inserts areas with insert-or-ignore semantics and reports
	// how many rows were actually written.
	UpsertAreas(ctx context.Context, areas []Area) (int64, error)
	// GetArea loads one area or returns ErrNotFound.
	GetArea(ctx context.Context, fullPath string) (Area, error)
}

// TokenStore resolves crawl credentials per account. It is an external
// collaborator; ErrNotFound means the account has no usable token.
type TokenStore interface {
	AccountToken(ctx context.Context, accountID string) (string, error)
}
