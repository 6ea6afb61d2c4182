// Package memory provides in-memory store implementations for development
// and tests, mirroring the Postgres semantics.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/glfleet/backend/internal/store"
)

// Store holds jobs, areas, and tokens in maps guarded by one mutex.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]store.Job
	areas  map[string]store.Area
	tokens map[string]string
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		jobs:   make(map[string]store.Job),
		areas:  make(map[string]store.Area),
		tokens: make(map[string]string),
	}
}

// SetToken seeds a credential for an account.
func (s *Store) SetToken(accountID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[accountID] = token
}

func sameKey(a, b store.Job) bool {
	if a.PathScoped() != b.PathScoped() {
		return false
	}
	if a.Command != b.Command {
		return false
	}
	if a.PathScoped() {
		return *a.FullPath == *b.FullPath && derefOr(a.Branch, "") == derefOr(b.Branch, "")
	}
	return a.AccountID == b.AccountID
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

func (s *Store) findByKeyLocked(job store.Job) (store.Job, bool) {
	for _, existing := range s.jobs {
		if sameKey(existing, job) {
			return existing, true
		}
	}
	return store.Job{}, false
}

// CreateJob inserts a job, failing on a duplicate key.
func (s *Store) CreateJob(_ context.Context, job store.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if existing, found := s.findByKeyLocked(job); found {
		return fmt.Errorf("job key already held by %s", existing.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// InsertJobs inserts with insert-or-ignore semantics.
func (s *Store) InsertJobs(_ context.Context, jobs []store.Job) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var inserted int64
	for _, job := range jobs {
		if _, exists := s.jobs[job.ID]; exists {
			continue
		}
		if _, found := s.findByKeyLocked(job); found {
			continue
		}
		s.jobs[job.ID] = job
		inserted++
	}
	return inserted, nil
}

// GetJob loads one job by ID.
func (s *Store) GetJob(_ context.Context, id string) (store.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return store.Job{}, store.ErrNotFound
	}
	return job, nil
}

// FindJobByPath resolves a path-scoped job by its uniqueness key.
func (s *Store) FindJobByPath(_ context.Context, fullPath string, branch *string, command store.Command) (store.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.jobs {
		if job.PathScoped() && *job.FullPath == fullPath &&
			derefOr(job.Branch, "") == derefOr(branch, "") && job.Command == command {
			return job, nil
		}
	}
	return store.Job{}, store.ErrNotFound
}

// FindAccountJob resolves an account-global job.
func (s *Store) FindAccountJob(_ context.Context, accountID string, command store.Command) (store.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.jobs {
		if !job.PathScoped() && job.AccountID == accountID && job.Command == command {
			return job, nil
		}
	}
	return store.Job{}, store.ErrNotFound
}

// UpdateJob applies a patch, honoring the ExpectStatus guard.
func (s *Store) UpdateJob(_ context.Context, id string, patch store.JobPatch) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return 0, nil
	}
	if patch.ExpectStatus != nil && job.Status != *patch.ExpectStatus {
		return 0, nil
	}
	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.Progress != nil {
		job.Progress = *patch.Progress
	}
	if len(patch.ResumeState) > 0 {
		job.ResumeState = append([]byte(nil), patch.ResumeState...)
	}
	switch {
	case patch.ClearStarted:
		job.StartedAt = nil
	case patch.StartedAt != nil:
		at := *patch.StartedAt
		job.StartedAt = &at
	}
	switch {
	case patch.ClearFinished:
		job.FinishedAt = nil
	case patch.FinishedAt != nil:
		at := *patch.FinishedAt
		job.FinishedAt = &at
	}
	job.UpdatedAt = patch.UpdatedAt
	s.jobs[id] = job
	return 1, nil
}

// ListJobs returns jobs filtered by optional status, newest first.
func (s *Store) ListJobs(_ context.Context, status *store.JobStatus, limit, offset int) ([]store.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []store.Job
	for _, job := range s.jobs {
		if status != nil && job.Status != *status {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if offset >= len(jobs) {
		return nil, nil
	}
	jobs = jobs[offset:]
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// FindRecoverableFailed selects failed jobs flagged retryable or whose last
// error contains one of the patterns, oldest first.
func (s *Store) FindRecoverableFailed(_ context.Context, errorPatterns []string, limit int) ([]store.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []store.Job
	for _, job := range s.jobs {
		if job.Status != store.JobFailed {
			continue
		}
		if job.Progress.Retryable || matchesAny(job.Progress.LastError, errorPatterns) {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].UpdatedAt.Before(jobs[j].UpdatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func matchesAny(text string, patterns []string) bool {
	lower := strings.ToLower(text)
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// FindStuckRunning selects running jobs untouched since updatedBefore,
// oldest first.
func (s *Store) FindStuckRunning(_ context.Context, updatedBefore time.Time, limit int) ([]store.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []store.Job
	for _, job := range s.jobs {
		if job.Status == store.JobRunning && job.UpdatedAt.Before(updatedBefore) {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].UpdatedAt.Before(jobs[j].UpdatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// LatestDiscovery returns the most recent discovery job for an account.
func (s *Store) LatestDiscovery(_ context.Context, accountID string) (store.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		latest store.Job
		found  bool
	)
	for _, job := range s.jobs {
		if job.AccountID != accountID || job.Command != store.CommandGroupDiscovery {
			continue
		}
		if !found || job.CreatedAt.After(latest.CreatedAt) {
			latest = job
			found = true
		}
	}
	if !found {
		return store.Job{}, store.ErrNotFound
	}
	return latest, nil
}

// UpsertAreas inserts areas with insert-or-ignore semantics.
func (s *Store) UpsertAreas(_ context.Context, areas []store.Area) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var inserted int64
	for _, area := range areas {
		if _, exists := s.areas[area.FullPath]; exists {
			continue
		}
		s.areas[area.FullPath] = area
		inserted++
	}
	return inserted, nil
}

// GetArea loads one area by full path.
func (s *Store) GetArea(_ context.Context, fullPath string) (store.Area, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	area, ok := s.areas[fullPath]
	if !ok {
		return store.Area{}, store.ErrNotFound
	}
	return area, nil
}

// AccountToken resolves a seeded credential.
func (s *Store) AccountToken(_ context.Context, accountID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[accountID]
	if !ok || token == "" {
		return "", store.ErrNotFound
	}
	return token, nil
}
