package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glfleet/backend/internal/clock"
	"github.com/glfleet/backend/internal/store"
	"github.com/glfleet/backend/internal/telemetry"
)

// DefaultDiscoveryCooldown is how recently a finished discovery job blocks a
// new discovery run for the same account.
const DefaultDiscoveryCooldown = 48 * time.Hour

// ErrInvalidTransition rejects a status change the state machine forbids.
var ErrInvalidTransition = errors.New("invalid job status transition")

// ManagerConfig tunes the job manager.
type ManagerConfig struct {
	DiscoveryCooldown time.Duration
}

// Manager owns the job lifecycle: creation, idempotent dependency-job
// spawning on area discovery, and status transitions driven by worker
// messages.
type Manager struct {
	cfg    ManagerConfig
	jobs   store.JobStore
	areas  store.AreaStore
	clock  clock.Clock
	logger *zap.Logger
}

// NewManager builds a Manager.
func NewManager(cfg ManagerConfig, jobs store.JobStore, areas store.AreaStore, clk clock.Clock, logger *zap.Logger) *Manager {
	if cfg.DiscoveryCooldown <= 0 {
		cfg.DiscoveryCooldown = DefaultDiscoveryCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		jobs:   jobs,
		areas:  areas,
		clock:  clk,
		logger: logger,
	}
}

// NewJob assembles a queued job with identity and timestamps filled in.
func (m *Manager) NewJob(command store.Command, accountID string, fullPath, branch *string, spawnedFrom *string) store.Job {
	now := m.clock.Now()
	return store.Job{
		ID:          uuid.NewString(),
		Status:      store.JobQueued,
		Command:     command,
		FullPath:    fullPath,
		Branch:      branch,
		AccountID:   accountID,
		SpawnedFrom: spawnedFrom,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// CreateJob persists a new queued job. Key conflicts surface as errors from
// the store.
func (m *Manager) CreateJob(ctx context.Context, job store.Job) (store.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = store.JobQueued
	now := m.clock.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if err := m.jobs.CreateJob(ctx, job); err != nil {
		return store.Job{}, fmt.Errorf("create job: %w", err)
	}
	telemetry.ObserveJobSpawned(string(job.Command))
	return job, nil
}

// EnsureDiscoveryJob makes sure exactly one discovery job exists per
// account. A run that finished within the cooldown window skips entirely; an
// older terminal run is reset and reused rather than duplicated; a
// queued/running run is returned as-is. The boolean reports whether a fresh
// crawl was scheduled.
func (m *Manager) EnsureDiscoveryJob(ctx context.Context, accountID string) (store.Job, bool, error) {
	existing, err := m.jobs.LatestDiscovery(ctx, accountID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		job, createErr := m.CreateJob(ctx, m.NewJob(store.CommandGroupDiscovery, accountID, nil, nil, nil))
		if createErr != nil {
			return store.Job{}, false, createErr
		}
		return job, true, nil
	case err != nil:
		return store.Job{}, false, fmt.Errorf("find latest discovery: %w", err)
	}

	switch existing.Status {
	case store.JobQueued, store.JobRunning:
		return existing, false, nil
	case store.JobFinished:
		if existing.FinishedAt != nil && m.clock.Now().Sub(*existing.FinishedAt) < m.cfg.DiscoveryCooldown {
			return existing, false, nil
		}
	}

	// Terminal and stale (or failed/paused): reset the existing row.
	if err := m.resetToQueued(ctx, existing, store.Progress{}); err != nil {
		return store.Job{}, false, err
	}
	existing.Status = store.JobQueued
	return existing, true, nil
}

// SpawnResult summarizes one discovery-completion fan-out.
type SpawnResult struct {
	AreasUpserted int64      `json:"areas_upserted"`
	JobsCreated   int        `json:"jobs_created"`
	JobsReset     int        `json:"jobs_reset"`
	Incidents     []Incident `json:"incidents,omitempty"`
}

// HandleDiscoveryCompleted upserts the discovered areas and fans out their
// dependent jobs plus the account-global jobs. Every step is idempotent:
// area upserts are insert-or-ignore, and a job is only created when no
// queued/running job holds its key (existing terminal jobs are reset
// instead). Failures are recorded as incidents and never abort the fan-out.
func (m *Manager) HandleDiscoveryCompleted(ctx context.Context, parent store.Job, discovered []store.Area) SpawnResult {
	var result SpawnResult

	if len(discovered) > 0 {
		upserted, err := m.areas.UpsertAreas(ctx, discovered)
		if err != nil {
			result.Incidents = append(result.Incidents, m.recordIncident(err, map[string]any{
				"operation": "upsert_areas",
				"parent":    parent.ID,
				"areas":     len(discovered),
			}))
		} else {
			result.AreasUpserted = upserted
		}
	}

	for _, area := range discovered {
		for _, command := range CommandsForArea(area.Type) {
			created, reset, err := m.ensureAreaJob(ctx, parent, area, command)
			if err != nil {
				result.Incidents = append(result.Incidents, m.recordIncident(err, map[string]any{
					"operation": "spawn_area_job",
					"parent":    parent.ID,
					"full_path": area.FullPath,
					"command":   string(command),
				}))
				continue
			}
			if created {
				result.JobsCreated++
			}
			if reset {
				result.JobsReset++
			}
		}
	}

	for _, command := range GlobalCommands() {
		created, reset, err := m.ensureGlobalJob(ctx, parent, command)
		if err != nil {
			result.Incidents = append(result.Incidents, m.recordIncident(err, map[string]any{
				"operation": "spawn_global_job",
				"parent":    parent.ID,
				"command":   string(command),
			}))
			continue
		}
		if created {
			result.JobsCreated++
		}
		if reset {
			result.JobsReset++
		}
	}

	m.logger.Info("discovery fan-out complete",
		zap.String("parent_job", parent.ID),
		zap.Int("areas", len(discovered)),
		zap.Int("jobs_created", result.JobsCreated),
		zap.Int("jobs_reset", result.JobsReset),
		zap.Int("incidents", len(result.Incidents)))
	return result
}

// ensureAreaJob creates the (fullPath, command) job unless one is already
// queued or running. An existing terminal job is reset for the new cycle.
func (m *Manager) ensureAreaJob(ctx context.Context, parent store.Job, area store.Area, command store.Command) (created, reset bool, err error) {
	fullPath := area.FullPath
	existing, err := m.jobs.FindJobByPath(ctx, fullPath, nil, command)
	switch {
	case errors.Is(err, store.ErrNotFound):
		job := m.NewJob(command, parent.AccountID, &fullPath, nil, &parent.ID)
		affected, insErr := m.jobs.InsertJobs(ctx, []store.Job{job})
		if insErr != nil {
			return false, false, fmt.Errorf("insert job %s/%s: %w", fullPath, command, insErr)
		}
		if affected > 0 {
			telemetry.ObserveJobSpawned(string(command))
		}
		return affected > 0, false, nil
	case err != nil:
		return false, false, fmt.Errorf("find job %s/%s: %w", fullPath, command, err)
	}

	switch existing.Status {
	case store.JobQueued, store.JobRunning, store.JobPaused:
		return false, false, nil
	default:
		if resetErr := m.resetToQueued(ctx, existing, store.Progress{}); resetErr != nil {
			return false, false, resetErr
		}
		return false, true, nil
	}
}

// ensureGlobalJob applies the insert-if-absent, reset-if-failed rule keyed
// by (command, accountId).
func (m *Manager) ensureGlobalJob(ctx context.Context, parent store.Job, command store.Command) (created, reset bool, err error) {
	existing, err := m.jobs.FindAccountJob(ctx, parent.AccountID, command)
	switch {
	case errors.Is(err, store.ErrNotFound):
		job := m.NewJob(command, parent.AccountID, nil, nil, &parent.ID)
		affected, insErr := m.jobs.InsertJobs(ctx, []store.Job{job})
		if insErr != nil {
			return false, false, fmt.Errorf("insert global job %s: %w", command, insErr)
		}
		if affected > 0 {
			telemetry.ObserveJobSpawned(string(command))
		}
		return affected > 0, false, nil
	case err != nil:
		return false, false, fmt.Errorf("find global job %s: %w", command, err)
	}

	if existing.Status == store.JobFailed {
		if resetErr := m.resetToQueued(ctx, existing, store.Progress{}); resetErr != nil {
			return false, false, resetErr
		}
		return false, true, nil
	}
	return false, false, nil
}

// MarkRunning transitions a job to running when a worker picks it up.
func (m *Manager) MarkRunning(ctx context.Context, jobID string, at time.Time) error {
	return m.transition(ctx, jobID, store.JobRunning, func(patch *store.JobPatch) {
		patch.StartedAt = &at
	})
}

// MarkFinished records a successful completion.
func (m *Manager) MarkFinished(ctx context.Context, jobID string, at time.Time, progress *store.Progress, resumeState json.RawMessage) error {
	return m.transition(ctx, jobID, store.JobFinished, func(patch *store.JobPatch) {
		patch.FinishedAt = &at
		patch.Progress = progress
		patch.ResumeState = resumeState
	})
}

// MarkFailed records a failure, preserving the crawler's error text and
// retryability hint in the progress blob.
func (m *Manager) MarkFailed(ctx context.Context, jobID string, at time.Time, errText string, retryable bool, progress *store.Progress, resumeState json.RawMessage) error {
	return m.transition(ctx, jobID, store.JobFailed, func(patch *store.JobPatch) {
		patch.FinishedAt = &at
		if progress == nil {
			progress = &store.Progress{}
		}
		progress.LastError = errText
		progress.Retryable = retryable
		patch.Progress = progress
		patch.ResumeState = resumeState
	})
}

// Pause moves a queued or running job into the paused side-state.
func (m *Manager) Pause(ctx context.Context, jobID string) error {
	return m.transition(ctx, jobID, store.JobPaused, nil)
}

// Resume returns a paused job to the queue.
func (m *Manager) Resume(ctx context.Context, jobID string) error {
	return m.transition(ctx, jobID, store.JobQueued, nil)
}

// validTransitions encodes the state machine: the only backward edge is
// failed -> queued, and paused is a side-state returning to queued.
var validTransitions = map[store.JobStatus][]store.JobStatus{
	store.JobQueued:  {store.JobRunning, store.JobPaused},
	store.JobRunning: {store.JobFinished, store.JobFailed, store.JobPaused},
	store.JobFailed:  {store.JobQueued},
	store.JobPaused:  {store.JobQueued},
}

func transitionAllowed(from, to store.JobStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition loads the job, checks the state machine, and applies a guarded
// update. A guard miss (another writer won) is logged and treated as a
// no-op: last-write against current status is the accepted behavior.
func (m *Manager) transition(ctx context.Context, jobID string, target store.JobStatus, mutate func(*store.JobPatch)) error {
	job, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status == target {
		return nil
	}
	if !transitionAllowed(job.Status, target) {
		return fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, job.Status, target, jobID)
	}
	current := job.Status
	patch := store.JobPatch{
		Status:       &target,
		UpdatedAt:    m.clock.Now(),
		ExpectStatus: &current,
	}
	if mutate != nil {
		mutate(&patch)
	}
	affected, err := m.jobs.UpdateJob(ctx, jobID, patch)
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	if affected == 0 {
		m.logger.Warn("job transition lost race, skipping",
			zap.String("job_id", jobID),
			zap.String("from", string(current)),
			zap.String("to", string(target)))
		return nil
	}
	telemetry.ObserveJobTransition(string(target))
	return nil
}

// resetToQueued reuses an existing row for a fresh crawl cycle.
func (m *Manager) resetToQueued(ctx context.Context, job store.Job, progress store.Progress) error {
	queued := store.JobQueued
	patch := store.JobPatch{
		Status:        &queued,
		Progress:      &progress,
		ClearStarted:  true,
		ClearFinished: true,
		UpdatedAt:     m.clock.Now(),
	}
	if _, err := m.jobs.UpdateJob(ctx, job.ID, patch); err != nil {
		return fmt.Errorf("reset job %s: %w", job.ID, err)
	}
	telemetry.ObserveJobTransition(string(store.JobQueued))
	return nil
}
