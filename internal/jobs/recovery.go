package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/glfleet/backend/internal/clock"
	"github.com/glfleet/backend/internal/store"
	"github.com/glfleet/backend/internal/telemetry"
)

// Recovery defaults.
const (
	DefaultFailedBatchSize = 50
	DefaultStuckBatchSize  = 20
	DefaultStuckThreshold  = 2 * time.Hour

	stuckResetReason = "stuck_job_recovery"
)

// DefaultRetryablePatterns matches error text that indicates a transient
// failure worth retrying automatically.
var DefaultRetryablePatterns = []string{
	"timeout",
	"connection reset",
	"connection refused",
	"rate limit",
	"temporarily unavailable",
	"502",
	"503",
	"504",
}

// RecoveryConfig tunes the sweep sizes and staleness threshold.
type RecoveryConfig struct {
	FailedBatchSize   int
	StuckBatchSize    int
	StuckThreshold    time.Duration
	RetryablePatterns []string
}

func (c *RecoveryConfig) applyDefaults() {
	if c.FailedBatchSize <= 0 {
		c.FailedBatchSize = DefaultFailedBatchSize
	}
	if c.StuckBatchSize <= 0 {
		c.StuckBatchSize = DefaultStuckBatchSize
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = DefaultStuckThreshold
	}
	if len(c.RetryablePatterns) == 0 {
		c.RetryablePatterns = DefaultRetryablePatterns
	}
}

// RecoveryResult summarizes one sweep.
type RecoveryResult struct {
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Recovered      int       `json:"recovered"`
	Skipped        int       `json:"skipped"`
	FailedRecovery int       `json:"failed_recovery"`
	StuckReset     int       `json:"stuck_reset"`
	Errors         []string  `json:"errors,omitempty"`
}

// Recovery re-queues retryably failed jobs and resets jobs stuck in running.
// Individual job failures are counted, never fatal: a sweep always finishes
// and reports what it managed.
type Recovery struct {
	cfg    RecoveryConfig
	jobs   store.JobStore
	tokens store.TokenStore
	clock  clock.Clock
	logger *zap.Logger

	resultMu   sync.Mutex
	lastResult *RecoveryResult
}

// NewRecovery builds a Recovery.
func NewRecovery(cfg RecoveryConfig, jobs store.JobStore, tokens store.TokenStore, clk clock.Clock, logger *zap.Logger) *Recovery {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recovery{cfg: cfg, jobs: jobs, tokens: tokens, clock: clk, logger: logger}
}

// RecoverFailed re-queues up to the batch limit of failed jobs whose error
// text matches a retryable pattern. Jobs whose account no longer has a
// usable token are skipped: re-queueing them would fail again immediately.
func (r *Recovery) RecoverFailed(ctx context.Context, result *RecoveryResult) {
	candidates, err := r.jobs.FindRecoverableFailed(ctx, r.cfg.RetryablePatterns, r.cfg.FailedBatchSize)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list recoverable failed jobs: %v", err))
		return
	}

	// One token lookup per account, not per job.
	tokenOK := make(map[string]bool)
	for _, job := range candidates {
		usable, seen := tokenOK[job.AccountID]
		if !seen {
			_, tokenErr := r.tokens.AccountToken(ctx, job.AccountID)
			usable = tokenErr == nil
			if tokenErr != nil && !errors.Is(tokenErr, store.ErrNotFound) {
				result.Errors = append(result.Errors, fmt.Sprintf("token lookup for account %s: %v", job.AccountID, tokenErr))
			}
			tokenOK[job.AccountID] = usable
		}
		if !usable {
			result.Skipped++
			continue
		}

		if err := r.requeueFailed(ctx, job); err != nil {
			result.FailedRecovery++
			result.Errors = append(result.Errors, fmt.Sprintf("recover job %s: %v", job.ID, err))
			continue
		}
		result.Recovered++
		telemetry.ObserveJobRecovered("failed")
	}
}

// requeueFailed resets one failed job to queued, stamping the recovery
// attempt and clearing the retryable flag so the same failure is not
// recovered twice without a fresh worker report.
func (r *Recovery) requeueFailed(ctx context.Context, job store.Job) error {
	queued := store.JobQueued
	failed := store.JobFailed
	progress := job.Progress
	progress.Retryable = false
	progress.RecoveryAttempt = &store.RecoveryAttempt{
		At:            r.clock.Now(),
		PreviousError: progress.LastError,
	}
	progress.LastError = ""
	patch := store.JobPatch{
		Status:        &queued,
		Progress:      &progress,
		ClearStarted:  true,
		ClearFinished: true,
		UpdatedAt:     r.clock.Now(),
		ExpectStatus:  &failed,
	}
	affected, err := r.jobs.UpdateJob(ctx, job.ID, patch)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("job %s left failed state before recovery", job.ID)
	}
	return nil
}

// ResetStuck re-queues running jobs that have not been touched within the
// staleness threshold, which means their worker died without reporting.
func (r *Recovery) ResetStuck(ctx context.Context, result *RecoveryResult) {
	cutoff := r.clock.Now().Add(-r.cfg.StuckThreshold)
	stuck, err := r.jobs.FindStuckRunning(ctx, cutoff, r.cfg.StuckBatchSize)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list stuck jobs: %v", err))
		return
	}

	for _, job := range stuck {
		queued := store.JobQueued
		running := store.JobRunning
		progress := job.Progress
		progress.ResetReason = stuckResetReason
		patch := store.JobPatch{
			Status:        &queued,
			Progress:      &progress,
			ClearStarted:  true,
			ClearFinished: true,
			UpdatedAt:     r.clock.Now(),
			ExpectStatus:  &running,
		}
		affected, updateErr := r.jobs.UpdateJob(ctx, job.ID, patch)
		if updateErr != nil {
			result.FailedRecovery++
			result.Errors = append(result.Errors, fmt.Sprintf("reset stuck job %s: %v", job.ID, updateErr))
			continue
		}
		if affected == 0 {
			// Worker reported in between the scan and the reset.
			result.Skipped++
			continue
		}
		result.StuckReset++
		telemetry.ObserveJobRecovered("stuck")
	}
}

// RunComprehensive executes both sweeps and records the result. It never
// returns an error: everything that went wrong is inside the result, and a
// panic in either sweep is caught so the schedule survives.
func (r *Recovery) RunComprehensive(ctx context.Context) *RecoveryResult {
	result := &RecoveryResult{StartedAt: r.clock.Now()}

	r.runSweep(ctx, result, "failed", r.RecoverFailed)
	r.runSweep(ctx, result, "stuck", r.ResetStuck)

	result.FinishedAt = r.clock.Now()
	r.resultMu.Lock()
	r.lastResult = result
	r.resultMu.Unlock()
	r.logger.Info("recovery sweep complete",
		zap.Int("recovered", result.Recovered),
		zap.Int("stuck_reset", result.StuckReset),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed_recovery", result.FailedRecovery),
		zap.Int("errors", len(result.Errors)))
	return result
}

func (r *Recovery) runSweep(ctx context.Context, result *RecoveryResult, name string, sweep func(context.Context, *RecoveryResult)) {
	defer func() {
		if rec := recover(); rec != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s sweep panicked: %v", name, rec))
			r.logger.Error("recovery sweep panicked", zap.String("sweep", name), zap.Any("panic", rec))
		}
	}()
	sweep(ctx, result)
}

// LastResult returns the most recent sweep summary, or nil before the first
// run.
func (r *Recovery) LastResult() *RecoveryResult {
	r.resultMu.Lock()
	defer r.resultMu.Unlock()
	return r.lastResult
}
