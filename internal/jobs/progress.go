package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/glfleet/backend/internal/clock"
	"github.com/glfleet/backend/internal/store"
)

// Tracker merges incremental progress reports into the persisted job row.
// Reports may arrive out of order, so the merge never lets a stale report
// move counters backwards.
type Tracker struct {
	jobs   store.JobStore
	clock  clock.Clock
	logger *zap.Logger
}

// NewTracker builds a Tracker.
func NewTracker(jobs store.JobStore, clk clock.Clock, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{jobs: jobs, clock: clk, logger: logger}
}

// MergeProgress folds an incoming report into the stored blob:
//
//   - processedItems is monotonic, the larger value wins
//   - totalItems is a crawler estimate and is replaced when reported
//   - itemsByType counts are summed per key
//   - timeline entries append, keeping only the newest TimelineCap
//   - stage and error fields are replaced when non-empty
func MergeProgress(existing, incoming store.Progress) store.Progress {
	merged := existing

	if incoming.Stage != "" {
		merged.Stage = incoming.Stage
	}
	if incoming.ProcessedItems > merged.ProcessedItems {
		merged.ProcessedItems = incoming.ProcessedItems
	}
	if incoming.TotalItems > 0 {
		merged.TotalItems = incoming.TotalItems
	}
	if len(incoming.ItemsByType) > 0 {
		if merged.ItemsByType == nil {
			merged.ItemsByType = make(map[string]int64, len(incoming.ItemsByType))
		} else {
			// Copy before mutating so callers holding the old blob are safe.
			copied := make(map[string]int64, len(merged.ItemsByType)+len(incoming.ItemsByType))
			for k, v := range merged.ItemsByType {
				copied[k] = v
			}
			merged.ItemsByType = copied
		}
		for k, v := range incoming.ItemsByType {
			merged.ItemsByType[k] += v
		}
	}
	if len(incoming.Timeline) > 0 {
		timeline := append(append([]store.TimelineEvent{}, merged.Timeline...), incoming.Timeline...)
		if len(timeline) > store.TimelineCap {
			timeline = timeline[len(timeline)-store.TimelineCap:]
		}
		merged.Timeline = timeline
	}
	if incoming.LastError != "" {
		merged.LastError = incoming.LastError
	}
	if incoming.Retryable {
		merged.Retryable = true
	}
	return merged
}

// Apply merges a report into the job identified by jobID and persists the
// result. A non-nil resumeState replaces the stored one verbatim; the
// tracker never inspects it.
func (t *Tracker) Apply(ctx context.Context, jobID string, incoming store.Progress, resumeState json.RawMessage) (store.Progress, error) {
	job, err := t.jobs.GetJob(ctx, jobID)
	if err != nil {
		return store.Progress{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	merged := MergeProgress(job.Progress, incoming)
	patch := store.JobPatch{
		Progress:  &merged,
		UpdatedAt: t.clock.Now(),
	}
	if len(resumeState) > 0 {
		patch.ResumeState = resumeState
	}
	if _, err := t.jobs.UpdateJob(ctx, jobID, patch); err != nil {
		return store.Progress{}, fmt.Errorf("persist progress for %s: %w", jobID, err)
	}
	if pct, ok := merged.Completion(); ok {
		t.logger.Debug("progress applied",
			zap.String("job_id", jobID),
			zap.Int("completion_pct", pct),
			zap.Int64("processed", merged.ProcessedItems),
			zap.Int64("total", merged.TotalItems))
	}
	return merged, nil
}
