package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/glfleet/backend/internal/clock"
	"github.com/glfleet/backend/internal/storage/memory"
	"github.com/glfleet/backend/internal/store"
)

func TestMergeProgressCounters(t *testing.T) {
	t.Parallel()

	existing := store.Progress{
		Stage:          "crawling_issues",
		ProcessedItems: 40,
		TotalItems:     100,
		ItemsByType:    map[string]int64{"issues": 40},
	}
	incoming := store.Progress{
		Stage:          "crawling_labels",
		ProcessedItems: 55,
		TotalItems:     120,
		ItemsByType:    map[string]int64{"issues": 10, "labels": 5},
	}

	merged := MergeProgress(existing, incoming)
	require.Equal(t, "crawling_labels", merged.Stage)
	require.Equal(t, int64(55), merged.ProcessedItems)
	require.Equal(t, int64(120), merged.TotalItems)
	require.Equal(t, int64(50), merged.ItemsByType["issues"])
	require.Equal(t, int64(5), merged.ItemsByType["labels"])

	// The existing blob is never mutated by the merge.
	require.Equal(t, int64(40), existing.ItemsByType["issues"])
}

func TestMergeProgressStaleReportNeverRegresses(t *testing.T) {
	t.Parallel()

	existing := store.Progress{Stage: "crawling_issues", ProcessedItems: 80, TotalItems: 100}
	stale := store.Progress{ProcessedItems: 30}

	merged := MergeProgress(existing, stale)
	require.Equal(t, int64(80), merged.ProcessedItems)
	require.Equal(t, int64(100), merged.TotalItems)
	require.Equal(t, "crawling_issues", merged.Stage)
}

func TestMergeProgressErrorFields(t *testing.T) {
	t.Parallel()

	merged := MergeProgress(
		store.Progress{LastError: "old error", Retryable: true},
		store.Progress{},
	)
	require.Equal(t, "old error", merged.LastError)
	require.True(t, merged.Retryable)

	merged = MergeProgress(merged, store.Progress{LastError: "new error"})
	require.Equal(t, "new error", merged.LastError)
}

func TestMergeProgressTimelineCap(t *testing.T) {
	t.Parallel()

	var existing store.Progress
	for i := 0; i < store.TimelineCap-1; i++ {
		existing.Timeline = append(existing.Timeline, store.TimelineEvent{
			At:    testNow.Add(time.Duration(i) * time.Minute),
			Stage: fmt.Sprintf("stage-%d", i),
		})
	}
	incoming := store.Progress{Timeline: []store.TimelineEvent{
		{At: testNow.Add(time.Hour), Stage: "newest-1"},
		{At: testNow.Add(2 * time.Hour), Stage: "newest-2"},
	}}

	merged := MergeProgress(existing, incoming)
	require.Len(t, merged.Timeline, store.TimelineCap)
	// The oldest entry fell off; the newest two are at the tail.
	require.Equal(t, "stage-1", merged.Timeline[0].Stage)
	require.Equal(t, "newest-2", merged.Timeline[len(merged.Timeline)-1].Stage)
}

func TestTrackerApply(t *testing.T) {
	t.Parallel()

	clk := clock.NewFixed(testNow)
	st := memory.NewStore()
	m := NewManager(ManagerConfig{}, st, st, clk, zap.NewNop())
	tracker := NewTracker(st, clk, zap.NewNop())
	ctx := context.Background()

	job, err := m.CreateJob(ctx, m.NewJob(store.CommandIssues, "acct-1", nil, nil, nil))
	require.NoError(t, err)

	clk.Advance(time.Minute)
	resume := json.RawMessage(`{"cursor":"abc"}`)
	merged, err := tracker.Apply(ctx, job.ID, store.Progress{
		Stage:          "crawling_issues",
		ProcessedItems: 10,
		TotalItems:     40,
	}, resume)
	require.NoError(t, err)
	require.Equal(t, int64(10), merged.ProcessedItems)

	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "crawling_issues", stored.Progress.Stage)
	require.JSONEq(t, `{"cursor":"abc"}`, string(stored.ResumeState))
	require.True(t, stored.UpdatedAt.Equal(clk.Now()))

	// A later report without resume state keeps the stored one.
	merged, err = tracker.Apply(ctx, job.ID, store.Progress{ProcessedItems: 20}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(20), merged.ProcessedItems)
	require.Equal(t, int64(40), merged.TotalItems)

	stored, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"cursor":"abc"}`, string(stored.ResumeState))
}

func TestTrackerApplyUnknownJob(t *testing.T) {
	t.Parallel()

	clk := clock.NewFixed(testNow)
	st := memory.NewStore()
	tracker := NewTracker(st, clk, zap.NewNop())

	_, err := tracker.Apply(context.Background(), "missing", store.Progress{}, nil)
	require.ErrorIs(t, err, store.ErrNotFound)
}
