package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/glfleet/backend/internal/clock"
	"github.com/glfleet/backend/internal/storage/memory"
	"github.com/glfleet/backend/internal/store"
)

func testRecovery(t *testing.T) (*Recovery, *memory.Store, *clock.Fixed) {
	t.Helper()
	clk := clock.NewFixed(testNow)
	st := memory.NewStore()
	r := NewRecovery(RecoveryConfig{}, st, st, clk, zap.NewNop())
	return r, st, clk
}

func seedFailedJob(t *testing.T, st *memory.Store, id, accountID string, progress store.Progress) {
	t.Helper()
	require.NoError(t, st.CreateJob(context.Background(), store.Job{
		ID:        id,
		Status:    store.JobFailed,
		Command:   store.CommandIssues,
		FullPath:  &id,
		AccountID: accountID,
		CreatedAt: testNow,
		UpdatedAt: testNow,
		Progress:  progress,
	}))
}

func TestRecoverFailedRequeues(t *testing.T) {
	t.Parallel()

	r, st, clk := testRecovery(t)
	ctx := context.Background()
	st.SetToken("acct-1", "glpat-0123456789")

	seedFailedJob(t, st, "job-retryable", "acct-1", store.Progress{
		Retryable: true,
		LastError: "worker crashed",
	})
	seedFailedJob(t, st, "job-pattern", "acct-1", store.Progress{
		LastError: "upstream returned 503",
	})
	seedFailedJob(t, st, "job-permanent", "acct-1", store.Progress{
		LastError: "project not found",
	})

	clk.Advance(time.Hour)
	result := &RecoveryResult{}
	r.RecoverFailed(ctx, result)
	require.Equal(t, 2, result.Recovered)
	require.Zero(t, result.Skipped)
	require.Zero(t, result.FailedRecovery)
	require.Empty(t, result.Errors)

	recovered, err := st.GetJob(ctx, "job-retryable")
	require.NoError(t, err)
	require.Equal(t, store.JobQueued, recovered.Status)
	require.False(t, recovered.Progress.Retryable)
	require.Empty(t, recovered.Progress.LastError)
	require.NotNil(t, recovered.Progress.RecoveryAttempt)
	require.Equal(t, "worker crashed", recovered.Progress.RecoveryAttempt.PreviousError)
	require.True(t, recovered.Progress.RecoveryAttempt.At.Equal(clk.Now()))

	permanent, err := st.GetJob(ctx, "job-permanent")
	require.NoError(t, err)
	require.Equal(t, store.JobFailed, permanent.Status)

	// The cleared retryable flag keeps a second sweep from touching it.
	second := &RecoveryResult{}
	r.RecoverFailed(ctx, second)
	require.Zero(t, second.Recovered)
}

func TestRecoverFailedSkipsAccountsWithoutToken(t *testing.T) {
	t.Parallel()

	r, st, _ := testRecovery(t)
	ctx := context.Background()

	seedFailedJob(t, st, "job-1", "acct-no-token", store.Progress{Retryable: true})
	seedFailedJob(t, st, "job-2", "acct-no-token", store.Progress{Retryable: true})

	result := &RecoveryResult{}
	r.RecoverFailed(ctx, result)
	require.Zero(t, result.Recovered)
	require.Equal(t, 2, result.Skipped)

	job, err := st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, store.JobFailed, job.Status)
}

func TestResetStuck(t *testing.T) {
	t.Parallel()

	r, st, clk := testRecovery(t)
	ctx := context.Background()

	path := "acme/widget"
	require.NoError(t, st.CreateJob(ctx, store.Job{
		ID:        "job-stuck",
		Status:    store.JobRunning,
		Command:   store.CommandIssues,
		FullPath:  &path,
		AccountID: "acct-1",
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}))
	fresh := "acme/other"
	require.NoError(t, st.CreateJob(ctx, store.Job{
		ID:        "job-fresh",
		Status:    store.JobRunning,
		Command:   store.CommandIssues,
		FullPath:  &fresh,
		AccountID: "acct-1",
		CreatedAt: testNow,
		UpdatedAt: testNow.Add(3 * time.Hour),
	}))

	clk.Advance(4 * time.Hour)
	result := &RecoveryResult{}
	r.ResetStuck(ctx, result)
	require.Equal(t, 1, result.StuckReset)
	require.Zero(t, result.Skipped)

	stuck, err := st.GetJob(ctx, "job-stuck")
	require.NoError(t, err)
	require.Equal(t, store.JobQueued, stuck.Status)
	require.Equal(t, "stuck_job_recovery", stuck.Progress.ResetReason)
	require.Nil(t, stuck.StartedAt)

	untouched, err := st.GetJob(ctx, "job-fresh")
	require.NoError(t, err)
	require.Equal(t, store.JobRunning, untouched.Status)
}

func TestRunComprehensive(t *testing.T) {
	t.Parallel()

	r, st, clk := testRecovery(t)
	ctx := context.Background()
	st.SetToken("acct-1", "glpat-0123456789")
	seedFailedJob(t, st, "job-1", "acct-1", store.Progress{Retryable: true})

	require.Nil(t, r.LastResult())
	clk.Advance(time.Minute)
	result := r.RunComprehensive(ctx)
	require.Equal(t, 1, result.Recovered)
	require.True(t, result.StartedAt.Equal(clk.Now()))
	require.Same(t, result, r.LastResult())
}

type panickingJobStore struct {
	*memory.Store
}

func (p panickingJobStore) FindRecoverableFailed(context.Context, []string, int) ([]store.Job, error) {
	panic("store exploded")
}

func TestRunComprehensiveSurvivesPanic(t *testing.T) {
	t.Parallel()

	clk := clock.NewFixed(testNow)
	st := memory.NewStore()
	r := NewRecovery(RecoveryConfig{}, panickingJobStore{st}, st, clk, zap.NewNop())

	result := r.RunComprehensive(context.Background())
	require.Len(t, result.Errors, 1)
	require.Contains(t, result.Errors[0], "failed sweep panicked")
	// The stuck sweep still ran after the failed sweep blew up.
	require.Zero(t, result.StuckReset)
	require.NotNil(t, r.LastResult())
}
