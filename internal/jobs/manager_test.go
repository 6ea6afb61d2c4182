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

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func testManager(t *testing.T) (*Manager, *memory.Store, *clock.Fixed) {
	t.Helper()
	clk := clock.NewFixed(testNow)
	st := memory.NewStore()
	return NewManager(ManagerConfig{}, st, st, clk, zap.NewNop()), st, clk
}

func TestEnsureDiscoveryJobCreates(t *testing.T) {
	t.Parallel()

	m, _, _ := testManager(t)
	ctx := context.Background()

	job, scheduled, err := m.EnsureDiscoveryJob(ctx, "acct-1")
	require.NoError(t, err)
	require.True(t, scheduled)
	require.Equal(t, store.CommandGroupDiscovery, job.Command)
	require.Equal(t, store.JobQueued, job.Status)
	require.Nil(t, job.FullPath)

	// An open discovery job is returned as-is, never duplicated.
	again, scheduled, err := m.EnsureDiscoveryJob(ctx, "acct-1")
	require.NoError(t, err)
	require.False(t, scheduled)
	require.Equal(t, job.ID, again.ID)
}

func TestEnsureDiscoveryJobCooldown(t *testing.T) {
	t.Parallel()

	m, st, clk := testManager(t)
	ctx := context.Background()

	job, _, err := m.EnsureDiscoveryJob(ctx, "acct-1")
	require.NoError(t, err)
	require.NoError(t, m.MarkRunning(ctx, job.ID, clk.Now()))
	require.NoError(t, m.MarkFinished(ctx, job.ID, clk.Now(), &store.Progress{}, nil))

	// Finished an hour ago: inside the cooldown, nothing scheduled.
	clk.Advance(time.Hour)
	same, scheduled, err := m.EnsureDiscoveryJob(ctx, "acct-1")
	require.NoError(t, err)
	require.False(t, scheduled)
	require.Equal(t, job.ID, same.ID)

	// Past the cooldown the existing row is reset, not duplicated.
	clk.Advance(48 * time.Hour)
	reset, scheduled, err := m.EnsureDiscoveryJob(ctx, "acct-1")
	require.NoError(t, err)
	require.True(t, scheduled)
	require.Equal(t, job.ID, reset.ID)
	require.Equal(t, store.JobQueued, reset.Status)

	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobQueued, stored.Status)
	require.Nil(t, stored.StartedAt)
	require.Nil(t, stored.FinishedAt)
}

func discoveryParent(t *testing.T, m *Manager, st *memory.Store, accountID string) store.Job {
	t.Helper()
	parent := m.NewJob(store.CommandGroupDiscovery, accountID, nil, nil, nil)
	require.NoError(t, st.CreateJob(context.Background(), parent))
	return parent
}

func TestHandleDiscoveryCompletedFanOut(t *testing.T) {
	t.Parallel()

	m, st, _ := testManager(t)
	ctx := context.Background()
	parent := discoveryParent(t, m, st, "acct-1")

	discovered := []store.Area{
		{FullPath: "acme", GitLabID: 1, Name: "acme", Type: store.AreaGroup},
		{FullPath: "acme/widget", GitLabID: 2, Name: "widget", Type: store.AreaProject},
	}

	result := m.HandleDiscoveryCompleted(ctx, parent, discovered)
	require.Empty(t, result.Incidents)
	require.Equal(t, int64(2), result.AreasUpserted)
	// 4 group commands + 6 project commands + 3 account-global commands.
	require.Equal(t, 13, result.JobsCreated)
	require.Zero(t, result.JobsReset)

	epics, err := st.FindJobByPath(ctx, "acme", nil, store.CommandEpics)
	require.NoError(t, err)
	require.Equal(t, store.JobQueued, epics.Status)
	require.Equal(t, "acct-1", epics.AccountID)
	require.NotNil(t, epics.SpawnedFrom)
	require.Equal(t, parent.ID, *epics.SpawnedFrom)

	commits, err := st.FindJobByPath(ctx, "acme/widget", nil, store.CommandCommits)
	require.NoError(t, err)
	require.Equal(t, store.JobQueued, commits.Status)

	users, err := st.FindAccountJob(ctx, "acct-1", store.CommandUsers)
	require.NoError(t, err)
	require.Nil(t, users.FullPath)

	// The fan-out is idempotent: a repeat completion changes nothing.
	again := m.HandleDiscoveryCompleted(ctx, parent, discovered)
	require.Empty(t, again.Incidents)
	require.Zero(t, again.AreasUpserted)
	require.Zero(t, again.JobsCreated)
	require.Zero(t, again.JobsReset)
}

func TestHandleDiscoveryCompletedResetsTerminalJobs(t *testing.T) {
	t.Parallel()

	m, st, clk := testManager(t)
	ctx := context.Background()
	parent := discoveryParent(t, m, st, "acct-1")
	discovered := []store.Area{{FullPath: "acme", GitLabID: 1, Name: "acme", Type: store.AreaGroup}}

	m.HandleDiscoveryCompleted(ctx, parent, discovered)

	epics, err := st.FindJobByPath(ctx, "acme", nil, store.CommandEpics)
	require.NoError(t, err)
	require.NoError(t, m.MarkRunning(ctx, epics.ID, clk.Now()))
	require.NoError(t, m.MarkFinished(ctx, epics.ID, clk.Now(), &store.Progress{}, nil))

	users, err := st.FindAccountJob(ctx, "acct-1", store.CommandUsers)
	require.NoError(t, err)
	require.NoError(t, m.MarkRunning(ctx, users.ID, clk.Now()))
	require.NoError(t, m.MarkFailed(ctx, users.ID, clk.Now(), "boom", false, nil, nil))

	result := m.HandleDiscoveryCompleted(ctx, parent, discovered)
	require.Empty(t, result.Incidents)
	require.Zero(t, result.JobsCreated)
	// The finished path job and the failed global job both restart.
	require.Equal(t, 2, result.JobsReset)

	epics, err = st.GetJob(ctx, epics.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobQueued, epics.Status)
	require.Nil(t, epics.FinishedAt)

	users, err = st.GetJob(ctx, users.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobQueued, users.Status)
}

func TestHandleDiscoveryCompletedLeavesFinishedGlobalJobs(t *testing.T) {
	t.Parallel()

	m, st, clk := testManager(t)
	ctx := context.Background()
	parent := discoveryParent(t, m, st, "acct-1")

	m.HandleDiscoveryCompleted(ctx, parent, nil)
	users, err := st.FindAccountJob(ctx, "acct-1", store.CommandUsers)
	require.NoError(t, err)
	require.NoError(t, m.MarkRunning(ctx, users.ID, clk.Now()))
	require.NoError(t, m.MarkFinished(ctx, users.ID, clk.Now(), &store.Progress{}, nil))

	result := m.HandleDiscoveryCompleted(ctx, parent, nil)
	require.Zero(t, result.JobsReset)

	users, err = st.GetJob(ctx, users.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobFinished, users.Status)
}

func TestTransitionStateMachine(t *testing.T) {
	t.Parallel()

	m, st, clk := testManager(t)
	ctx := context.Background()

	job, err := m.CreateJob(ctx, m.NewJob(store.CommandIssues, "acct-1", nil, nil, nil))
	require.NoError(t, err)

	// queued -> finished skips running and is rejected.
	err = m.MarkFinished(ctx, job.ID, clk.Now(), nil, nil)
	require.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, m.MarkRunning(ctx, job.ID, clk.Now()))
	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobRunning, stored.Status)
	require.NotNil(t, stored.StartedAt)

	// Transition to the current status is a no-op, not an error.
	require.NoError(t, m.MarkRunning(ctx, job.ID, clk.Now()))

	require.NoError(t, m.Pause(ctx, job.ID))
	require.NoError(t, m.Resume(ctx, job.ID))
	stored, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobQueued, stored.Status)

	require.NoError(t, m.MarkRunning(ctx, job.ID, clk.Now()))
	require.NoError(t, m.MarkFailed(ctx, job.ID, clk.Now(), "rate limit hit", true, nil, nil))
	stored, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobFailed, stored.Status)
	require.Equal(t, "rate limit hit", stored.Progress.LastError)
	require.True(t, stored.Progress.Retryable)
	require.NotNil(t, stored.FinishedAt)

	require.ErrorIs(t, m.MarkRunning(ctx, job.ID, clk.Now()), ErrInvalidTransition)
}

func TestTransitionUnknownJob(t *testing.T) {
	t.Parallel()

	m, _, clk := testManager(t)
	err := m.MarkRunning(context.Background(), "missing", clk.Now())
	require.ErrorIs(t, err, store.ErrNotFound)
}
