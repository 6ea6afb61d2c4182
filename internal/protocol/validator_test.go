package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/glfleet/backend/internal/clock"
)

func testValidator(t *testing.T) (*Validator, *clock.Fixed) {
	t.Helper()
	clk := clock.NewFixed(testNow)
	return NewValidator(ValidatorConfig{
		MaxMessageBytes:      4096,
		HeartbeatMinInterval: time.Second,
	}, clk), clk
}

func mustMessage(t *testing.T, msgType Type, jobID string, data any) Message {
	t.Helper()
	msg, err := NewMessage(msgType, testNow, jobID, data)
	require.NoError(t, err)
	return msg
}

func TestValidateHeartbeat(t *testing.T) {
	t.Parallel()

	v, _ := testValidator(t)
	msg := mustMessage(t, TypeHeartbeat, "", HeartbeatData{
		CrawlerID:    "crawler-1",
		SystemStatus: "idle",
		ActiveJobs:   2,
	})
	require.NoError(t, v.Validate("conn-1", msg))
}

func TestValidateHeartbeatRejectsBadStatus(t *testing.T) {
	t.Parallel()

	v, _ := testValidator(t)
	msg := mustMessage(t, TypeHeartbeat, "", HeartbeatData{SystemStatus: "sleeping"})
	var vErr *ValidationError
	require.ErrorAs(t, v.Validate("conn-1", msg), &vErr)
}

func TestValidateHeartbeatRateLimit(t *testing.T) {
	t.Parallel()

	v, clk := testValidator(t)
	msg := mustMessage(t, TypeHeartbeat, "", HeartbeatData{SystemStatus: "idle"})

	require.NoError(t, v.Validate("conn-1", msg))

	// A second heartbeat 200ms later is too frequent.
	clk.Advance(200 * time.Millisecond)
	var vErr *ValidationError
	require.ErrorAs(t, v.Validate("conn-1", msg), &vErr)
	require.Contains(t, vErr.Reason, "too frequent")

	// Other connections have independent budgets.
	require.NoError(t, v.Validate("conn-2", msg))

	clk.Advance(time.Second)
	require.NoError(t, v.Validate("conn-1", msg))
}

func TestForgetConnectionResetsRateLimit(t *testing.T) {
	t.Parallel()

	v, _ := testValidator(t)
	msg := mustMessage(t, TypeHeartbeat, "", HeartbeatData{SystemStatus: "idle"})
	require.NoError(t, v.Validate("conn-1", msg))
	require.Error(t, v.Validate("conn-1", msg))

	v.ForgetConnection("conn-1")
	require.NoError(t, v.Validate("conn-1", msg))
}

func TestValidateJobProgress(t *testing.T) {
	t.Parallel()

	v, _ := testValidator(t)

	tests := []struct {
		name    string
		jobID   string
		data    JobProgressData
		wantErr string
	}{
		{
			name:  "valid",
			jobID: "job-1",
			data: JobProgressData{
				OverallCompletion: 0.5,
				Entities: map[string]EntityProgress{
					"issues": {TotalDiscovered: 10, TotalProcessed: 5},
				},
			},
		},
		{
			name:    "completion above one",
			jobID:   "job-1",
			data:    JobProgressData{OverallCompletion: 1.5},
			wantErr: "OverallCompletion",
		},
		{
			name:    "completion below zero",
			jobID:   "job-1",
			data:    JobProgressData{OverallCompletion: -0.1},
			wantErr: "OverallCompletion",
		},
		{
			name:  "processed exceeds discovered",
			jobID: "job-1",
			data: JobProgressData{
				Entities: map[string]EntityProgress{
					"issues": {TotalDiscovered: 5, TotalProcessed: 10},
				},
			},
			wantErr: "total_processed",
		},
		{
			name:    "short job id",
			jobID:   "ab",
			data:    JobProgressData{},
			wantErr: "job_id",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			msg := mustMessage(t, TypeJobProgress, tc.jobID, tc.data)
			err := v.Validate("conn-1", msg)
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			require.Contains(t, vErr.Reason, tc.wantErr)
		})
	}
}

func TestValidateRejectsUnknownType(t *testing.T) {
	t.Parallel()

	v, _ := testValidator(t)
	msg := Message{Type: "telemetry_blob", Timestamp: testNow}
	var vErr *ValidationError
	require.ErrorAs(t, v.Validate("conn-1", msg), &vErr)
	require.Contains(t, vErr.Reason, "unknown message type")
}

func TestValidateSizeLimit(t *testing.T) {
	t.Parallel()

	clk := clock.NewFixed(testNow)
	v := NewValidator(ValidatorConfig{MaxMessageBytes: 64, HeartbeatMinInterval: time.Second}, clk)
	msg := mustMessage(t, TypeJobStarted, "job-1", JobStartedData{CrawlerID: "crawler-1"})
	msg.WireSize = 100
	var vErr *ValidationError
	require.ErrorAs(t, v.Validate("conn-1", msg), &vErr)
	require.Contains(t, vErr.Reason, "exceeds maximum")
}

func TestValidateOutboundJobAssignment(t *testing.T) {
	t.Parallel()

	v, _ := testValidator(t)

	valid := JobAssignmentData{
		Command:     "issues",
		AccessToken: "glpat-0123456789",
		GitLabHost:  "https://gitlab.example.com",
	}
	require.NoError(t, v.ValidateOutbound(mustMessage(t, TypeJobAssignment, "job-1", valid)))

	shortToken := valid
	shortToken.AccessToken = "short"
	require.Error(t, v.ValidateOutbound(mustMessage(t, TypeJobAssignment, "job-1", shortToken)))

	badHost := valid
	badHost.GitLabHost = "not a url"
	require.Error(t, v.ValidateOutbound(mustMessage(t, TypeJobAssignment, "job-1", badHost)))
}

func TestValidateOutboundTokenRefreshResponse(t *testing.T) {
	t.Parallel()

	v, _ := testValidator(t)

	ok := mustMessage(t, TypeTokenRefreshResponse, "job-1", TokenRefreshResponseData{
		RefreshSuccessful: true,
		AccessToken:       "glpat-0123456789",
	})
	require.NoError(t, v.ValidateOutbound(ok))

	missing := mustMessage(t, TypeTokenRefreshResponse, "job-1", TokenRefreshResponseData{
		RefreshSuccessful: true,
	})
	var vErr *ValidationError
	require.ErrorAs(t, v.ValidateOutbound(missing), &vErr)

	failed := mustMessage(t, TypeTokenRefreshResponse, "job-1", TokenRefreshResponseData{
		RefreshSuccessful: false,
	})
	require.NoError(t, v.ValidateOutbound(failed))
}

func TestValidateOutboundShutdown(t *testing.T) {
	t.Parallel()

	v, _ := testValidator(t)
	timeout := 30
	msg := mustMessage(t, TypeShutdown, "", ShutdownData{TimeoutSeconds: &timeout, Reason: "deploy"})
	require.NoError(t, v.ValidateOutbound(msg))

	negative := -1
	msg = mustMessage(t, TypeShutdown, "", ShutdownData{TimeoutSeconds: &negative})
	require.Error(t, v.ValidateOutbound(msg))
}

func TestValidateTokenRefreshRequestNeedsJobID(t *testing.T) {
	t.Parallel()

	v, _ := testValidator(t)
	msg := Message{Type: TypeTokenRefreshRequest, Timestamp: testNow, Data: json.RawMessage(`{}`)}
	require.Error(t, v.Validate("conn-1", msg))
	msg.JobID = "job-1"
	require.NoError(t, v.Validate("conn-1", msg))
}
