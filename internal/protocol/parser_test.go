package protocol

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/glfleet/backend/internal/clock"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func testParser() (*Parser, *clock.Fixed) {
	clk := clock.NewFixed(testNow)
	return NewParser(256, clk), clk
}

func frameAt(msgType string, ts time.Time) string {
	return fmt.Sprintf(`{"type":%q,"timestamp":%q,"job_id":"job-123","data":{}}`, msgType, ts.Format(time.RFC3339))
}

func TestParseFrameValid(t *testing.T) {
	t.Parallel()

	p, _ := testParser()
	msg, err := p.ParseFrame([]byte(frameAt("heartbeat", testNow)))
	require.NoError(t, err)
	require.Equal(t, TypeHeartbeat, msg.Type)
	require.Equal(t, "job-123", msg.JobID)
	require.True(t, msg.Timestamp.Equal(testNow))
	require.Positive(t, msg.WireSize)
}

func TestParseFrameErrors(t *testing.T) {
	t.Parallel()

	p, _ := testParser()

	tests := []struct {
		name       string
		frame      string
		wantParse  bool
		wantReason string
	}{
		{
			name:      "oversized frame",
			frame:     `{"type":"heartbeat","junk":"` + strings.Repeat("x", 300) + `"}`,
			wantParse: true,
		},
		{
			name:      "malformed json",
			frame:     `{"type":`,
			wantParse: true,
		},
		{
			name:       "missing type",
			frame:      fmt.Sprintf(`{"timestamp":%q}`, testNow.Format(time.RFC3339)),
			wantReason: "type is required",
		},
		{
			name:       "missing timestamp",
			frame:      `{"type":"heartbeat"}`,
			wantReason: "timestamp is required",
		},
		{
			name:       "non-RFC3339 timestamp",
			frame:      `{"type":"heartbeat","timestamp":"yesterday"}`,
			wantReason: "not RFC3339",
		},
		{
			name:       "stale timestamp",
			frame:      frameAt("heartbeat", testNow.Add(-25*time.Hour)),
			wantReason: "older than 24h",
		},
		{
			name:       "future timestamp",
			frame:      frameAt("heartbeat", testNow.Add(10*time.Minute)),
			wantReason: "in the future",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := p.ParseFrame([]byte(tc.frame))
			require.Error(t, err)
			var pErr *ParseError
			var vErr *ValidationError
			if tc.wantParse {
				require.ErrorAs(t, err, &pErr)
			} else {
				require.ErrorAs(t, err, &vErr)
				require.Contains(t, vErr.Reason, tc.wantReason)
			}
		})
	}
}

func TestParseFrameBoundaryTimestamps(t *testing.T) {
	t.Parallel()

	p, _ := testParser()
	_, err := p.ParseFrame([]byte(frameAt("heartbeat", testNow.Add(-23*time.Hour))))
	require.NoError(t, err)
	_, err = p.ParseFrame([]byte(frameAt("heartbeat", testNow.Add(4*time.Minute))))
	require.NoError(t, err)
}

func TestParseFramesPartialBatch(t *testing.T) {
	t.Parallel()

	p, _ := testParser()
	frames := [][]byte{
		[]byte(frameAt("heartbeat", testNow)),
		[]byte(`not json`),
		[]byte(frameAt("job_started", testNow)),
	}
	msgs, err := p.ParseFrames(frames)
	require.Error(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, TypeHeartbeat, msgs[0].Type)
	require.Equal(t, TypeJobStarted, msgs[1].Type)
	require.Contains(t, err.Error(), "frame 1")
}
