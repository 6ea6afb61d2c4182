package protocol

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/glfleet/backend/internal/clock"
)

type collectSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (s *collectSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

func (s *collectSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *collectSink) byKind(kind EventKind) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, evt := range s.events {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

type stubSender struct {
	mu     sync.Mutex
	frames map[string][][]byte
	err    error
}

func (s *stubSender) Send(_ context.Context, connID string, frame []byte) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frames == nil {
		s.frames = make(map[string][][]byte)
	}
	s.frames[connID] = append(s.frames[connID], append([]byte(nil), frame...))
	return nil
}

func newTestHandler(t *testing.T, sink Sink, sender Sender) (*Handler, *Hub) {
	t.Helper()
	clk := clock.NewFixed(testNow)
	hub := NewHub(HubConfig{Logger: zap.NewNop()}, sink)
	h := NewHandler(HandlerConfig{
		FrameCapacity:        1024,
		MaxFrameBytes:        512,
		MaxMessageBytes:      4096,
		HeartbeatMinInterval: time.Second,
	}, hub, sender, clk, zap.NewNop())
	return h, hub
}

func heartbeatFrame(crawlerID string) []byte {
	return []byte(fmt.Sprintf(
		`{"type":"heartbeat","timestamp":%q,"data":{"crawler_id":%q,"system_status":"idle","active_jobs":1}}`+"\n",
		testNow.Format(time.RFC3339), crawlerID))
}

func jobStartedFrame(jobID string) []byte {
	return []byte(fmt.Sprintf(
		`{"type":"job_started","timestamp":%q,"job_id":%q,"data":{"crawler_id":"crawler-1"}}`+"\n",
		testNow.Format(time.RFC3339), jobID))
}

func TestHandlerRoutesValidMessages(t *testing.T) {
	t.Parallel()

	sink := &collectSink{}
	h, hub := newTestHandler(t, sink, nil)
	ctx := context.Background()

	h.Register("conn-1")
	require.NoError(t, h.ProcessIncomingData(ctx, "conn-1", heartbeatFrame("crawler-1")))
	require.NoError(t, h.ProcessIncomingData(ctx, "conn-1", jobStartedFrame("job-1")))

	info, ok := h.Connection("conn-1")
	require.True(t, ok)
	require.True(t, info.Authenticated)
	require.Equal(t, "crawler-1", info.CrawlerID)
	require.Equal(t, "idle", info.SystemStatus)
	require.Equal(t, 1, info.ActiveJobs)
	require.True(t, info.LastHeartbeat.Equal(testNow))
	require.True(t, info.LastActivity.Equal(testNow))
	require.False(t, info.Flagged)

	stats := h.Stats()
	require.Equal(t, int64(2), stats.Processed)
	require.Equal(t, int64(2), stats.Routed)
	require.Equal(t, 1.0, stats.SuccessRate)

	require.NoError(t, hub.Close(ctx))
	routed := sink.byKind(EventMessageRouted)
	require.Len(t, routed, 2)
	require.Equal(t, TypeHeartbeat, routed[0].Message.Type)
	require.Equal(t, TypeJobStarted, routed[1].Message.Type)
	require.True(t, sink.closed)
}

func TestHandlerRejectsUnauthenticatedJobMessages(t *testing.T) {
	t.Parallel()

	sink := &collectSink{}
	h, hub := newTestHandler(t, sink, nil)
	ctx := context.Background()

	h.Register("conn-1")
	err := h.ProcessIncomingData(ctx, "conn-1", jobStartedFrame("job-1"))
	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)

	info, ok := h.Connection("conn-1")
	require.True(t, ok)
	require.True(t, info.Flagged)

	stats := h.Stats()
	require.Equal(t, int64(1), stats.Processed)
	require.Equal(t, int64(0), stats.Routed)
	require.Equal(t, int64(1), stats.AuthErrors)

	require.NoError(t, hub.Close(ctx))
	require.Len(t, sink.byKind(EventValidationError), 1)
}

func TestHandlerSplitsChunksAcrossFrames(t *testing.T) {
	t.Parallel()

	sink := &collectSink{}
	h, hub := newTestHandler(t, sink, nil)
	ctx := context.Background()

	h.Register("conn-1")
	frame := heartbeatFrame("crawler-1")
	require.NoError(t, h.ProcessIncomingData(ctx, "conn-1", frame[:10]))
	require.Equal(t, int64(0), h.Stats().Processed)
	require.NoError(t, h.ProcessIncomingData(ctx, "conn-1", frame[10:]))
	require.Equal(t, int64(1), h.Stats().Routed)

	require.NoError(t, hub.Close(ctx))
}

func TestHandlerUnknownConnection(t *testing.T) {
	t.Parallel()

	h, hub := newTestHandler(t, &collectSink{}, nil)
	ctx := context.Background()

	err := h.ProcessIncomingData(ctx, "ghost", []byte("{}\n"))
	require.ErrorIs(t, err, ErrUnknownConnection)
	_, err = h.ForceFlush(ctx, "ghost")
	require.ErrorIs(t, err, ErrUnknownConnection)
	pressured, _ := h.Backpressure("ghost")
	require.False(t, pressured)

	require.NoError(t, hub.Close(ctx))
}

func TestHandlerOverflowAndForceFlush(t *testing.T) {
	t.Parallel()

	sink := &collectSink{}
	clk := clock.NewFixed(testNow)
	hub := NewHub(HubConfig{Logger: zap.NewNop()}, sink)
	h := NewHandler(HandlerConfig{
		FrameCapacity:        160,
		MaxFrameBytes:        512,
		MaxMessageBytes:      4096,
		HeartbeatMinInterval: time.Second,
	}, hub, nil, clk, zap.NewNop())
	ctx := context.Background()

	h.Register("conn-1")
	frame := heartbeatFrame("crawler-1")
	partial := frame[:len(frame)-1] // withhold the delimiter so the buffer fills

	require.NoError(t, h.ProcessIncomingData(ctx, "conn-1", partial))
	err := h.ProcessIncomingData(ctx, "conn-1", partial)
	var frameErr *FrameError
	require.ErrorAs(t, err, &frameErr)
	require.ErrorIs(t, err, ErrBufferOverflow)

	pressured, delay := h.Backpressure("conn-1")
	require.True(t, pressured)
	require.Positive(t, delay)

	// The buffered partial is a complete message, so the flush salvages it.
	salvaged, err := h.ForceFlush(ctx, "conn-1")
	require.NoError(t, err)
	require.Equal(t, 1, salvaged)
	require.Equal(t, int64(1), h.Stats().Routed)

	require.NoError(t, hub.Close(ctx))
	require.Len(t, sink.byKind(EventProcessingError), 1)
	require.Len(t, sink.byKind(EventMessageRouted), 1)
}

func TestHandlerSendMessage(t *testing.T) {
	t.Parallel()

	sink := &collectSink{}
	sender := &stubSender{}
	h, hub := newTestHandler(t, sink, sender)
	ctx := context.Background()

	h.Register("conn-1")
	msg := mustMessage(t, TypeTokenRefreshResponse, "job-1", TokenRefreshResponseData{
		RefreshSuccessful: true,
		AccessToken:       "glpat-0123456789",
	})
	require.NoError(t, h.SendMessage(ctx, "conn-1", msg))

	frames := sender.frames["conn-1"]
	require.Len(t, frames, 1)
	require.Equal(t, byte('\n'), frames[0][len(frames[0])-1])
	require.Equal(t, int64(1), h.Stats().Sent)

	// Outbound validation failures never reach the transport.
	bad := mustMessage(t, TypeTokenRefreshResponse, "job-1", TokenRefreshResponseData{RefreshSuccessful: true})
	require.Error(t, h.SendMessage(ctx, "conn-1", bad))
	require.Len(t, sender.frames["conn-1"], 1)
	require.Equal(t, int64(1), h.Stats().SendErrors)

	require.ErrorIs(t, h.SendMessage(ctx, "ghost", msg), ErrUnknownConnection)

	require.NoError(t, hub.Close(ctx))
	require.Len(t, sink.byKind(EventMessageSent), 1)
	require.Len(t, sink.byKind(EventSendError), 1)
}

func TestHandlerDeregister(t *testing.T) {
	t.Parallel()

	h, hub := newTestHandler(t, &collectSink{}, nil)
	ctx := context.Background()

	h.Register("conn-1")
	h.Register("conn-2")
	require.Len(t, h.Connections(), 2)

	h.Deregister("conn-1")
	require.Len(t, h.Connections(), 1)
	_, ok := h.Connection("conn-1")
	require.False(t, ok)

	require.NoError(t, hub.Close(ctx))
}

func TestHubDropsWhenFull(t *testing.T) {
	t.Parallel()

	blocked := make(chan struct{})
	sink := &blockingSink{release: blocked}
	hub := NewHub(HubConfig{BufferSize: 1, MaxBatch: 1, MaxWait: time.Millisecond, Logger: zap.NewNop()}, sink)

	for i := 0; i < 50; i++ {
		hub.Emit(Event{Kind: EventMessageRouted, TS: testNow})
	}
	require.Positive(t, hub.Dropped())

	close(blocked)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, hub.Close(ctx))
}

type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Consume(ctx context.Context, _ []Event) error {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil
}

func (s *blockingSink) Close(context.Context) error { return nil }

func TestHubEmitAfterCloseIsSafe(t *testing.T) {
	t.Parallel()

	hub := NewHub(HubConfig{Logger: zap.NewNop()})
	require.NoError(t, hub.Close(context.Background()))
	hub.Emit(Event{Kind: EventMessageRouted})
	require.NoError(t, hub.Close(context.Background()))
}

func TestResolveVersion(t *testing.T) {
	t.Parallel()

	res := ResolveVersion(Version)
	require.True(t, res.Supported)
	require.Equal(t, Version, res.Suggested)

	res = ResolveVersion("0.9.0")
	require.False(t, res.Supported)
	require.Equal(t, Version, res.Suggested)
}
