package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/glfleet/backend/internal/clock"
	"github.com/glfleet/backend/internal/telemetry"
)

// Sender hands a finished frame (delimiter included) to the transport for one
// connection. Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, connID string, frame []byte) error
}

// HandlerConfig tunes the protocol handler.
type HandlerConfig struct {
	FrameCapacity        int
	MaxFrameBytes        int
	MaxMessageBytes      int
	HeartbeatMinInterval time.Duration
	Delimiter            string
}

// ConnInfo is a read-only snapshot of one connection's protocol state.
type ConnInfo struct {
	ID            string    `json:"id"`
	CrawlerID     string    `json:"crawler_id,omitempty"`
	Authenticated bool      `json:"authenticated"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	LastActivity  time.Time `json:"last_activity,omitempty"`
	ActiveJobs    int       `json:"active_jobs"`
	SystemStatus  string    `json:"system_status,omitempty"`
	BufferUsage   float64   `json:"buffer_usage"`
	Flagged       bool      `json:"flagged,omitempty"`
}

// Stats is a snapshot of handler counters with the derived success rate.
type Stats struct {
	Processed        int64   `json:"processed"`
	Routed           int64   `json:"routed"`
	ParseErrors      int64   `json:"parse_errors"`
	ValidationErrors int64   `json:"validation_errors"`
	AuthErrors       int64   `json:"authorization_errors"`
	ProcessingErrors int64   `json:"processing_errors"`
	Sent             int64   `json:"sent"`
	SendErrors       int64   `json:"send_errors"`
	SuccessRate      float64 `json:"success_rate"`
}

type connState struct {
	framer        *Framer
	crawlerID     string
	lastHeartbeat time.Time
	lastActivity  time.Time
	activeJobs    int
	systemStatus  string
	flagged       bool
}

// Handler composes framing, parsing, and validation, routes valid messages
// to hub subscribers, and tracks per-connection protocol state. Message
// processing for one connection is sequential (the transport owns a single
// read loop per connection); different connections may be processed
// concurrently.
type Handler struct {
	cfg       HandlerConfig
	parser    *Parser
	validator *Validator
	hub       *Hub
	sender    Sender
	clock     clock.Clock
	logger    *zap.Logger

	mu    sync.RWMutex
	conns map[string]*connState

	processed        atomic.Int64
	routed           atomic.Int64
	parseErrors      atomic.Int64
	validationErrors atomic.Int64
	authErrors       atomic.Int64
	processingErrors atomic.Int64
	sent             atomic.Int64
	sendErrors       atomic.Int64
}

// NewHandler builds a Handler. The hub may be shared with other emitters; the
// sender may be nil for receive-only deployments.
func NewHandler(cfg HandlerConfig, hub *Hub, sender Sender, clk clock.Clock, logger *zap.Logger) *Handler {
	if cfg.Delimiter == "" {
		cfg.Delimiter = DefaultFrameDelimiter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		cfg:       cfg,
		parser:    NewParser(cfg.MaxFrameBytes, clk),
		validator: NewValidator(ValidatorConfig{MaxMessageBytes: cfg.MaxMessageBytes, HeartbeatMinInterval: cfg.HeartbeatMinInterval}, clk),
		hub:       hub,
		sender:    sender,
		clock:     clk,
		logger:    logger,
	}
}

// Register creates protocol state for a new transport session.
func (h *Handler) Register(connID string) {
	h.mu.Lock()
	if h.conns == nil {
		h.conns = make(map[string]*connState)
	}
	h.conns[connID] = &connState{framer: NewFramer(h.cfg.FrameCapacity)}
	n := len(h.conns)
	h.mu.Unlock()
	telemetry.SetActiveConnections(n)
	h.logger.Info("connection registered", zap.String("conn_id", connID))
}

// Deregister tears down a session's state on disconnect.
func (h *Handler) Deregister(connID string) {
	h.mu.Lock()
	delete(h.conns, connID)
	n := len(h.conns)
	h.mu.Unlock()
	h.validator.ForgetConnection(connID)
	telemetry.SetActiveConnections(n)
	telemetry.ForgetFrameBuffer(connID)
	h.logger.Info("connection deregistered", zap.String("conn_id", connID))
}

// ProcessIncomingData frames, parses, validates, and routes one chunk of
// transport bytes. Per-message failures are connection-local: valid messages
// in the same chunk are still routed, and the joined error describes the
// rest. A FrameError return means the connection is unusable without a
// forced flush.
func (h *Handler) ProcessIncomingData(ctx context.Context, connID string, data []byte) error {
	conn := h.conn(connID)
	if conn == nil {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}

	if err := conn.framer.Append(data); err != nil {
		h.processingErrors.Add(1)
		telemetry.ObserveProtocolError("frame")
		frameErr := &FrameError{ConnID: connID, Usage: conn.framer.Usage(), Err: err}
		h.emit(Event{Kind: EventProcessingError, ConnID: connID, Err: frameErr.Error(), TS: h.clock.Now()})
		return frameErr
	}
	telemetry.SetFrameBufferUsage(connID, conn.framer.Usage())

	frames := conn.framer.ExtractFrames(h.cfg.Delimiter)
	var errs []error
	for _, frame := range frames {
		if err := h.processFrame(ctx, connID, conn, frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Handler) processFrame(_ context.Context, connID string, conn *connState, frame []byte) error {
	now := h.clock.Now()
	msg, err := h.parser.ParseFrame(frame)
	if err != nil {
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			h.validationErrors.Add(1)
			telemetry.ObserveProtocolError("validation")
			h.emit(Event{Kind: EventValidationError, ConnID: connID, Err: err.Error(), TS: now})
		} else {
			h.parseErrors.Add(1)
			telemetry.ObserveProtocolError("parse")
			h.emit(Event{Kind: EventParseError, ConnID: connID, Err: err.Error(), TS: now})
		}
		return err
	}

	h.processed.Add(1)
	telemetry.ObserveMessageProcessed(string(msg.Type))

	if err := h.authorize(connID, conn, msg); err != nil {
		h.authErrors.Add(1)
		telemetry.ObserveProtocolError("authorization")
		h.emit(Event{Kind: EventValidationError, ConnID: connID, Err: err.Error(), TS: now})
		return err
	}

	if err := h.validator.Validate(connID, msg); err != nil {
		h.validationErrors.Add(1)
		telemetry.ObserveProtocolError("validation")
		h.emit(Event{Kind: EventValidationError, ConnID: connID, Err: err.Error(), TS: now})
		return err
	}

	h.updateConnState(conn, msg)
	h.routed.Add(1)
	telemetry.ObserveMessageRouted(string(msg.Type))
	h.emit(Event{Kind: EventMessageRouted, ConnID: connID, Message: &msg, TS: now})
	return nil
}

// authorize enforces that job-scoped messages only arrive on authenticated
// connections. Offending connections are flagged but survive.
func (h *Handler) authorize(connID string, conn *connState, msg Message) error {
	if !msg.Type.JobScoped() {
		return nil
	}
	h.mu.Lock()
	authenticated := conn.crawlerID != ""
	if !authenticated {
		conn.flagged = true
	}
	h.mu.Unlock()
	if !authenticated {
		return &AuthorizationError{ConnID: connID, Type: msg.Type}
	}
	if msg.JobID == "" {
		return &ValidationError{Type: msg.Type, Reason: "job_id is required"}
	}
	return nil
}

func (h *Handler) updateConnState(conn *connState, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch msg.Type {
	case TypeHeartbeat:
		conn.lastHeartbeat = msg.Timestamp
		var data HeartbeatData
		if err := msg.DecodeData(&data); err == nil {
			if conn.crawlerID == "" && data.CrawlerID != "" {
				conn.crawlerID = data.CrawlerID
			}
			conn.activeJobs = data.ActiveJobs
			conn.systemStatus = data.SystemStatus
		}
		telemetry.ObserveHeartbeat()
	case TypeJobStarted, TypeJobProgress, TypeJobCompleted, TypeJobFailed:
		conn.lastActivity = msg.Timestamp
	}
}

// SendMessage validates an outbound message and hands the encoded frame to
// the transport.
func (h *Handler) SendMessage(ctx context.Context, connID string, msg Message) error {
	now := h.clock.Now()
	if h.sender == nil {
		return errors.New("no sender configured")
	}
	if h.conn(connID) == nil {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	if err := h.validator.ValidateOutbound(msg); err != nil {
		h.sendErrors.Add(1)
		telemetry.ObserveProtocolError("send")
		h.emit(Event{Kind: EventSendError, ConnID: connID, Err: err.Error(), TS: now})
		return err
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		h.sendErrors.Add(1)
		telemetry.ObserveProtocolError("send")
		h.emit(Event{Kind: EventSendError, ConnID: connID, Err: err.Error(), TS: now})
		return fmt.Errorf("encode outbound message: %w", err)
	}
	frame = append(frame, []byte(h.cfg.Delimiter)...)
	if err := h.sender.Send(ctx, connID, frame); err != nil {
		h.sendErrors.Add(1)
		telemetry.ObserveProtocolError("send")
		h.emit(Event{Kind: EventSendError, ConnID: connID, Err: err.Error(), TS: now})
		return fmt.Errorf("send %s to %s: %w", msg.Type, connID, err)
	}
	h.sent.Add(1)
	telemetry.ObserveMessageSent(string(msg.Type))
	h.emit(Event{Kind: EventMessageSent, ConnID: connID, Message: &msg, TS: now})
	return nil
}

// ForceFlush drains a (possibly overflowed) frame buffer, attempting to
// salvage complete frames and the trailing partial. Salvaged messages go
// through the normal pipeline; the count of routed messages is returned.
func (h *Handler) ForceFlush(ctx context.Context, connID string) (int, error) {
	conn := h.conn(connID)
	if conn == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	frames, partial := conn.framer.ForceFlush(h.cfg.Delimiter)
	if len(partial) > 0 {
		frames = append(frames, partial)
	}
	salvaged := 0
	var errs []error
	for _, frame := range frames {
		if err := h.processFrame(ctx, connID, conn, frame); err != nil {
			errs = append(errs, err)
			continue
		}
		salvaged++
	}
	telemetry.SetFrameBufferUsage(connID, 0)
	return salvaged, errors.Join(errs...)
}

// Backpressure reports whether the connection's producer should slow down.
func (h *Handler) Backpressure(connID string) (bool, time.Duration) {
	conn := h.conn(connID)
	if conn == nil {
		return false, 0
	}
	return conn.framer.Backpressure()
}

// Connection returns a snapshot of one connection's state.
func (h *Handler) Connection(connID string) (ConnInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[connID]
	if !ok {
		return ConnInfo{}, false
	}
	return h.snapshotLocked(connID, conn), true
}

// Connections snapshots every registered connection.
func (h *Handler) Connections() []ConnInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ConnInfo, 0, len(h.conns))
	for id, conn := range h.conns {
		out = append(out, h.snapshotLocked(id, conn))
	}
	return out
}

func (h *Handler) snapshotLocked(id string, conn *connState) ConnInfo {
	return ConnInfo{
		ID:            id,
		CrawlerID:     conn.crawlerID,
		Authenticated: conn.crawlerID != "",
		LastHeartbeat: conn.lastHeartbeat,
		LastActivity:  conn.lastActivity,
		ActiveJobs:    conn.activeJobs,
		SystemStatus:  conn.systemStatus,
		BufferUsage:   conn.framer.Usage(),
		Flagged:       conn.flagged,
	}
}

// Stats snapshots the handler counters.
func (h *Handler) Stats() Stats {
	processed := h.processed.Load()
	routed := h.routed.Load()
	s := Stats{
		Processed:        processed,
		Routed:           routed,
		ParseErrors:      h.parseErrors.Load(),
		ValidationErrors: h.validationErrors.Load(),
		AuthErrors:       h.authErrors.Load(),
		ProcessingErrors: h.processingErrors.Load(),
		Sent:             h.sent.Load(),
		SendErrors:       h.sendErrors.Load(),
	}
	if processed > 0 {
		s.SuccessRate = float64(routed) / float64(processed)
	}
	return s
}

func (h *Handler) conn(connID string) *connState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[connID]
}

func (h *Handler) emit(evt Event) {
	if h.hub != nil {
		h.hub.Emit(evt)
	}
}
