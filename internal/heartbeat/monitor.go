// Package heartbeat tracks per-connection liveness and the aggregate system
// health signal derived from it.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/glfleet/backend/internal/clock"
	"github.com/glfleet/backend/internal/protocol"
	"github.com/glfleet/backend/internal/telemetry"
)

// Config tunes the monitor. The check interval must be shorter than the
// timeout so a missed window is noticed before the next one opens.
type Config struct {
	CheckInterval time.Duration
	Timeout       time.Duration
	MaxMissed     int
}

const (
	defaultCheckInterval = 10 * time.Second
	defaultTimeout       = 30 * time.Second
	defaultMaxMissed     = 3
)

// ConnHealth is a snapshot of one tracked connection.
type ConnHealth struct {
	ConnID           string    `json:"conn_id"`
	LastHeartbeat    time.Time `json:"last_heartbeat,omitempty"`
	MissedHeartbeats int       `json:"missed_heartbeats"`
	Dead             bool      `json:"dead"`
}

// Health is the aggregate system health exposed to operators.
type Health struct {
	Healthy         bool      `json:"healthy"`
	UIConnected     bool      `json:"ui_connected"`
	WorkerConnected bool      `json:"worker_connected"`
	LastHeartbeat   time.Time `json:"last_heartbeat,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
}

type connHealth struct {
	lastHeartbeat time.Time
	missed        int
	dead          bool
}

// Monitor tracks heartbeats per connection and raises a disconnect callback
// after MaxMissed consecutive missed windows. It has an explicit Start/Stop
// lifecycle; construction has no side effects.
type Monitor struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger
	onDead func(connID string)

	mu              sync.Mutex
	conns           map[string]*connHealth
	uiConnected     bool
	workerConnected bool
	running         bool
	stopCh          chan struct{}
	doneCh          chan struct{}
}

// NewMonitor builds a Monitor. onDead is invoked (outside the monitor lock)
// when a connection exhausts its missed-heartbeat budget; nil is allowed.
func NewMonitor(cfg Config, clk clock.Clock, onDead func(connID string), logger *zap.Logger) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxMissed <= 0 {
		cfg.MaxMissed = defaultMaxMissed
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:    cfg,
		clock:  clk,
		logger: logger,
		onDead: onDead,
		conns:  make(map[string]*connHealth),
	}
}

// Start launches the periodic check loop. Calling Start twice is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Check()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the check loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()
	<-done
}

// Track registers a connection for heartbeat accounting.
func (m *Monitor) Track(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[connID] = &connHealth{lastHeartbeat: m.clock.Now()}
	m.workerConnected = true
}

// Forget drops a connection on disconnect.
func (m *Monitor) Forget(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, connID)
	if len(m.conns) == 0 {
		m.workerConnected = false
	}
}

// RecordHeartbeat resets the missed counter for connID.
func (m *Monitor) RecordHeartbeat(connID string, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[connID]
	if !ok {
		conn = &connHealth{}
		m.conns[connID] = conn
	}
	conn.lastHeartbeat = ts
	conn.missed = 0
	conn.dead = false
	m.workerConnected = true
}

// SetUIConnected records whether the operator-facing channel is attached.
func (m *Monitor) SetUIConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uiConnected = connected
}

// SetWorkerConnected records the transport's view of the worker channel. The
// periodic check may override it when heartbeats go stale.
func (m *Monitor) SetWorkerConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workerConnected = connected
}

// Check runs one sweep: connections past the timeout accrue a missed
// heartbeat; MaxMissed consecutive misses mark the connection dead and fire
// the disconnect callback. It also reconciles the aggregate worker-connected
// flag, because heartbeat freshness is authoritative over a stale flag.
func (m *Monitor) Check() Health {
	now := m.clock.Now()
	var dead []string

	m.mu.Lock()
	var freshest time.Time
	anyFresh := false
	for id, conn := range m.conns {
		if conn.lastHeartbeat.After(freshest) {
			freshest = conn.lastHeartbeat
		}
		if conn.dead {
			continue
		}
		if now.Sub(conn.lastHeartbeat) > m.cfg.Timeout*time.Duration(conn.missed+1) {
			conn.missed++
			telemetry.ObserveMissedHeartbeat()
			m.logger.Warn("missed heartbeat",
				zap.String("conn_id", id),
				zap.Int("missed", conn.missed))
			if conn.missed >= m.cfg.MaxMissed {
				conn.dead = true
				dead = append(dead, id)
			}
			continue
		}
		if now.Sub(conn.lastHeartbeat) <= m.cfg.Timeout {
			anyFresh = true
		}
	}
	if m.workerConnected && !anyFresh {
		// The connected flag is stale; heartbeat freshness wins.
		m.workerConnected = false
	}
	health := Health{
		Healthy:         m.uiConnected && m.workerConnected && anyFresh,
		UIConnected:     m.uiConnected,
		WorkerConnected: m.workerConnected,
		LastHeartbeat:   freshest,
		CheckedAt:       now,
	}
	m.mu.Unlock()

	for _, id := range dead {
		m.logger.Error("connection declared dead after missed heartbeats", zap.String("conn_id", id))
		if m.onDead != nil {
			m.onDead(id)
		}
	}
	return health
}

// Snapshot returns per-connection health for the status surface.
func (m *Monitor) Snapshot() []ConnHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConnHealth, 0, len(m.conns))
	for id, conn := range m.conns {
		out = append(out, ConnHealth{
			ConnID:           id,
			LastHeartbeat:    conn.lastHeartbeat,
			MissedHeartbeats: conn.missed,
			Dead:             conn.dead,
		})
	}
	return out
}

// Consume implements protocol.Sink, feeding routed heartbeats into the
// monitor.
func (m *Monitor) Consume(_ context.Context, batch []protocol.Event) error {
	for _, evt := range batch {
		if evt.Kind != protocol.EventMessageRouted || evt.Message == nil {
			continue
		}
		if evt.Message.Type == protocol.TypeHeartbeat {
			m.RecordHeartbeat(evt.ConnID, evt.Message.Timestamp)
		}
	}
	return nil
}

// Close implements protocol.Sink.
func (m *Monitor) Close(context.Context) error {
	return nil
}
