// Package gateway exposes the websocket endpoint crawler workers connect to
// and bridges raw socket data into the protocol handler.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/glfleet/backend/internal/heartbeat"
	"github.com/glfleet/backend/internal/protocol"
)

const (
	writeTimeout   = 10 * time.Second
	sendBufferSize = 64
	maxSocketRead  = 2 << 20
)

// Gateway upgrades worker connections and runs one read loop per socket.
// Frames for a single connection are processed sequentially, so message order
// within a connection is preserved end to end.
type Gateway struct {
	handler  *protocol.Handler
	monitor  *heartbeat.Monitor
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu    sync.RWMutex
	conns map[string]*wsConn
}

type wsConn struct {
	id     string
	socket *websocket.Conn
	sendCh chan []byte
	closed chan struct{}
	once   sync.Once
}

// New builds a Gateway.
func New(handler *protocol.Handler, monitor *heartbeat.Monitor, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		handler: handler,
		monitor: monitor,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Workers are service processes, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeWorker handles GET /ws/worker: upgrade, register, then pump the socket
// into the protocol handler until the peer goes away.
func (g *Gateway) ServeWorker(w http.ResponseWriter, r *http.Request) {
	socket, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	socket.SetReadLimit(maxSocketRead)

	conn := &wsConn{
		id:     uuid.NewString(),
		socket: socket,
		sendCh: make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
	g.register(conn)
	defer g.deregister(conn)

	go g.writeLoop(conn)
	g.readLoop(r.Context(), conn)
}

func (g *Gateway) register(conn *wsConn) {
	g.mu.Lock()
	if g.conns == nil {
		g.conns = make(map[string]*wsConn)
	}
	g.conns[conn.id] = conn
	workers := len(g.conns)
	g.mu.Unlock()

	g.handler.Register(conn.id)
	g.monitor.Track(conn.id)
	g.monitor.SetWorkerConnected(workers > 0)
	g.logger.Info("worker connected", zap.String("conn_id", conn.id))
}

func (g *Gateway) deregister(conn *wsConn) {
	conn.close()
	g.mu.Lock()
	delete(g.conns, conn.id)
	workers := len(g.conns)
	g.mu.Unlock()

	g.handler.Deregister(conn.id)
	g.monitor.Forget(conn.id)
	g.monitor.SetWorkerConnected(workers > 0)
	g.logger.Info("worker disconnected", zap.String("conn_id", conn.id))
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.socket.Close()
	})
}

func (g *Gateway) readLoop(ctx context.Context, conn *wsConn) {
	for {
		_, data, err := conn.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Warn("worker read failed", zap.String("conn_id", conn.id), zap.Error(err))
			}
			return
		}
		if err := g.handler.ProcessIncomingData(ctx, conn.id, data); err != nil {
			// Protocol errors are already counted and emitted as events;
			// the connection stays up unless the socket itself failed.
			g.logger.Debug("protocol errors on connection",
				zap.String("conn_id", conn.id), zap.Error(err))
		}
	}
}

func (g *Gateway) writeLoop(conn *wsConn) {
	for {
		select {
		case <-conn.closed:
			return
		case frame := <-conn.sendCh:
			_ = conn.socket.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				g.logger.Warn("worker write failed", zap.String("conn_id", conn.id), zap.Error(err))
				conn.close()
				return
			}
		}
	}
}

// Send implements protocol.Sender.
func (g *Gateway) Send(ctx context.Context, connID string, frame []byte) error {
	g.mu.RLock()
	conn, ok := g.conns[connID]
	g.mu.RUnlock()
	if !ok {
		return protocol.ErrUnknownConnection
	}
	select {
	case conn.sendCh <- frame:
		return nil
	case <-conn.closed:
		return protocol.ErrUnknownConnection
	case <-ctx.Done():
		return fmt.Errorf("send to %s: %w", connID, ctx.Err())
	}
}

// Disconnect tears down one connection; the monitor calls this for peers
// that exhausted their heartbeat budget.
func (g *Gateway) Disconnect(connID string) {
	g.mu.RLock()
	conn, ok := g.conns[connID]
	g.mu.RUnlock()
	if ok {
		conn.close()
	}
}

// Close tears down every connection during shutdown.
func (g *Gateway) Close() {
	g.mu.RLock()
	conns := make([]*wsConn, 0, len(g.conns))
	for _, conn := range g.conns {
		conns = append(conns, conn)
	}
	g.mu.RUnlock()
	for _, conn := range conns {
		conn.close()
	}
}
