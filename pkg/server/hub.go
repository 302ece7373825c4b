package server

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second
	// Time allowed to read the next pong from the peer
	pongWait = 60 * time.Second
	// Send pings at this interval (must be less than pongWait)
	pingInterval = 54 * time.Second
	// Maximum inbound frame size. Clients send no application messages,
	// so anything larger than a small control payload is bogus.
	maxInboundSize = 512
	// Per-connection outgoing queue depth
	sendQueueSize = 256
)

// Conn represents one live client socket tracked by the Hub.
// Its lifetime is strictly bounded by the socket lifetime.
type Conn struct {
	ID     uint64
	UserID string

	ws        *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

// closeSend closes the outgoing queue exactly once
func (c *Conn) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Hub is the real-time fan-out core: a registry of connected client sockets
// that pushes every broadcast event to all currently-open connections.
// It is an injected component with lifecycle tied to the server, not a
// package-level singleton, so tests can run independent instances.
type Hub struct {
	mu     sync.RWMutex
	conns  map[uint64]*Conn
	nextID atomic.Uint64

	metrics  *Metrics
	errorLog *log.Logger
	debugLog *log.Logger

	wg           sync.WaitGroup
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewHub creates an empty connection registry. Nil loggers fall back to the
// default logger.
func NewHub(metrics *Metrics, errorLog, debugLog *log.Logger) *Hub {
	if errorLog == nil {
		errorLog = log.Default()
	}
	if debugLog == nil {
		debugLog = log.Default()
	}
	return &Hub{
		conns:    make(map[uint64]*Conn),
		metrics:  metrics,
		errorLog: errorLog,
		debugLog: debugLog,
		shutdown: make(chan struct{}),
	}
}

// Register adds a socket to the live set and starts its read/write pumps.
// The returned Conn is owned by the hub and removed when the socket closes.
func (h *Hub) Register(ws *websocket.Conn, userID string) *Conn {
	conn := &Conn{
		ID:     h.nextID.Add(1),
		UserID: userID,
		ws:     ws,
		send:   make(chan []byte, sendQueueSize),
	}

	h.mu.Lock()
	h.conns[conn.ID] = conn
	count := len(h.conns)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ConnectionsTotal.Inc()
		h.metrics.ActiveConnections.Set(float64(count))
	}
	h.debugLog.Printf("WebSocket client connected (conn %d, %s). Total connections: %d",
		conn.ID, ws.RemoteAddr(), count)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.writePump(conn)
	}()
	go func() {
		defer h.wg.Done()
		h.readPump(conn)
	}()

	return conn
}

// Unregister removes a connection from the live set and closes its socket.
// Idempotent: unregistering an already-removed connection is a no-op.
func (h *Hub) Unregister(conn *Conn) {
	h.mu.Lock()
	_, ok := h.conns[conn.ID]
	if ok {
		delete(h.conns, conn.ID)
	}
	count := len(h.conns)
	h.mu.Unlock()

	if !ok {
		return
	}

	conn.closeSend()
	conn.ws.Close()

	if h.metrics != nil {
		h.metrics.ActiveConnections.Set(float64(count))
	}
	h.debugLog.Printf("WebSocket client disconnected (conn %d). Total connections: %d", conn.ID, count)
}

// Broadcast serializes the event once and pushes it to every currently-open
// connection. Delivery is fire-and-forget: a connection with a full queue or
// one that closes mid-broadcast is skipped, never aborting delivery to the
// rest, and no retry or replay is attempted.
func (h *Hub) Broadcast(ev *Event) {
	data, err := ev.Encode()
	if err != nil {
		h.errorLog.Printf("Failed to encode %s event: %v", ev.Type, err)
		return
	}

	// Snapshot under the read lock, then iterate without it so concurrent
	// register/unregister cannot invalidate the iteration.
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	if h.metrics != nil {
		h.metrics.EventsBroadcast.WithLabelValues(string(ev.Type)).Inc()
	}

	for _, conn := range conns {
		if !h.trySend(conn, data) {
			if h.metrics != nil {
				h.metrics.EventSendFailures.Inc()
			}
			h.errorLog.Printf("Skipped %s event for conn %d (closed or congested)", ev.Type, conn.ID)
		}
	}
}

// trySend queues data on the connection without blocking the broadcast loop.
// The send channel may be closed concurrently by Unregister, so recover from
// the resulting panic rather than coordinating another lock.
func (h *Hub) trySend(conn *Conn, data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	select {
	case conn.send <- data:
		return true
	default:
		return false
	}
}

// ConnectionCount returns the number of currently registered connections
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// readPump consumes inbound frames until the socket closes. No client→server
// application messages are processed; inbound frames are logged and discarded.
func (h *Hub) readPump(conn *Conn) {
	defer h.Unregister(conn)

	conn.ws.SetReadLimit(maxInboundSize)
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				h.errorLog.Printf("Unexpected close on conn %d: %v", conn.ID, err)
			}
			return
		}
		h.debugLog.Printf("Ignoring inbound frame from conn %d: %s", conn.ID, message)
	}
}

// writePump drains the send queue to the socket and keeps the connection
// alive with periodic pings. A write failure on this connection never
// propagates beyond it.
func (h *Hub) writePump(conn *Conn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		h.Unregister(conn)
	}()

	for {
		select {
		case data, ok := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				h.errorLog.Printf("Write error on conn %d: %v", conn.ID, err)
				return
			}
		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-h.shutdown:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			conn.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

// Shutdown closes all connections and waits for their pumps to finish.
// Safe to call more than once.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		close(h.shutdown)
	})

	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[uint64]*Conn)
	h.mu.Unlock()

	for _, conn := range conns {
		conn.closeSend()
		conn.ws.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
