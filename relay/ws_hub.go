package main

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/itskum47/relay/relay/observability"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 64 * 1024
)

var errConnClosed = errors.New("connection closed")

// wsConn is one admitted client. The write pump is its only writer once started.
// send is never closed; done signals shutdown to the pump and to waiting senders.
type wsConn struct {
	id      string
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
}

func newWSConn(ws *websocket.Conn, sendBuffer int, limiter *rate.Limiter) *wsConn {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &wsConn{
		id:      uuid.NewString(),
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		limiter: limiter,
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Send enqueues msg without blocking. A client whose buffer is full is
// disconnected rather than allowed to stall the channel.
func (c *wsConn) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.Evict("send buffer full")
		return false
	}
}

// SendWait blocks until msg fits in the buffer, the connection closes or ctx ends.
func (c *wsConn) SendWait(ctx context.Context, msg []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Evict closes a client that cannot keep up, telling it to come back later.
func (c *wsConn) Evict(reason string) {
	if c.shutdown(websocket.CloseTryAgainLater, reason) {
		observability.SlowClientsDisconnected.Inc()
		log.Printf("[WS] %s too slow (%s), disconnecting", c.id, reason)
	}
}

func (c *wsConn) close() {
	c.shutdown(websocket.CloseNormalClosure, "")
}

// shutdown records the close frame to send and reports whether this call closed the connection.
func (c *wsConn) shutdown(code int, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.done)
	return true
}

func (c *wsConn) closeFrame() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

// writePump drains the send buffer and keeps the connection alive with pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				log.Printf("[WS] write to %s failed: %v", c.id, err)
				return
			}
		case <-c.done:
			code, reason := c.closeFrame()
			if code == websocket.CloseNormalClosure {
				c.drain()
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) write(msg []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

// drain flushes what was queued before a normal close.
func (c *wsConn) drain() {
	for {
		select {
		case msg := <-c.send:
			if c.write(msg) != nil {
				return
			}
		default:
			return
		}
	}
}

// ConnectionHub tracks admitted connections and enforces the connection cap.
type ConnectionHub struct {
	clients        map[*wsConn]struct{}
	register       chan registration
	unregister     chan *wsConn
	maxConnections int
	mu             sync.RWMutex
	stopped        chan struct{}
}

type registration struct {
	conn     *wsConn
	admitted chan bool
}

func NewConnectionHub(maxConnections int) *ConnectionHub {
	return &ConnectionHub{
		clients:        make(map[*wsConn]struct{}),
		register:       make(chan registration),
		unregister:     make(chan *wsConn),
		maxConnections: maxConnections,
		stopped:        make(chan struct{}),
	}
}

// Run starts the hub's main loop.
func (h *ConnectionHub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if h.maxConnections > 0 && len(h.clients) >= h.maxConnections {
				h.mu.Unlock()
				reg.admitted <- false
				log.Printf("[WS] connection rejected: max connections (%d) reached", h.maxConnections)
				continue
			}
			h.clients[reg.conn] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			observability.ConnectedClients.Set(float64(total))
			reg.admitted <- true
			log.Printf("[WS] client %s registered. Total: %d", reg.conn.id, total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			observability.ConnectedClients.Set(float64(total))
			log.Printf("[WS] client %s unregistered. Total: %d", conn.id, total)
		}
	}
}

// shutdown closes every client; their write pumps send the close frame.
func (h *ConnectionHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("[WS] shutting down hub with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.close()
	}
	h.clients = make(map[*wsConn]struct{})
	observability.ConnectedClients.Set(0)
}

// Register asks the hub to admit conn. It reports false when the hub is full or stopped.
func (h *ConnectionHub) Register(conn *wsConn) bool {
	reg := registration{conn: conn, admitted: make(chan bool, 1)}
	select {
	case h.register <- reg:
		return <-reg.admitted
	case <-h.stopped:
		return false
	}
}

// Unregister removes a client connection.
func (h *ConnectionHub) Unregister(conn *wsConn) {
	select {
	case h.unregister <- conn:
	case <-h.stopped:
		conn.close()
	}
}

// ClientCount returns the number of connected clients.
func (h *ConnectionHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
