package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/itskum47/relay/relay/auth"
	"github.com/itskum47/relay/relay/channels"
	"github.com/itskum47/relay/relay/observability"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Clients authenticate with the shared secret, not by origin
		return true
	},
}

// clientFrame is every frame a client may send; Action selects the fields used.
type clientFrame struct {
	Action        string          `json:"action"`
	Channel       string          `json:"channel"`
	LastMessageID string          `json:"lastMessageId"`
	Data          json.RawMessage `json:"data"`
	MessageID     string          `json:"messageId"`
}

type statusFrame struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Channel string `json:"channel,omitempty"`
	Error   string `json:"error,omitempty"`
}

// rejection is sent before the close frame when a connection is refused.
type rejection struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade failed: %v", err)
		return
	}

	if err := a.gate.Check(auth.TokenFromRequest(r)); err != nil {
		observability.ConnectionsRejected.WithLabelValues("unauthorized").Inc()
		log.Printf("[WS] rejected %s: %v", r.RemoteAddr, err)
		reject(ws, rejection{Error: "Unauthorized", Status: http.StatusUnauthorized}, websocket.ClosePolicyViolation, "Unauthorized")
		return
	}

	var limiter *rate.Limiter
	if a.publishRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(a.publishRate), a.publishBurst)
	}
	conn := newWSConn(ws, a.sendBuffer, limiter)

	if !a.hub.Register(conn) {
		observability.ConnectionsRejected.WithLabelValues("capacity").Inc()
		reject(ws, rejection{Error: "Too many connections", Status: http.StatusServiceUnavailable}, websocket.CloseTryAgainLater, "Too many connections")
		return
	}
	go conn.writePump()

	ctx := r.Context()
	log.Printf("[WS] client %s connected from %s", conn.id, r.RemoteAddr)
	a.sendJSON(ctx, conn, statusFrame{Status: "connected", Message: "Welcome!"})

	defer func() {
		a.registry.Unsubscribe(conn)
		a.hub.Unregister(conn)
		log.Printf("[WS] client %s disconnected", conn.id)
	}()

	ws.SetReadLimit(maxFrameSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WS] read from %s failed: %v", conn.id, err)
			}
			return
		}
		a.handleFrame(ctx, conn, raw)
	}
}

// reject writes the refusal before any write pump exists, then closes with code.
func reject(ws *websocket.Conn, body rejection, code int, reason string) {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	ws.WriteJSON(body)
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	ws.Close()
}

func (a *API) handleFrame(ctx context.Context, conn *wsConn, raw []byte) {
	if !json.Valid(raw) {
		observability.DecodeFailures.WithLabelValues("inbound").Inc()
		log.Printf("[WS] dropping non-JSON frame from %s", conn.id)
		return
	}
	a.metrics.IncIn()

	// Valid JSON of the wrong shape (an array, a string, a numeric action)
	// leaves the frame without a usable action.
	var frame clientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		log.Printf("[WS] frame from %s is not an action object: %v", conn.id, err)
		frame = clientFrame{}
	}

	switch frame.Action {
	case "subscribe":
		if frame.Channel == "" {
			a.sendJSON(ctx, conn, statusFrame{Error: "channel is required"})
			return
		}
		// The confirmation goes out before any replayed message
		a.sendJSON(ctx, conn, statusFrame{Status: "subscribed", Channel: frame.Channel})
		a.registry.Subscribe(frame.Channel, conn, frame.LastMessageID)

	case "publish":
		req := channels.PublishRequest{
			Channel:   frame.Channel,
			Data:      frame.Data,
			MessageID: frame.MessageID,
		}
		if conn.limiter != nil && !conn.limiter.Allow() {
			observability.PublishResults.WithLabelValues("rate_limited").Inc()
			a.sendJSON(ctx, conn, channels.ErrorAck(req.MessageID, "rate limited"))
			return
		}
		a.sendJSON(ctx, conn, a.publisher.Publish(ctx, req))

	default:
		a.sendJSON(ctx, conn, statusFrame{Error: "unknown action: " + frame.Action})
	}
}

// sendJSON queues a reply to the client's own frame. It waits for buffer
// space, so a client busy with a replay slows its own reads instead of being evicted.
func (a *API) sendJSON(ctx context.Context, conn *wsConn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[WS] encoding reply for %s failed: %v", conn.id, err)
		return
	}
	if err := conn.SendWait(ctx, data); err != nil && !errors.Is(err, errConnClosed) {
		log.Printf("[WS] reply to %s dropped: %v", conn.id, err)
	}
}
