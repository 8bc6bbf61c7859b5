package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/relay/relay/auth"
	"github.com/itskum47/relay/relay/channels"
	"github.com/itskum47/relay/relay/observability"
	"github.com/itskum47/relay/relay/resilience"
	"github.com/itskum47/relay/relay/store"
)

const testSecret = "test-secret"

type testRelay struct {
	server   *httptest.Server
	store    *store.MemoryLogStore
	registry *channels.Registry
	api      *API
}

func newTestRelay(t *testing.T, maxConnections int, opts APIOptions) *testRelay {
	t.Helper()
	s := store.NewMemoryLogStore()
	readiness := resilience.NewReadiness()
	readiness.MarkAvailable(store.SessionAppend)

	metrics := observability.NewAggregator()
	registry := channels.NewRegistry(s, metrics, channels.Options{
		BlockTimeout: 50 * time.Millisecond,
		RetryBackoff: 20 * time.Millisecond,
		PageSize:     10,
	})
	hub := NewConnectionHub(maxConnections)
	api := NewAPI(s, readiness, registry, channels.NewPublisher(s, metrics), metrics, hub, auth.NewGate(testSecret), opts)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(api.Routes())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		registry.Close()
	})
	return &testRelay{server: srv, store: s, registry: registry, api: api}
}

func (tr *testRelay) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(tr.server.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]interface{}
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func send(t *testing.T, ws *websocket.Conn, v interface{}) {
	t.Helper()
	if err := ws.WriteJSON(v); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// connect dials with the shared secret and consumes the welcome frame.
func connect(t *testing.T, tr *testRelay) *websocket.Conn {
	t.Helper()
	ws := dial(t, tr.wsURL(testSecret))
	welcome := readFrame(t, ws)
	if welcome["status"] != "connected" || welcome["message"] != "Welcome!" {
		t.Fatalf("unexpected welcome %v", welcome)
	}
	return ws
}

func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close frame, got %v", err)
	}
	if closeErr.Code != code {
		t.Fatalf("expected close code %d, got %d", code, closeErr.Code)
	}
}

func TestStreamRejectsBadToken(t *testing.T) {
	tr := newTestRelay(t, 10, APIOptions{})

	for _, token := range []string{"", "wrong"} {
		ws := dial(t, tr.wsURL(token))
		frame := readFrame(t, ws)
		if frame["error"] != "Unauthorized" || frame["status"] != float64(401) {
			t.Fatalf("unexpected rejection %v", frame)
		}
		expectClose(t, ws, websocket.ClosePolicyViolation)
	}
}

func TestStreamAcceptsBearerHeader(t *testing.T) {
	tr := newTestRelay(t, 10, APIOptions{})

	header := http.Header{}
	header.Set("Authorization", "Bearer "+testSecret)
	ws, _, err := websocket.DefaultDialer.Dial(tr.wsURL(""), header)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	if frame := readFrame(t, ws); frame["status"] != "connected" {
		t.Fatalf("unexpected welcome %v", frame)
	}
}

func TestStreamRejectsOverCapacity(t *testing.T) {
	tr := newTestRelay(t, 1, APIOptions{})
	connect(t, tr)

	ws := dial(t, tr.wsURL(testSecret))
	frame := readFrame(t, ws)
	if frame["error"] != "Too many connections" || frame["status"] != float64(503) {
		t.Fatalf("unexpected rejection %v", frame)
	}
	expectClose(t, ws, websocket.CloseTryAgainLater)
}

func TestSubscribeThenPublishRoundTrip(t *testing.T) {
	tr := newTestRelay(t, 10, APIOptions{})
	sub := connect(t, tr)
	pub := connect(t, tr)

	send(t, sub, map[string]string{"action": "subscribe", "channel": "chat"})
	if frame := readFrame(t, sub); frame["status"] != "subscribed" || frame["channel"] != "chat" {
		t.Fatalf("unexpected subscribe reply %v", frame)
	}
	waitReader(t, tr, "chat")

	send(t, pub, map[string]interface{}{
		"action":    "publish",
		"channel":   "chat",
		"data":      map[string]string{"text": "hi"},
		"messageId": "m1",
	})
	ack := readFrame(t, pub)
	if ack["status"] != "ack" || ack["messageId"] != "m1" {
		t.Fatalf("unexpected ack %v", ack)
	}

	msg := readFrame(t, sub)
	if msg["event"] != "message" || msg["channel"] != "chat" || msg["streamId"] != ack["streamId"] {
		t.Fatalf("unexpected message %v", msg)
	}
	data, _ := msg["data"].(map[string]interface{})
	if data["text"] != "hi" {
		t.Fatalf("unexpected data %v", msg["data"])
	}
}

func TestSubscribeReplaysFromLastMessageID(t *testing.T) {
	tr := newTestRelay(t, 10, APIOptions{})
	cursor, _ := tr.store.Append(context.Background(), "chat", []byte(`{"n":0}`))
	first, _ := tr.store.Append(context.Background(), "chat", []byte(`{"n":1}`))
	second, _ := tr.store.Append(context.Background(), "chat", []byte(`{"n":2}`))

	ws := connect(t, tr)
	send(t, ws, map[string]string{"action": "subscribe", "channel": "chat", "lastMessageId": cursor})
	if frame := readFrame(t, ws); frame["status"] != "subscribed" {
		t.Fatalf("unexpected subscribe reply %v", frame)
	}

	for _, want := range []string{first, second} {
		if frame := readFrame(t, ws); frame["streamId"] != want {
			t.Fatalf("expected replay of %s, got %v", want, frame)
		}
	}
}

func TestMalformedFrames(t *testing.T) {
	tr := newTestRelay(t, 10, APIOptions{})
	ws := connect(t, tr)

	// Dropped without a reply
	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}

	send(t, ws, map[string]string{"action": "dance"})
	if frame := readFrame(t, ws); frame["error"] != "unknown action: dance" {
		t.Fatalf("unexpected reply %v", frame)
	}

	send(t, ws, map[string]string{"action": "subscribe"})
	if frame := readFrame(t, ws); frame["error"] != "channel is required" {
		t.Fatalf("unexpected reply %v", frame)
	}

	send(t, ws, map[string]string{"action": "publish", "channel": "chat"})
	frame := readFrame(t, ws)
	if frame["error"] == nil || frame["channel"] != "chat" || frame["status"] != nil {
		t.Fatalf("expected plain error naming the channel, got %v", frame)
	}

	send(t, ws, map[string]string{"action": "publish", "channel": "chat", "messageId": "m9"})
	frame = readFrame(t, ws)
	if frame["status"] != "error_ack" || frame["messageId"] != "m9" {
		t.Fatalf("expected error_ack for m9, got %v", frame)
	}
	if tr.store.AppendCalls() != 0 {
		t.Fatal("invalid publishes reached the store")
	}
}

func TestNonObjectJSONFramesGetUnknownAction(t *testing.T) {
	tr := newTestRelay(t, 10, APIOptions{})
	ws := connect(t, tr)

	for _, raw := range []string{`[1,2]`, `"subscribe"`, `42`, `{"action":7}`} {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatal(err)
		}
		if frame := readFrame(t, ws); frame["error"] != "unknown action: " {
			t.Fatalf("frame %s: unexpected reply %v", raw, frame)
		}
	}
	if got := tr.api.metrics.Peek().MessagesIn; got != 4 {
		t.Fatalf("expected 4 inbound frames counted, got %d", got)
	}
}

func TestLongReplayIsNotCutShort(t *testing.T) {
	// Default send buffer is 256; the history is several times that.
	tr := newTestRelay(t, 10, APIOptions{})
	const total = 1000
	for i := 0; i < total; i++ {
		if _, err := tr.store.Append(context.Background(), "history", []byte(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatal(err)
		}
	}

	ws := connect(t, tr)
	send(t, ws, map[string]string{"action": "subscribe", "channel": "history"})
	if frame := readFrame(t, ws); frame["status"] != "subscribed" {
		t.Fatalf("unexpected subscribe reply %v", frame)
	}

	prev := store.StreamID{}
	for i := 0; i < total; i++ {
		frame := readFrame(t, ws)
		if frame["event"] != "message" {
			t.Fatalf("frame %d: expected message, got %v", i, frame)
		}
		id, err := store.ParseStreamID(frame["streamId"].(string))
		if err != nil || id.Compare(prev) <= 0 {
			t.Fatalf("frame %d: stream id %v not after %s", i, frame["streamId"], prev)
		}
		prev = id
		data, _ := frame["data"].(map[string]interface{})
		if data["n"] != float64(i) {
			t.Fatalf("frame %d: unexpected data %v", i, frame["data"])
		}
	}
	if got := tr.registry.SubscriberCount("history"); got != 1 {
		t.Fatalf("subscriber should still be connected after replay, got %d", got)
	}
}

func TestPublishWhileStoreNotReady(t *testing.T) {
	tr := newTestRelay(t, 10, APIOptions{})
	tr.store.SetReady(false)
	ws := connect(t, tr)

	send(t, ws, map[string]interface{}{"action": "publish", "channel": "chat", "data": 1, "messageId": "m1"})
	frame := readFrame(t, ws)
	if frame["status"] != "error_ack" || frame["messageId"] != "m1" || frame["error"] == nil {
		t.Fatalf("unexpected reply %v", frame)
	}
	if tr.store.AppendCalls() != 0 {
		t.Fatal("append issued while store not ready")
	}
}

func TestPublishRateLimited(t *testing.T) {
	tr := newTestRelay(t, 10, APIOptions{PublishRate: 0.001, PublishBurst: 1})
	ws := connect(t, tr)

	publish := map[string]interface{}{"action": "publish", "channel": "chat", "data": 1, "messageId": "m1"}
	send(t, ws, publish)
	if frame := readFrame(t, ws); frame["status"] != "ack" {
		t.Fatalf("first publish should pass, got %v", frame)
	}

	publish["messageId"] = "m2"
	send(t, ws, publish)
	frame := readFrame(t, ws)
	if frame["status"] != "error_ack" || frame["error"] != "rate limited" || frame["messageId"] != "m2" {
		t.Fatalf("expected rate limited error_ack, got %v", frame)
	}
}

func TestDisconnectUnsubscribes(t *testing.T) {
	tr := newTestRelay(t, 10, APIOptions{})
	ws := connect(t, tr)
	send(t, ws, map[string]string{"action": "subscribe", "channel": "chat"})
	readFrame(t, ws)
	waitReader(t, tr, "chat")

	ws.Close()
	deadline := time.Now().Add(2 * time.Second)
	for tr.registry.SubscriberCount("chat") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription survived disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHTTPEndpoints(t *testing.T) {
	tr := newTestRelay(t, 10, APIOptions{})

	resp, err := http.Get(tr.server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health returned %d", resp.StatusCode)
	}

	resp, err = http.Get(tr.server.URL + "/ready")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready returned %d", resp.StatusCode)
	}

	tr.store.SetReady(false)
	resp, err = http.Get(tr.server.URL + "/ready")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while unready, got %d", resp.StatusCode)
	}

	resp, err = http.Get(tr.server.URL + "/api/channels")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, tr.server.URL+"/api/channels", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Channels []channels.ChannelStats `json:"channels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || len(body.Channels) != 0 {
		t.Fatalf("unexpected channels response %d %+v", resp.StatusCode, body)
	}

	resp, err = http.Get(tr.server.URL + "/nowhere")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func waitReader(t *testing.T, tr *testRelay, name string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for tr.registry.ReaderState(name) != channels.ReaderRunning {
		if time.Now().After(deadline) {
			t.Fatalf("reader for %s never started", name)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
