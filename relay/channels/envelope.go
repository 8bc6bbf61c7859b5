package channels

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/itskum47/relay/relay/store"
)

var errMalformedPayload = errors.New("payload is not valid JSON")

// Conn is the relay's non-owning view of a client connection.
// Send must not block: it enqueues onto the connection's own write loop and
// reports false when the message was not accepted. SendWait waits for buffer
// space instead and is only used for one-shot replays. Evict closes the
// connection because it fell too far behind.
type Conn interface {
	ID() string
	Send(msg []byte) bool
	SendWait(ctx context.Context, msg []byte) error
	Open() bool
	Evict(reason string)
}

// MessageEvent is the frame carrying one log entry to a subscriber.
type MessageEvent struct {
	Event    string          `json:"event"`
	Channel  string          `json:"channel"`
	StreamID string          `json:"streamId"`
	Data     json.RawMessage `json:"data"`
}

func encodeEntry(channel string, e store.Entry) ([]byte, error) {
	if !json.Valid(e.Payload) {
		return nil, errMalformedPayload
	}
	return json.Marshal(MessageEvent{
		Event:    "message",
		Channel:  channel,
		StreamID: e.ID,
		Data:     e.Payload,
	})
}
