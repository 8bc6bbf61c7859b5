package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/itskum47/relay/relay/observability"
	"github.com/itskum47/relay/relay/store"
)

const (
	StatusAck      = "ack"
	StatusErrorAck = "error_ack"

	errInvalidPublish = "invalid publish: channel, data and messageId are required"
	errStoreNotReady  = "log store not ready"
)

// PublishRequest is a client's request to append data to a channel.
type PublishRequest struct {
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
	MessageID string          `json:"messageId"`
}

// Ack answers a publish. MessageID always echoes the request's correlation ID.
type Ack struct {
	Status    string `json:"status,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	StreamID  string `json:"streamId,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ErrorAck builds a failed acknowledgment for messageID.
func ErrorAck(messageID string, reason string) Ack {
	return Ack{Status: StatusErrorAck, MessageID: messageID, Error: reason}
}

// Publisher validates publishes and appends them to the log store.
// Fan-out happens through every instance's live tail readers, not here.
type Publisher struct {
	store   store.LogStore
	metrics *observability.Aggregator
}

func NewPublisher(s store.LogStore, metrics *observability.Aggregator) *Publisher {
	if metrics == nil {
		metrics = observability.NewAggregator()
	}
	return &Publisher{store: s, metrics: metrics}
}

func emptyData(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Publish appends req.Data to req.Channel. It never retries; a failed append
// is reported back so the client can publish again.
func (p *Publisher) Publish(ctx context.Context, req PublishRequest) Ack {
	if req.Channel == "" || req.MessageID == "" || emptyData(req.Data) {
		observability.PublishResults.WithLabelValues("invalid").Inc()
		if req.MessageID == "" {
			return Ack{Error: errInvalidPublish, Channel: req.Channel}
		}
		return ErrorAck(req.MessageID, errInvalidPublish)
	}
	if !json.Valid(req.Data) {
		observability.PublishResults.WithLabelValues("invalid").Inc()
		return ErrorAck(req.MessageID, "data is not valid JSON")
	}

	if !p.store.Ready() {
		observability.PublishResults.WithLabelValues("not_ready").Inc()
		return ErrorAck(req.MessageID, errStoreNotReady)
	}

	log.Printf("[PUB] publishing to %s (messageId=%s)", req.Channel, req.MessageID)

	start := time.Now()
	id, err := p.store.Append(ctx, req.Channel, req.Data)
	latency := time.Since(start)
	if err != nil {
		observability.PublishResults.WithLabelValues("store_error").Inc()
		log.Printf("[PUB] append to %s failed: %v", req.Channel, err)
		return ErrorAck(req.MessageID, err.Error())
	}

	p.metrics.ObservePublish(latency)
	observability.PublishResults.WithLabelValues("ack").Inc()
	log.Printf("[PUB] appended %s to %s (latency %v)", id, req.Channel, latency)

	return Ack{Status: StatusAck, MessageID: req.MessageID, StreamID: id}
}
