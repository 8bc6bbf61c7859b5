package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/itskum47/relay/relay/observability"
	"github.com/itskum47/relay/relay/resilience"
	"github.com/redis/go-redis/v9"
)

// payloadField is the stream field holding the JSON payload.
const payloadField = "messageData"

// RedisOptions configures a RedisLogStore.
type RedisOptions struct {
	URL            string
	KeyPrefix      string
	HealthInterval time.Duration
}

// RedisLogStore implements LogStore on Redis Streams.
// It owns two sessions: pub for appends and range reads, sub for blocking reads,
// so a long XREAD BLOCK never delays a publish.
type RedisLogStore struct {
	pub       *redis.Client
	sub       *redis.Client
	prefix    string
	readiness *resilience.Readiness

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisLogStore connects both sessions and starts the health monitor.
// It fails if either session cannot be reached at startup.
func NewRedisLogStore(ctx context.Context, opts RedisOptions, readiness *resilience.Readiness) (*RedisLogStore, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	subOpts := *redisOpts

	if readiness == nil {
		readiness = resilience.NewReadiness()
	}

	s := &RedisLogStore{
		pub:       redis.NewClient(redisOpts),
		sub:       redis.NewClient(&subOpts),
		prefix:    opts.KeyPrefix,
		readiness: readiness,
	}
	s.pub.AddHook(readinessHook{session: SessionAppend, readiness: readiness})
	s.sub.AddHook(readinessHook{session: SessionRead, readiness: readiness})

	// Verify connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.pub.Ping(pingCtx).Err(); err != nil {
		s.closeClients()
		return nil, fmt.Errorf("redis append session: %w", err)
	}
	if err := s.sub.Ping(pingCtx).Err(); err != nil {
		s.closeClients()
		return nil, fmt.Errorf("redis read session: %w", err)
	}
	readiness.MarkAvailable(SessionAppend)
	readiness.MarkAvailable(SessionRead)

	interval := opts.HealthInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	s.cancel = monitorCancel
	s.wg.Add(1)
	go s.monitor(monitorCtx, interval)

	return s, nil
}

func (s *RedisLogStore) key(channel string) string {
	return StreamKey(s.prefix, channel)
}

func observe(op string, start time.Time) {
	observability.StoreLatency.WithLabelValues("redis", op).Observe(time.Since(start).Seconds())
}

func (s *RedisLogStore) Ready() bool {
	return s.readiness.IsAvailable(SessionAppend)
}

// Append issues XADD <key> * messageData <payload>.
func (s *RedisLogStore) Append(ctx context.Context, channel string, payload []byte) (string, error) {
	start := time.Now()
	defer observe("append", start)

	id, err := s.pub.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key(channel),
		ID:     "*",
		Values: map[string]interface{}{payloadField: string(payload)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", s.key(channel), err)
	}
	return id, nil
}

// ReadRange pages forward with a non-blocking XREAD, which is exclusive of after,
// and drops entries past until.
func (s *RedisLogStore) ReadRange(ctx context.Context, channel string, after string, until string, count int64) ([]Entry, error) {
	start := time.Now()
	defer observe("range", start)

	var untilID *StreamID
	if until != "" {
		u, err := ParseStreamID(until)
		if err != nil {
			return nil, err
		}
		if a, err := ParseStreamID(after); err == nil && a.Compare(u) >= 0 {
			return nil, nil
		}
		untilID = &u
	}

	res, err := s.pub.XRead(ctx, &redis.XReadArgs{
		Streams: []string{s.key(channel), normalizeID(after)},
		Count:   count,
		Block:   -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xread %s: %w", s.key(channel), err)
	}

	entries := toEntries(channel, res)
	if untilID == nil {
		return entries, nil
	}
	for i, e := range entries {
		id, err := ParseStreamID(e.ID)
		if err != nil || id.Compare(*untilID) > 0 {
			return entries[:i], nil
		}
	}
	return entries, nil
}

// ReadBlocking issues XREAD BLOCK on the read session.
func (s *RedisLogStore) ReadBlocking(ctx context.Context, channel string, after string, wait time.Duration, count int64) ([]Entry, error) {
	res, err := s.sub.XRead(ctx, &redis.XReadArgs{
		Streams: []string{s.key(channel), normalizeID(after)},
		Count:   count,
		Block:   wait,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xread block %s: %w", s.key(channel), err)
	}
	return toEntries(channel, res), nil
}

// LastID uses XREVRANGE <key> + - COUNT 1.
func (s *RedisLogStore) LastID(ctx context.Context, channel string) (string, error) {
	start := time.Now()
	defer observe("last_id", start)

	msgs, err := s.pub.XRevRangeN(ctx, s.key(channel), "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("xrevrange %s: %w", s.key(channel), err)
	}
	if len(msgs) == 0 {
		return EmptyID, nil
	}
	return msgs[0].ID, nil
}

// normalizeID expands short IDs ("0") to full form; anything unparsable is
// passed through so Redis reports it.
func normalizeID(id string) string {
	if parsed, err := ParseStreamID(id); err == nil {
		return parsed.String()
	}
	return id
}

func toEntries(channel string, streams []redis.XStream) []Entry {
	var entries []Entry
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			e := Entry{Channel: channel, ID: msg.ID}
			if raw, ok := msg.Values[payloadField].(string); ok {
				e.Payload = []byte(raw)
			}
			if id, err := ParseStreamID(msg.ID); err == nil {
				e.PublishedAt = id.Time()
			}
			entries = append(entries, e)
		}
	}
	return entries
}

// monitor pings both sessions so readiness recovers without client traffic.
func (s *RedisLogStore) monitor(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ping(ctx, s.pub, SessionAppend, interval)
			s.ping(ctx, s.sub, SessionRead, interval)
		}
	}
}

func (s *RedisLogStore) ping(ctx context.Context, client *redis.Client, session string, timeout time.Duration) {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		if ctx.Err() == nil {
			s.readiness.MarkUnavailable(session, err)
		}
		return
	}
	s.readiness.MarkAvailable(session)
}

func (s *RedisLogStore) closeClients() {
	if err := s.pub.Close(); err != nil {
		log.Printf("[REDIS-PUB] close: %v", err)
	}
	if err := s.sub.Close(); err != nil {
		log.Printf("[REDIS-SUB] close: %v", err)
	}
}

// Close stops the monitor and closes both sessions.
func (s *RedisLogStore) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.readiness.MarkUnavailable(SessionAppend, ErrClosed)
	s.readiness.MarkUnavailable(SessionRead, ErrClosed)
	s.closeClients()
	return nil
}

// readinessHook flips a session's readiness from connection-level outcomes,
// mirroring the ready/error/end events of the client.
type readinessHook struct {
	session   string
	readiness *resilience.Readiness
}

func (h readinessHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			if ctx.Err() == nil {
				h.readiness.MarkUnavailable(h.session, err)
			}
			return nil, err
		}
		h.readiness.MarkAvailable(h.session)
		return conn, nil
	}
}

func (h readinessHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if isConnError(ctx, err) {
			h.readiness.MarkUnavailable(h.session, err)
		}
		return err
	}
}

func (h readinessHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

// isConnError separates transport failures from command-level replies.
func isConnError(ctx context.Context, err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
