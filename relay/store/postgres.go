package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/itskum47/relay/relay/observability"
	"github.com/itskum47/relay/relay/resilience"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// notifyChannel is the LISTEN/NOTIFY channel carrying appended channel names.
const notifyChannel = "relay_log"

const createTableSQL = `
	CREATE TABLE IF NOT EXISTS relay_log (
		id           BIGSERIAL PRIMARY KEY,
		channel      TEXT NOT NULL,
		payload      TEXT NOT NULL,
		published_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

const createIndexSQL = `CREATE INDEX IF NOT EXISTS relay_log_channel_id ON relay_log (channel, id)`

// appendLockSpace namespaces the per-channel advisory locks taken by Append.
const appendLockSpace int32 = 0x72656c

// PostgresLogStore implements LogStore on a single PostgreSQL table.
// IDs are the BIGSERIAL value rendered as "<id>-0". Appends to one channel
// are serialized by an advisory lock so IDs become visible in commit order.
// Blocking reads share one LISTEN connection instead of holding pool slots.
type PostgresLogStore struct {
	pool      *pgxpool.Pool
	readiness *resilience.Readiness
	signals   *channelSignals

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPostgresLogStore initializes the pool, creates the schema and starts the health monitor.
func NewPostgresLogStore(ctx context.Context, connString string, healthInterval time.Duration, readiness *resilience.Readiness) (*PostgresLogStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	// Appends and range reads only; blocking reads wait on the shared listener
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create relay_log: %w", err)
	}
	if _, err := pool.Exec(ctx, createIndexSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create relay_log index: %w", err)
	}

	if readiness == nil {
		readiness = resilience.NewReadiness()
	}
	readiness.MarkAvailable(SessionAppend)

	if healthInterval <= 0 {
		healthInterval = 2 * time.Second
	}
	bgCtx, cancel := context.WithCancel(context.Background())
	s := &PostgresLogStore{
		pool:      pool,
		readiness: readiness,
		signals:   newChannelSignals(),
		cancel:    cancel,
	}
	s.wg.Add(2)
	go s.monitor(bgCtx, healthInterval)
	go s.listen(bgCtx, config.ConnConfig, healthInterval)

	return s, nil
}

func (s *PostgresLogStore) Ready() bool {
	return s.readiness.IsAvailable(SessionAppend)
}

func formatSerialID(id int64) string {
	return strconv.FormatInt(id, 10) + "-0"
}

func parseSerialID(s string) (int64, error) {
	id, err := ParseStreamID(s)
	if err != nil {
		return 0, err
	}
	if id.Ms > math.MaxInt64 {
		return 0, fmt.Errorf("stream id %q out of range", s)
	}
	return int64(id.Ms), nil
}

func (s *PostgresLogStore) Append(ctx context.Context, channel string, payload []byte) (string, error) {
	start := time.Now()
	defer func() {
		observability.StoreLatency.WithLabelValues("postgres", "append").Observe(time.Since(start).Seconds())
	}()

	var id int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Without the lock a later id could commit first and a reader that
		// already moved past it would never see the earlier one.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, appendLockSpace, channel); err != nil {
			return err
		}
		if err := tx.QueryRow(ctx,
			`INSERT INTO relay_log (channel, payload) VALUES ($1, $2) RETURNING id`,
			channel, string(payload),
		).Scan(&id); err != nil {
			return err
		}
		// Delivered on commit
		_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, channel)
		return err
	})
	if err != nil {
		s.noteError(err)
		return "", fmt.Errorf("insert relay_log: %w", err)
	}
	return formatSerialID(id), nil
}

func (s *PostgresLogStore) ReadRange(ctx context.Context, channel string, after string, until string, count int64) ([]Entry, error) {
	start := time.Now()
	defer func() {
		observability.StoreLatency.WithLabelValues("postgres", "range").Observe(time.Since(start).Seconds())
	}()

	afterID, err := parseSerialID(after)
	if err != nil {
		return nil, err
	}
	untilID := int64(math.MaxInt64)
	if until != "" {
		if untilID, err = parseSerialID(until); err != nil {
			return nil, err
		}
	}
	if count <= 0 {
		count = math.MaxInt32
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, payload, published_at
		FROM relay_log
		WHERE channel = $1 AND id > $2 AND id <= $3
		ORDER BY id
		LIMIT $4
	`, channel, afterID, untilID, count)
	if err != nil {
		s.noteError(err)
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			id      int64
			payload string
			at      time.Time
		)
		if err := rows.Scan(&id, &payload, &at); err != nil {
			return nil, err
		}
		entries = append(entries, Entry{
			Channel:     channel,
			ID:          formatSerialID(id),
			Payload:     []byte(payload),
			PublishedAt: at,
		})
	}
	return entries, rows.Err()
}

// ReadBlocking re-reads when the shared listener reports an append to channel.
// The wake-up is armed before the first read, so a commit after that read
// cannot be missed.
func (s *PostgresLogStore) ReadBlocking(ctx context.Context, channel string, after string, wait time.Duration, count int64) ([]Entry, error) {
	wake := s.signals.watch(channel)

	entries, err := s.ReadRange(ctx, channel, after, "", count)
	if err != nil || len(entries) > 0 {
		return entries, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-wake:
		return s.ReadRange(ctx, channel, after, "", count)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// listen keeps one dedicated LISTEN connection open and fans notifications
// out to waiting readers, reconnecting after the given backoff.
func (s *PostgresLogStore) listen(ctx context.Context, connConfig *pgx.ConnConfig, backoff time.Duration) {
	defer s.wg.Done()
	for {
		err := s.listenOnce(ctx, connConfig)
		if ctx.Err() != nil {
			return
		}
		s.readiness.MarkUnavailable(SessionRead, err)
		log.Printf("[POSTGRES] listener lost: %v", err)
		// Notifications may have been dropped; make every reader look again.
		s.signals.signalAll()
		if resilience.Sleep(ctx, backoff) != nil {
			return
		}
	}
}

func (s *PostgresLogStore) listenOnce(ctx context.Context, connConfig *pgx.ConnConfig) error {
	conn, err := pgx.ConnectConfig(ctx, connConfig.Copy())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	s.readiness.MarkAvailable(SessionRead)
	s.signals.signalAll()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.signals.signal(n.Payload)
	}
}

func (s *PostgresLogStore) LastID(ctx context.Context, channel string) (string, error) {
	var id *int64
	err := s.pool.QueryRow(ctx, `SELECT MAX(id) FROM relay_log WHERE channel = $1`, channel).Scan(&id)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		s.noteError(err)
		return "", err
	}
	if id == nil {
		return EmptyID, nil
	}
	return formatSerialID(*id), nil
}

// noteError marks the append session down unless the server itself answered.
func (s *PostgresLogStore) noteError(err error) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	s.readiness.MarkUnavailable(SessionAppend, err)
}

func (s *PostgresLogStore) monitor(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := s.pool.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.readiness.MarkUnavailable(SessionAppend, err)
				}
				continue
			}
			s.readiness.MarkAvailable(SessionAppend)
		}
	}
}

// Close stops the monitor and listener and closes the pool.
func (s *PostgresLogStore) Close() error {
	s.cancel()
	s.wg.Wait()
	s.readiness.MarkUnavailable(SessionAppend, ErrClosed)
	s.readiness.MarkUnavailable(SessionRead, ErrClosed)
	s.pool.Close()
	return nil
}
