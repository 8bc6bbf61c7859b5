package store

import (
	"context"
	"errors"
	"time"
)

const (
	// Beginning is the cursor that precedes every entry of a channel.
	Beginning = "0"
	// EmptyID is returned by LastID for a channel with no entries.
	EmptyID = "0-0"

	// Session names reported to the readiness tracker.
	SessionAppend = "append"
	SessionRead   = "read"
)

var (
	ErrNotReady = errors.New("log store not ready")
	ErrClosed   = errors.New("log store closed")
)

// Entry is one record of a channel's append-only log.
type Entry struct {
	Channel     string    `json:"channel"`
	ID          string    `json:"id"`
	Payload     []byte    `json:"payload"`
	PublishedAt time.Time `json:"published_at"`
}

// LogStore abstracts over the durable append-only log shared by all relay instances.
// IDs are monotonic per channel and use the stream ID format "<ms>-<seq>".
type LogStore interface {
	// Append stores payload under a fresh ID and returns that ID.
	Append(ctx context.Context, channel string, payload []byte) (string, error)

	// ReadRange returns up to count entries with after < ID <= until, in ID order.
	// An empty until means no upper bound.
	ReadRange(ctx context.Context, channel string, after string, until string, count int64) ([]Entry, error)

	// ReadBlocking waits up to wait for entries with ID > after.
	// It returns an empty slice (and no error) on timeout.
	ReadBlocking(ctx context.Context, channel string, after string, wait time.Duration, count int64) ([]Entry, error)

	// LastID returns the newest ID of the channel, or EmptyID.
	LastID(ctx context.Context, channel string) (string, error)

	// Ready reports whether the append session is currently connected.
	Ready() bool

	Close() error
}
