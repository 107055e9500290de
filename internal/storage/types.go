package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownDriver = errors.New("unknown store driver")
	ErrClosed        = errors.New("store closed")
)

// DefaultSentinelRank marks items whose media lives in the object store.
const DefaultSentinelRank = 99999

// Config configures the item store.
type Config struct {
	Driver      string
	Path        string        // sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pool default
}

// Item is one queued piece of content.
//
// Media is referenced by FileID (a transport-native handle) or URL, in that
// priority order. Signature is persisted for the moderation side and not
// interpreted here.
type Item struct {
	ID        int64
	Rank      int
	URL       string
	FileID    string
	Signature string
	Caption   string
	DateAdded time.Time // calendar date, UTC midnight
	Checked   bool
	Approved  bool
	Published bool
}

// Eligible reports whether the item may be dispatched.
func (it Item) Eligible() bool {
	return it.Checked && it.Approved && !it.Published
}

// HasMedia reports whether the item references any media.
func (it Item) HasMedia() bool {
	return it.FileID != "" || it.URL != ""
}

// MediaRef returns the preferred media reference (FileID, else URL).
func (it Item) MediaRef() string {
	if it.FileID != "" {
		return it.FileID
	}
	return it.URL
}

// PurgeCounts reports what a retention purge removed.
type PurgeCounts struct {
	Unapproved int64
	Published  int64
}

// ItemStore is the persistence API used by dispatch and retention.
type ItemStore interface {
	// NextEligible returns the highest-ranked eligible item. ok is false when
	// the queue is empty.
	NextEligible(ctx context.Context) (item Item, ok bool, err error)
	SetPublished(ctx context.Context, id int64, v bool) error
	SetChecked(ctx context.Context, id int64, v bool) error
	SetApproved(ctx context.Context, id int64, v bool) error
	// PurgeOlderThan deletes items dated on or before cutoff that are either
	// rejected (checked and not approved) or published.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (PurgeCounts, error)

	Insert(ctx context.Context, it Item) (int64, error)
	ListEligible(ctx context.Context, limit int) ([]Item, error)
	Close() error
}

// DateOnly truncates t to its calendar date in UTC.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
