// Package store persists per-chat registrations in SQLite.
//
// One row per chat that ever registered. Rows are never deleted at runtime;
// unsubscribing only clears the schedule columns.
package store

import (
	"context"
	"time"
)

// Row is a persisted registration.
//
// Hour/Minute are both nil when the chat has no automatic schedule; they are
// always set (or cleared) together.
type Row struct {
	ChatID       int64
	MensaID      int64
	Hour         *int
	Minute       *int
	LastMarkupID *int
	LastSent     *time.Time
}

// Scheduled reports whether the row carries an active send schedule.
func (r Row) Scheduled() bool { return r.Hour != nil && r.Minute != nil }

// Patch is a partial registration update; nil fields are left untouched.
type Patch struct {
	MensaID *int64
	Hour    *int
	Minute  *int
}

// Empty reports whether the patch would change nothing.
func (p Patch) Empty() bool { return p.MensaID == nil && p.Hour == nil && p.Minute == nil }

// Registrations is the durable registration table consumed by the
// coordinator.
type Registrations interface {
	// UpsertFull creates or fully replaces the schedule-bearing fields of a
	// registration. LastMarkupID/LastSent survive the upsert.
	UpsertFull(ctx context.Context, chatID, mensaID int64, hour, minute int) error
	// UpdatePartial applies a patch to an existing row.
	UpdatePartial(ctx context.Context, chatID int64, p Patch) error
	// ClearSchedule nils out hour/minute, keeping the row.
	ClearSchedule(ctx context.Context, chatID int64) error
	// SetLastMarkup records the newest interactive message and its send time.
	SetLastMarkup(ctx context.Context, chatID int64, messageID int, sentAt time.Time) error
	// LoadAll returns every persisted registration.
	LoadAll(ctx context.Context) ([]Row, error)
	Close() error
}
