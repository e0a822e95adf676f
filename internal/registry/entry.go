package registry

import (
	"time"

	"github.com/google/uuid"
)

// Entry is the in-memory registration of one chat.
//
// Invariants (checked after every task):
//   - JobID != nil ⇔ Hour != nil && Minute != nil ⇔ a live cron job exists
//   - the durable row for ChatID matches MensaID/Hour/Minute
//   - LastMarkupID refers to the newest interactive message, or is nil
type Entry struct {
	JobID        *uuid.UUID
	MensaID      int64
	Hour         *int
	Minute       *int
	LastMarkupID *int
	// LastSent is when the chat last received an automatic or broadcast
	// send; it makes the "already delivered today" ordering explicit.
	LastSent *time.Time
}

// Scheduled reports whether the entry has an active send schedule.
func (e Entry) Scheduled() bool { return e.Hour != nil && e.Minute != nil }

// clone returns a deep copy so query answers can never alias coordinator
// state.
func (e Entry) clone() Entry {
	cp := e
	cp.JobID = clonePtr(e.JobID)
	cp.Hour = clonePtr(e.Hour)
	cp.Minute = clonePtr(e.Minute)
	cp.LastMarkupID = clonePtr(e.LastMarkupID)
	cp.LastSent = clonePtr(e.LastSent)
	return cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
