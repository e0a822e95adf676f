// Package sched wraps robfig/cron for per-chat recurring send jobs.
//
// Each job fires independently on its own cron schedule; callbacks may run
// concurrently with each other and with the coordinator loop, so they must
// only touch shared state through the task protocol.
package sched

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"mensabot/pkg/logx"
)

// weekdaySpec builds the cron expression for a daily weekday send at the
// given local time. The parser is seconds-enabled, hence the leading 0.
func weekdaySpec(hour, minute int) string {
	return fmt.Sprintf("0 %d %d * * Mon,Tue,Wed,Thu,Fri", minute, hour)
}

// Cron schedules recurring jobs identified by opaque uuid handles.
type Cron struct {
	log logx.Logger
	loc *time.Location

	mu      sync.Mutex
	c       *cron.Cron
	entries map[uuid.UUID]cron.EntryID

	// base is the context handed to job callbacks; cancelled on Stop.
	base   context.Context
	cancel context.CancelFunc
}

func New(loc *time.Location, log logx.Logger) *Cron {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	base, cancel := context.WithCancel(context.Background())
	parser := cron.NewParser(
		cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Cron{
		log:     log,
		loc:     loc,
		c:       cron.New(cron.WithParser(parser), cron.WithLocation(loc)),
		entries: map[uuid.UUID]cron.EntryID{},
		base:    base,
		cancel:  cancel,
	}
}

// Location returns the scheduler's reference timezone.
func (s *Cron) Location() *time.Location { return s.loc }

// AddDaily registers a weekday job at hour:minute (scheduler timezone) and
// returns its handle. The callback is panic-recovered; a panicking job only
// skips its own fire.
func (s *Cron) AddDaily(hour, minute int, job func(ctx context.Context)) (uuid.UUID, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return uuid.Nil, fmt.Errorf("invalid schedule time %02d:%02d", hour, minute)
	}
	if job == nil {
		return uuid.Nil, fmt.Errorf("nil job")
	}

	id := uuid.New()
	spec := weekdaySpec(hour, minute)

	s.mu.Lock()
	defer s.mu.Unlock()
	eid, err := s.c.AddFunc(spec, func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("scheduled job panicked",
					logx.String("job", id.String()),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		job(s.base)
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("add cron %q: %w", spec, err)
	}
	s.entries[id] = eid
	s.log.Debug("job scheduled",
		logx.String("job", id.String()),
		logx.String("spec", spec))
	return id, nil
}

// Remove cancels the job with the given handle. Unknown handles are a no-op
// and return false.
func (s *Cron) Remove(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	eid, ok := s.entries[id]
	if !ok {
		return false
	}
	s.c.Remove(eid)
	delete(s.entries, id)
	s.log.Debug("job removed", logx.String("job", id.String()))
	return true
}

// Len returns the number of live jobs.
func (s *Cron) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Cron) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.Start()
	s.log.Info("scheduler started",
		logx.String("tz", s.loc.String()),
		logx.Int("jobs", len(s.entries)))
}

// Stop halts scheduling and waits for running callbacks up to ctx deadline.
func (s *Cron) Stop(ctx context.Context) error {
	s.cancel()
	s.mu.Lock()
	done := s.c.Stop().Done()
	s.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
