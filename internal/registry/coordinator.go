// Package registry owns per-chat subscription state.
//
// The Coordinator is the single owner of the chat_id -> Entry map. It
// consumes a serialized stream of tasks; for each task it writes the durable
// store, adjusts the cron scheduler, and only then mutates the map, so the
// three stay convergent after every task. Command handlers and job callbacks
// run concurrently but never touch the map directly.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"mensabot/internal/mealplan"
	"mensabot/internal/store"
	"mensabot/pkg/logx"
)

// JobScheduler is the slice of the cron wrapper the coordinator needs.
type JobScheduler interface {
	AddDaily(hour, minute int, job func(ctx context.Context)) (uuid.UUID, error)
	Remove(id uuid.UUID) bool
}

// Notifier delivers rendered plans to a chat. The bot layer implements it
// on top of the transport adapter, attaching the day-selector markup.
type Notifier interface {
	SendPlan(ctx context.Context, chatID int64, text string) (messageID int, err error)
	RetractMarkup(ctx context.Context, chatID int64, messageID int) error
}

type Config struct {
	Store     store.Registrations
	Scheduler JobScheduler
	Provider  mealplan.Provider
	Notifier  Notifier

	// Location is the timezone send times are interpreted in.
	Location *time.Location
	// BroadcastRatePerSec limits outbound sends during fan-out. 0 disables
	// the limiter.
	BroadcastRatePerSec int
	// TaskBuffer is the task channel capacity (default 64).
	TaskBuffer int
	// QueryTimeout bounds the wait for a query reply (default 5s).
	QueryTimeout time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

type Coordinator struct {
	cfg Config
	log logx.Logger

	tasks   chan Task
	entries map[int64]*Entry

	limiter *rate.Limiter
	now     func() time.Time
}

func New(cfg Config, log logx.Logger) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.TaskBuffer <= 0 {
		cfg.TaskBuffer = 64
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	c := &Coordinator{
		cfg:     cfg,
		log:     log,
		tasks:   make(chan Task, cfg.TaskBuffer),
		entries: map[int64]*Entry{},
		now:     cfg.Now,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if cfg.BroadcastRatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.BroadcastRatePerSec), cfg.BroadcastRatePerSec)
	}
	return c, nil
}

// Submit enqueues a task. It blocks only while the task channel is full.
func (c *Coordinator) Submit(ctx context.Context, t Task) error {
	select {
	case c.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Query is the handler-side helper for QueryRegistration: it creates the
// one-shot reply channel, submits, and waits with a bounded timeout.
func (c *Coordinator) Query(ctx context.Context, chatID int64) (QueryResult, error) {
	reply := make(chan QueryResult, 1)
	if err := c.Submit(ctx, QueryRegistration{ChatID: chatID, Reply: reply}); err != nil {
		return QueryResult{}, err
	}
	timer := time.NewTimer(c.cfg.QueryTimeout)
	defer timer.Stop()
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return QueryResult{}, ctx.Err()
	case <-timer.C:
		return QueryResult{}, fmt.Errorf("registration query for chat %d timed out", chatID)
	}
}

// Locations returns the distinct mensa ids of actively scheduled chats.
func (c *Coordinator) Locations(ctx context.Context) ([]int64, error) {
	reply := make(chan []int64, 1)
	if err := c.Submit(ctx, QueryLocations{Reply: reply}); err != nil {
		return nil, err
	}
	timer := time.NewTimer(c.cfg.QueryTimeout)
	defer timer.Stop()
	select {
	case ids := <-reply:
		return ids, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errors.New("location query timed out")
	}
}

// Run processes tasks until ctx is cancelled. It is the only goroutine that
// mutates the entry map.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-c.tasks:
			c.apply(ctx, t)
		}
	}
}

func (c *Coordinator) apply(ctx context.Context, t Task) {
	switch t := t.(type) {
	case Register:
		c.applyRegister(ctx, t)
	case UpdateRegistration:
		c.applyUpdate(ctx, t)
	case Unregister:
		c.applyUnregister(ctx, t)
	case QueryRegistration:
		c.applyQuery(t)
	case QueryLocations:
		c.applyQueryLocations(t)
	case InsertMarkupMessageID:
		c.applyInsertMarkup(ctx, t)
	case BroadcastUpdate:
		c.applyBroadcast(ctx, t)
	default:
		// Task is a closed set; a new variant without a handler is a bug.
		c.log.Error("unhandled task type", logx.Any("task", fmt.Sprintf("%T", t)))
	}
}

func (c *Coordinator) applyRegister(ctx context.Context, t Register) {
	if err := c.cfg.Store.UpsertFull(ctx, t.ChatID, t.MensaID, t.Hour, t.Minute); err != nil {
		c.log.Error("register: store write failed", logx.Int64("chat_id", t.ChatID), logx.Err(err))
		return
	}

	prev := c.entries[t.ChatID]
	if prev != nil && prev.JobID != nil {
		// Re-register replaces any live job.
		c.cfg.Scheduler.Remove(*prev.JobID)
	}

	e := &Entry{MensaID: t.MensaID, Hour: intPtr(t.Hour), Minute: intPtr(t.Minute)}
	if prev != nil {
		e.LastMarkupID = prev.LastMarkupID
		e.LastSent = prev.LastSent
	}

	id, err := c.cfg.Scheduler.AddDaily(t.Hour, t.Minute, c.jobFor(t.ChatID, t.MensaID))
	if err != nil {
		// Keep store and map convergent: no job means no schedule.
		c.log.Error("register: scheduling failed", logx.Int64("chat_id", t.ChatID), logx.Err(err))
		if serr := c.cfg.Store.ClearSchedule(ctx, t.ChatID); serr != nil {
			c.log.Error("register: schedule rollback failed", logx.Int64("chat_id", t.ChatID), logx.Err(serr))
		}
		e.Hour, e.Minute = nil, nil
	} else {
		e.JobID = &id
	}
	c.entries[t.ChatID] = e
	c.log.Info("chat registered",
		logx.Int64("chat_id", t.ChatID),
		logx.Int64("mensa_id", t.MensaID),
		logx.String("at", fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)))
}

func (c *Coordinator) applyUpdate(ctx context.Context, t UpdateRegistration) {
	prev, ok := c.entries[t.ChatID]
	if !ok {
		// Handlers only emit updates for registered chats.
		c.log.Error("update for unregistered chat", logx.Int64("chat_id", t.ChatID))
		return
	}
	if t.MensaID == nil && t.Hour == nil && t.Minute == nil {
		return
	}

	patch := store.Patch{MensaID: t.MensaID, Hour: t.Hour, Minute: t.Minute}
	if err := c.cfg.Store.UpdatePartial(ctx, t.ChatID, patch); err != nil {
		c.log.Error("update: store write failed", logx.Int64("chat_id", t.ChatID), logx.Err(err))
		return
	}

	// Merge: task-supplied wins, nil keeps previous.
	mensa := prev.MensaID
	if t.MensaID != nil {
		mensa = *t.MensaID
	}
	hour := prev.Hour
	if t.Hour != nil {
		hour = clonePtr(t.Hour)
	}
	minute := prev.Minute
	if t.Minute != nil {
		minute = clonePtr(t.Minute)
	}

	// Any supplied schedule-affecting field re-creates the job so the
	// closure captures the current mensa and time.
	jobID := prev.JobID
	if prev.JobID != nil {
		c.cfg.Scheduler.Remove(*prev.JobID)
		jobID = nil
	}
	if hour != nil && minute != nil {
		id, err := c.cfg.Scheduler.AddDaily(*hour, *minute, c.jobFor(t.ChatID, mensa))
		if err != nil {
			c.log.Error("update: scheduling failed", logx.Int64("chat_id", t.ChatID), logx.Err(err))
		} else {
			jobID = &id
		}
	}

	c.entries[t.ChatID] = &Entry{
		JobID:        jobID,
		MensaID:      mensa,
		Hour:         hour,
		Minute:       minute,
		LastMarkupID: prev.LastMarkupID,
		LastSent:     prev.LastSent,
	}
}

func (c *Coordinator) applyUnregister(ctx context.Context, t Unregister) {
	e, ok := c.entries[t.ChatID]
	if !ok {
		c.log.Warn("unregister for unregistered chat", logx.Int64("chat_id", t.ChatID))
		return
	}
	if err := c.cfg.Store.ClearSchedule(ctx, t.ChatID); err != nil {
		c.log.Error("unregister: store write failed", logx.Int64("chat_id", t.ChatID), logx.Err(err))
		return
	}
	if e.JobID != nil {
		c.cfg.Scheduler.Remove(*e.JobID)
	}
	e.JobID, e.Hour, e.Minute = nil, nil, nil
	c.log.Info("chat unsubscribed", logx.Int64("chat_id", t.ChatID))
}

func (c *Coordinator) applyQuery(t QueryRegistration) {
	if t.Reply == nil {
		c.log.Error("query without reply channel")
		return
	}
	res := QueryResult{}
	if e, ok := c.entries[t.ChatID]; ok {
		res = QueryResult{Found: true, Entry: e.clone()}
	} else {
		c.log.Debug("query for unregistered chat", logx.Int64("chat_id", t.ChatID))
	}
	// Reply channels are buffered by contract; never block the loop on a
	// misbehaving caller.
	select {
	case t.Reply <- res:
	default:
		c.log.Warn("query reply dropped (unbuffered or abandoned channel)", logx.Int64("chat_id", t.ChatID))
	}
}

func (c *Coordinator) applyQueryLocations(t QueryLocations) {
	if t.Reply == nil {
		c.log.Error("location query without reply channel")
		return
	}
	seen := map[int64]struct{}{}
	var ids []int64
	for _, e := range c.entries {
		if !e.Scheduled() {
			continue
		}
		if _, ok := seen[e.MensaID]; ok {
			continue
		}
		seen[e.MensaID] = struct{}{}
		ids = append(ids, e.MensaID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	select {
	case t.Reply <- ids:
	default:
		c.log.Warn("location query reply dropped")
	}
}

func (c *Coordinator) applyInsertMarkup(ctx context.Context, t InsertMarkupMessageID) {
	e, ok := c.entries[t.ChatID]
	if !ok {
		// Producers (job callbacks, broadcast loop) always hold an entry;
		// reaching this is a bug, not a user-input condition.
		c.log.Error("markup insert for unregistered chat (invariant violation)",
			logx.Int64("chat_id", t.ChatID), logx.Int("message_id", t.MessageID))
		return
	}
	now := c.now()
	if err := c.cfg.Store.SetLastMarkup(ctx, t.ChatID, t.MessageID, now); err != nil {
		c.log.Error("markup insert: store write failed", logx.Int64("chat_id", t.ChatID), logx.Err(err))
		return
	}
	e.LastMarkupID = intPtr(t.MessageID)
	e.LastSent = &now
}

func (c *Coordinator) applyBroadcast(ctx context.Context, t BroadcastUpdate) {
	now := c.now().In(c.cfg.Location)

	// Collect targets first; the map must not be ranged while sends mutate
	// markup state.
	var chatIDs []int64
	for chatID, e := range c.entries {
		if e.MensaID != t.MensaID || !e.Scheduled() {
			continue
		}
		if !sendTimeElapsed(*e.Hour, *e.Minute, now) {
			continue
		}
		chatIDs = append(chatIDs, chatID)
	}
	if len(chatIDs) == 0 {
		return
	}
	sort.Slice(chatIDs, func(i, j int) bool { return chatIDs[i] < chatIDs[j] })

	text := ""
	if c.cfg.Provider != nil {
		text = c.cfg.Provider.Fetch(ctx, 0, t.MensaID)
	}

	c.log.Info("broadcasting menu update",
		logx.Int64("mensa_id", t.MensaID), logx.Int("chats", len(chatIDs)))

	for _, chatID := range chatIDs {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
		}
		e := c.entries[chatID]
		msgID, err := c.cfg.Notifier.SendPlan(ctx, chatID, text)
		if err != nil {
			// Per-chat isolation: one failed send never aborts the fan-out.
			c.log.Warn("broadcast send failed", logx.Int64("chat_id", chatID), logx.Err(err))
			continue
		}
		if e.LastMarkupID != nil {
			if rerr := c.cfg.Notifier.RetractMarkup(ctx, chatID, *e.LastMarkupID); rerr != nil {
				c.log.Debug("markup retract failed", logx.Int64("chat_id", chatID), logx.Err(rerr))
			}
		}
		// Applied inline rather than re-submitted: re-enqueueing from the
		// coordinator loop could deadlock on a full task channel.
		c.applyInsertMarkup(ctx, InsertMarkupMessageID{ChatID: chatID, MessageID: msgID})
	}
}

// sendTimeElapsed reports whether a chat's scheduled send time is at or
// before now's time of day.
func sendTimeElapsed(hour, minute int, now time.Time) bool {
	return hour < now.Hour() || (hour == now.Hour() && minute <= now.Minute())
}

func intPtr(v int) *int { return &v }
