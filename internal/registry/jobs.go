package registry

import (
	"context"

	"mensabot/pkg/logx"
)

// jobFor builds the cron callback for one chat. Chat id and mensa id are
// captured at creation time; the job is re-created whenever either changes,
// so it never reads the map at fire time.
func (c *Coordinator) jobFor(chatID, mensaID int64) func(ctx context.Context) {
	return func(ctx context.Context) {
		c.runScheduledSend(ctx, chatID, mensaID)
	}
}

func (c *Coordinator) runScheduledSend(ctx context.Context, chatID, mensaID int64) {
	if c.cfg.Provider == nil || c.cfg.Notifier == nil {
		return
	}
	text := c.cfg.Provider.Fetch(ctx, 0, mensaID)

	msgID, err := c.cfg.Notifier.SendPlan(ctx, chatID, text)
	if err != nil {
		c.log.Warn("scheduled send failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return
	}

	// Retract the previous day selector. The query goes through the task
	// protocol like any other concurrent reader.
	res, err := c.Query(ctx, chatID)
	if err != nil {
		c.log.Warn("scheduled send: markup query failed", logx.Int64("chat_id", chatID), logx.Err(err))
	} else if res.Found && res.Entry.LastMarkupID != nil {
		if rerr := c.cfg.Notifier.RetractMarkup(ctx, chatID, *res.Entry.LastMarkupID); rerr != nil {
			c.log.Debug("markup retract failed", logx.Int64("chat_id", chatID), logx.Err(rerr))
		}
	}

	if err := c.Submit(ctx, InsertMarkupMessageID{ChatID: chatID, MessageID: msgID}); err != nil {
		c.log.Warn("scheduled send: markup insert not submitted", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

// Bootstrap loads every persisted registration and reconstructs the
// scheduler jobs for rows with an active schedule. Call before Run and
// before the scheduler starts firing.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	rows, err := c.cfg.Store.LoadAll(ctx)
	if err != nil {
		return err
	}

	scheduled := 0
	for _, r := range rows {
		e := &Entry{
			MensaID:      r.MensaID,
			Hour:         clonePtr(r.Hour),
			Minute:       clonePtr(r.Minute),
			LastMarkupID: clonePtr(r.LastMarkupID),
			LastSent:     clonePtr(r.LastSent),
		}
		if r.Scheduled() {
			id, err := c.cfg.Scheduler.AddDaily(*r.Hour, *r.Minute, c.jobFor(r.ChatID, r.MensaID))
			if err != nil {
				c.log.Error("bootstrap: scheduling failed",
					logx.Int64("chat_id", r.ChatID), logx.Err(err))
				e.Hour, e.Minute = nil, nil
			} else {
				e.JobID = &id
				scheduled++
			}
		}
		c.entries[r.ChatID] = e
	}

	c.log.Info("registrations loaded",
		logx.Int("total", len(rows)), logx.Int("scheduled", scheduled))
	return nil
}
