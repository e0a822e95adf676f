package mealplan

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"mensabot/pkg/logx"
)

// Cache tracks the rendered "today" plan per mensa and reports content
// changes. It is the producer of menu-change broadcasts: the refresh job
// calls Refresh with the set of subscribed mensas, and onChange fires once
// per mensa whose plan text changed since the last look at the same day.
//
// A date rollover replaces the stored hash without firing; the first plan of
// a new day is delivered by the per-chat cron jobs, not by a broadcast.
type Cache struct {
	provider Provider
	loc      *time.Location
	onChange func(mensaID int64)
	log      logx.Logger

	mu   sync.Mutex
	day  string // date the hashes belong to, YYYY-MM-DD
	hash map[int64]uint64
}

func NewCache(p Provider, loc *time.Location, onChange func(mensaID int64), log logx.Logger) *Cache {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{
		provider: p,
		loc:      loc,
		onChange: onChange,
		log:      log,
		hash:     map[int64]uint64{},
	}
}

// Refresh re-fetches today's plan for every given mensa and fires onChange
// for each whose rendered text differs from the cached one.
func (c *Cache) Refresh(ctx context.Context, mensaIDs []int64) {
	today := time.Now().In(c.loc).Format("2006-01-02")

	for _, id := range mensaIDs {
		if ctx.Err() != nil {
			return
		}
		text := c.provider.Fetch(ctx, 0, id)
		h := hashText(text)

		c.mu.Lock()
		sameDay := c.day == today
		prev, seen := c.hash[id]
		if !sameDay {
			// Day rolled over: reset all hashes, keep this fetch as baseline.
			c.day = today
			c.hash = map[int64]uint64{}
			seen = false
		}
		c.hash[id] = h
		c.mu.Unlock()

		if sameDay && seen && prev != h {
			c.log.Info("menu changed", logx.Int64("mensa_id", id))
			if c.onChange != nil {
				c.onChange(id)
			}
		}
	}
}

func hashText(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
