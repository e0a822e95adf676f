// Package bot maps chat commands onto the coordinator's task protocol.
//
// Each handler invocation is one concurrent producer: it validates input
// locally, submits tasks, and for reads awaits exactly one reply through
// the coordinator's query helper. User input errors never reach the
// coordinator.
package bot

import (
	"context"

	"mensabot/internal/mealplan"
	"mensabot/internal/registry"
	kit "mensabot/internal/transport"
	"mensabot/pkg/logx"
)

type Config struct {
	// DefaultHour/DefaultMinute are used by /start and /subscribe when the
	// chat never picked a send time.
	DefaultHour   int
	DefaultMinute int
}

type Router struct {
	cfg      Config
	log      logx.Logger
	ad       kit.Adapter
	coord    *registry.Coordinator
	provider mealplan.Provider
}

func NewRouter(cfg Config, ad kit.Adapter, coord *registry.Coordinator, provider mealplan.Provider, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{cfg: cfg, log: log, ad: ad, coord: coord, provider: provider}
}

// Commands returns the platform command menu.
func (r *Router) Commands() []kit.BotCommand {
	return []kit.BotCommand{
		{Command: "start", Description: "register this chat for a cafeteria"},
		{Command: "today", Description: "today's menu"},
		{Command: "tomorrow", Description: "tomorrow's menu"},
		{Command: "overmorrow", Description: "menu for the day after tomorrow"},
		{Command: "mensa", Description: "switch cafeteria"},
		{Command: "subscribe", Description: "daily menu on weekdays"},
		{Command: "unsubscribe", Description: "stop automatic menus"},
		{Command: "time", Description: "change the daily send time"},
		{Command: "help", Description: "show usage"},
	}
}

// Dispatch routes one update. It is safe to call concurrently; all shared
// state sits behind the coordinator.
func (r *Router) Dispatch(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message == nil {
			return
		}
		cmd, args, ok := parseCommand(up.Message.Text)
		if !ok {
			return
		}
		r.handleCommand(ctx, up.Message.ChatID, cmd, args)
	case kit.UpdateCallback:
		if up.Callback == nil {
			return
		}
		r.handleCallback(ctx, up.Callback)
	}
}

func (r *Router) reply(ctx context.Context, chatID int64, text string) {
	_, err := r.ad.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text,
		&kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	if err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}
