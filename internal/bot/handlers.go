package bot

import (
	"context"
	"fmt"

	"mensabot/internal/registry"
	kit "mensabot/internal/transport"
	"mensabot/pkg/logx"
)

func (r *Router) handleCommand(ctx context.Context, chatID int64, cmd, args string) {
	switch cmd {
	case "start":
		r.handleStart(ctx, chatID, args)
	case "today":
		r.handleShow(ctx, chatID, 0)
	case "tomorrow":
		r.handleShow(ctx, chatID, 1)
	case "overmorrow":
		r.handleShow(ctx, chatID, 2)
	case "mensa":
		r.handleMensa(ctx, chatID, args)
	case "subscribe":
		r.handleSubscribe(ctx, chatID)
	case "unsubscribe":
		r.handleUnsubscribe(ctx, chatID)
	case "time":
		r.handleTime(ctx, chatID, args)
	case "help":
		r.reply(ctx, chatID, textHelp)
	default:
		// Unknown commands get usage, not an error.
		r.reply(ctx, chatID, textHelp)
	}
}

func (r *Router) handleStart(ctx context.Context, chatID int64, args string) {
	mensaID, err := parseMensaID(args)
	if err != nil {
		r.reply(ctx, chatID, textBadMensaArg)
		return
	}
	task := registry.Register{
		ChatID:  chatID,
		MensaID: mensaID,
		Hour:    r.cfg.DefaultHour,
		Minute:  r.cfg.DefaultMinute,
	}
	if err := r.coord.Submit(ctx, task); err != nil {
		r.log.Warn("register not submitted", logx.Int64("chat_id", chatID), logx.Err(err))
		r.reply(ctx, chatID, textTemporaryError)
		return
	}
	r.reply(ctx, chatID, fmt.Sprintf(textRegistered, formatHHMM(task.Hour, task.Minute)))
}

// handleShow answers /today, /tomorrow and /overmorrow: an on-demand plan
// with a fresh day selector, superseding the previous one.
func (r *Router) handleShow(ctx context.Context, chatID int64, offset int) {
	res, err := r.coord.Query(ctx, chatID)
	if err != nil {
		r.log.Warn("registration query failed", logx.Int64("chat_id", chatID), logx.Err(err))
		r.reply(ctx, chatID, textTemporaryError)
		return
	}
	if !res.Found {
		r.reply(ctx, chatID, textNotRegistered)
		return
	}

	text := r.provider.Fetch(ctx, offset, res.Entry.MensaID)
	ref, err := r.ad.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, planSendOptions(offset))
	if err != nil {
		r.log.Warn("plan send failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return
	}

	if res.Entry.LastMarkupID != nil {
		old := kit.MessageRef{ChatID: chatID, MessageID: *res.Entry.LastMarkupID}
		if rerr := r.ad.RetractMarkup(ctx, old); rerr != nil {
			r.log.Debug("markup retract failed", logx.Int64("chat_id", chatID), logx.Err(rerr))
		}
	}
	if err := r.coord.Submit(ctx, registry.InsertMarkupMessageID{ChatID: chatID, MessageID: ref.MessageID}); err != nil {
		r.log.Warn("markup insert not submitted", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

func (r *Router) handleMensa(ctx context.Context, chatID int64, args string) {
	mensaID, err := parseMensaID(args)
	if err != nil {
		r.reply(ctx, chatID, textBadMensaArg)
		return
	}
	res, err := r.coord.Query(ctx, chatID)
	if err != nil || !res.Found {
		r.reply(ctx, chatID, textNotRegistered)
		return
	}
	if err := r.coord.Submit(ctx, registry.UpdateRegistration{ChatID: chatID, MensaID: &mensaID}); err != nil {
		r.reply(ctx, chatID, textTemporaryError)
		return
	}
	r.reply(ctx, chatID, fmt.Sprintf(textMensaChanged, mensaID))
}

func (r *Router) handleSubscribe(ctx context.Context, chatID int64) {
	res, err := r.coord.Query(ctx, chatID)
	if err != nil || !res.Found {
		r.reply(ctx, chatID, textNotRegistered)
		return
	}
	if res.Entry.Scheduled() {
		r.reply(ctx, chatID, fmt.Sprintf(textAlreadySub, formatHHMM(*res.Entry.Hour, *res.Entry.Minute)))
		return
	}
	hour, minute := r.cfg.DefaultHour, r.cfg.DefaultMinute
	task := registry.UpdateRegistration{ChatID: chatID, Hour: &hour, Minute: &minute}
	if err := r.coord.Submit(ctx, task); err != nil {
		r.reply(ctx, chatID, textTemporaryError)
		return
	}
	r.reply(ctx, chatID, fmt.Sprintf(textSubscribed, formatHHMM(hour, minute)))
}

func (r *Router) handleUnsubscribe(ctx context.Context, chatID int64) {
	res, err := r.coord.Query(ctx, chatID)
	if err != nil || !res.Found {
		r.reply(ctx, chatID, textNotRegistered)
		return
	}
	if !res.Entry.Scheduled() {
		r.reply(ctx, chatID, textNotSubscribed)
		return
	}
	if err := r.coord.Submit(ctx, registry.Unregister{ChatID: chatID}); err != nil {
		r.reply(ctx, chatID, textTemporaryError)
		return
	}
	r.reply(ctx, chatID, textUnsubscribed)
}

func (r *Router) handleTime(ctx context.Context, chatID int64, args string) {
	hour, minute, err := parseHHMM(args)
	if err != nil {
		r.reply(ctx, chatID, textBadTimeArg)
		return
	}
	res, err := r.coord.Query(ctx, chatID)
	if err != nil || !res.Found {
		r.reply(ctx, chatID, textNotRegistered)
		return
	}
	task := registry.UpdateRegistration{ChatID: chatID, Hour: &hour, Minute: &minute}
	if err := r.coord.Submit(ctx, task); err != nil {
		r.reply(ctx, chatID, textTemporaryError)
		return
	}
	r.reply(ctx, chatID, fmt.Sprintf(textTimeChanged, formatHHMM(hour, minute)))
}

// handleCallback switches an already sent plan message to another day.
// Editing keeps the message id, so the tracked markup id stays valid.
func (r *Router) handleCallback(ctx context.Context, cb *kit.Callback) {
	offset, ok := parsePlanCallback(cb.Data)
	if !ok {
		_ = r.ad.AnswerCallback(ctx, cb.ID, "")
		return
	}
	res, err := r.coord.Query(ctx, cb.ChatID)
	if err != nil || !res.Found {
		_ = r.ad.AnswerCallback(ctx, cb.ID, textNotRegistered)
		return
	}

	text := r.provider.Fetch(ctx, offset, res.Entry.MensaID)
	ref := kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	if err := r.ad.EditText(ctx, ref, text, planSendOptions(offset)); err != nil {
		r.log.Debug("plan edit failed", logx.Int64("chat_id", cb.ChatID), logx.Err(err))
	}
	_ = r.ad.AnswerCallback(ctx, cb.ID, "")
}
