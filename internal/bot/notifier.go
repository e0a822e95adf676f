package bot

import (
	"context"

	"mensabot/internal/registry"
	kit "mensabot/internal/transport"
)

// notifier implements registry.Notifier: it delivers rendered plans with
// the day-selector keyboard attached and retracts stale keyboards.
type notifier struct {
	ad kit.Adapter
}

// NewNotifier adapts the transport adapter to the coordinator's Notifier.
func NewNotifier(ad kit.Adapter) registry.Notifier {
	return &notifier{ad: ad}
}

func (n *notifier) SendPlan(ctx context.Context, chatID int64, text string) (int, error) {
	ref, err := n.ad.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, planSendOptions(0))
	if err != nil {
		return 0, err
	}
	return ref.MessageID, nil
}

func (n *notifier) RetractMarkup(ctx context.Context, chatID int64, messageID int) error {
	return n.ad.RetractMarkup(ctx, kit.MessageRef{ChatID: chatID, MessageID: messageID})
}
