package bot

import (
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "mensabot/internal/transport"
)

// Day-selector inline keyboard. Callback data format: "plan:<offset>".
const planCallbackPrefix = "plan:"

var dayLabels = [...]string{"Today", "Tomorrow", "Day after"}

// daySelector builds the inline keyboard attached to every plan message.
// The currently shown offset is marked and not clickable again.
func daySelector(current int) *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	row := make(tele.Row, 0, len(dayLabels))
	for off, label := range dayLabels {
		text := label
		if off == current {
			text = "• " + label + " •"
		}
		row = append(row, rm.Data(text, "", planCallbackPrefix+strconv.Itoa(off)))
	}
	rm.Inline(row)
	return rm
}

// parsePlanCallback extracts the day offset from callback data; ok is false
// for foreign or malformed payloads.
func parsePlanCallback(data string) (offset int, ok bool) {
	data = strings.TrimSpace(data)
	if !strings.HasPrefix(data, planCallbackPrefix) {
		return 0, false
	}
	off, err := strconv.Atoi(strings.TrimPrefix(data, planCallbackPrefix))
	if err != nil || off < 0 || off > 2 {
		return 0, false
	}
	return off, true
}

func planSendOptions(offset int) *kit.SendOptions {
	return &kit.SendOptions{
		ParseMode:          "HTML",
		DisablePreview:     true,
		ReplyMarkupAdapter: daySelector(offset),
	}
}

func formatHHMM(hour, minute int) string {
	return fmt.Sprintf("%02d:%02d", hour, minute)
}
