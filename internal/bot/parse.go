package bot

import (
	"fmt"
	"strconv"
	"strings"
)

// parseCommand splits "/cmd@botname arg1 arg2" into the bare command name
// and its argument tail. ok is false for non-command text.
func parseCommand(text string) (cmd, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, tail, _ := strings.Cut(text[1:], " ")
	if head == "" {
		return "", "", false
	}
	// strip @botname suffix used in groups
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	return strings.ToLower(head), strings.TrimSpace(tail), true
}

// parseHHMM parses "H:MM" / "HH:MM" into hour and minute.
func parseHHMM(s string) (hour, minute int, err error) {
	hs, ms, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	hour, err = strconv.Atoi(hs)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour %q", hs)
	}
	minute, err = strconv.Atoi(ms)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute %q", ms)
	}
	return hour, minute, nil
}

// parseMensaID parses a numeric cafeteria id argument.
func parseMensaID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid mensa id %q", s)
	}
	return id, nil
}
