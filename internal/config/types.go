// Package config loads and watches the mensabot configuration file.
//
// Config files may be YAML or JSON; YAML is coerced to JSON so both formats
// go through the same strict decoder (unknown fields are rejected).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Store     StoreConfig     `json:"store"`
	MealPlan  MealPlanConfig  `json:"mealplan"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Logging   LoggingConfig   `json:"logging"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"` // duration, default 10s
}

type StoreConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // duration, default 5s
}

type MealPlanConfig struct {
	// Backend selects how plans are fetched: "api" (JSON) or "scrape" (HTML).
	Backend string `json:"backend"`
	BaseURL string `json:"base_url"`
	// FetchTimeout bounds a single upstream request. Duration, default 15s.
	FetchTimeout string `json:"fetch_timeout,omitempty"`
	// RefreshEvery is the cache refresh cadence driving menu-change
	// broadcasts. Duration, default 30m. Empty disables refresh.
	RefreshEvery string `json:"refresh_every,omitempty"`
}

type SchedulerConfig struct {
	// Timezone in which chat send times are interpreted (e.g. "Europe/Berlin").
	Timezone string `json:"timezone"`
	// DefaultHour/DefaultMinute are used by /subscribe when the chat never
	// picked a time.
	DefaultHour   int `json:"default_hour,omitempty"`
	DefaultMinute int `json:"default_minute,omitempty"`
	// BroadcastRatePerSec limits outbound sends during broadcast fan-out.
	BroadcastRatePerSec int `json:"broadcast_rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file"`
}

// Validate checks the parts that cannot be defaulted away.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return errors.New("store.path is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.MealPlan.Backend)) {
	case "api", "scrape":
	default:
		return fmt.Errorf("mealplan.backend must be \"api\" or \"scrape\", got %q", c.MealPlan.Backend)
	}
	if strings.TrimSpace(c.MealPlan.BaseURL) == "" {
		return errors.New("mealplan.base_url is required")
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	if c.Scheduler.DefaultHour < 0 || c.Scheduler.DefaultHour > 23 {
		return errors.New("scheduler.default_hour out of range")
	}
	if c.Scheduler.DefaultMinute < 0 || c.Scheduler.DefaultMinute > 59 {
		return errors.New("scheduler.default_minute out of range")
	}
	for name, raw := range map[string]string{
		"telegram.poll_timeout":  c.Telegram.PollTimeout,
		"store.busy_timeout":     c.Store.BusyTimeout,
		"mealplan.fetch_timeout": c.MealPlan.FetchTimeout,
		"mealplan.refresh_every": c.MealPlan.RefreshEvery,
	} {
		if _, err := ParseDurationOrDefault(name, raw, 0); err != nil {
			return err
		}
	}
	return nil
}

// ParseDurationOrDefault parses raw as a Go duration, returning def when raw
// is empty. The field name is only used in error messages.
func ParseDurationOrDefault(name, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration", name)
	}
	return d, nil
}

// Location resolves the scheduler timezone, defaulting to the local zone.
func (c *Config) Location() *time.Location {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}
