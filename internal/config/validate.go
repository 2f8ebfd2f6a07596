package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var validLevels = map[string]struct{}{
	"": {}, "trace": {}, "debug": {}, "info": {}, "warn": {}, "warning": {}, "error": {},
}

// Validate reports every structural problem in cfg.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if _, ok := validLevels[strings.ToLower(strings.TrimSpace(c.Logging.Level))]; !ok {
		add("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add("logging.file.path: required when file logging is enabled")
	}

	schemes := map[string]bool{}
	if c.Telegram != nil {
		if strings.TrimSpace(c.Telegram.Token) == "" {
			add("telegram.token: required")
		}
		schemes["telegram"] = true
	}
	if c.Slack != nil {
		if strings.TrimSpace(c.Slack.Token) == "" {
			add("slack.token: required")
		}
		schemes["slack"] = true
	}
	if len(schemes) == 0 {
		add("no transport configured: set telegram or slack")
	}

	checkChannel := func(path, ch string) {
		scheme, target, ok := strings.Cut(strings.TrimSpace(ch), ":")
		if !ok || strings.TrimSpace(target) == "" {
			add("%s: channel %q must look like \"<transport>:<target>\"", path, ch)
			return
		}
		if !schemes[strings.ToLower(scheme)] {
			add("%s: channel %q uses unconfigured transport %q", path, ch, scheme)
		}
	}
	if c.Logging.Alert.Enabled {
		checkChannel("logging.alert.channel", c.Logging.Alert.Channel)
	}
	for _, ch := range c.Pipeline.DefaultChannels {
		checkChannel("pipeline.default_channels", ch)
	}
	rooms := make([]string, 0, len(c.Pipeline.Routes))
	for room := range c.Pipeline.Routes {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	for _, room := range rooms {
		if strings.TrimSpace(room) == "" {
			add("pipeline.routes: empty room id")
		}
		for _, ch := range c.Pipeline.Routes[room] {
			checkChannel("pipeline.routes."+room, ch)
		}
	}

	if c.Cache.MaxBytes < 0 {
		add("cache.max_bytes: must be >= 0")
	}
	if c.RateLimit.PerWindow < 0 {
		add("rate_limit.per_window: must be >= 0")
	}
	if c.Fetch.Retries() < 0 || c.Delivery.Retries() < 0 {
		add("max_retries: must be >= 0")
	}
	if c.Pipeline.MediaWorkers < 0 || c.Pipeline.TextWorkers < 0 {
		add("pipeline workers: must be >= 0")
	}
	if a := c.Activity; a.ActiveMultiplier < 0 || a.InactiveMultiplier < 0 {
		add("activity multipliers: must be >= 0")
	}
	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add("storage.path: required for driver %q", s.Driver)
			}
		default:
			add("storage.driver: unknown driver %q", s.Driver)
		}
	}
	return errors.Join(errs...)
}
