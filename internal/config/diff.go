package config

import (
	"reflect"
	"sort"
	"strings"

	logx "roomrelay/pkg/logx"
)

type section struct {
	name string
	pick func(*Config) any
	// attrs summarizes the new value; it must never include secrets.
	attrs func(*Config) []logx.Field
}

var sections = []section{
	{
		name: "logging",
		pick: func(c *Config) any { return c.Logging },
		attrs: func(c *Config) []logx.Field {
			return []logx.Field{
				logx.String("logging.level", c.Logging.Level),
				logx.Bool("logging.console", c.Logging.Console),
				logx.Bool("logging.file_enabled", c.Logging.File.Enabled),
				logx.Bool("logging.alert_enabled", c.Logging.Alert.Enabled),
			}
		},
	},
	{
		name: "telegram",
		pick: func(c *Config) any {
			if c.Telegram == nil {
				return nil
			}
			return *c.Telegram
		},
		attrs: func(c *Config) []logx.Field {
			if c.Telegram == nil {
				return []logx.Field{logx.Bool("telegram.enabled", false)}
			}
			return []logx.Field{
				logx.Bool("telegram.enabled", true),
				logx.Int("telegram.owner_count", len(c.Telegram.OwnerUserIDs)),
				logx.Bool("telegram.commands", c.Telegram.Commands),
			}
		},
	},
	{
		name: "slack",
		pick: func(c *Config) any {
			if c.Slack == nil {
				return nil
			}
			return *c.Slack
		},
		attrs: func(c *Config) []logx.Field {
			return []logx.Field{logx.Bool("slack.enabled", c.Slack != nil)}
		},
	},
	{
		name: "api",
		pick: func(c *Config) any { return c.API },
		attrs: func(c *Config) []logx.Field {
			return []logx.Field{
				logx.Bool("api.enabled", c.API.Enabled),
				logx.String("api.addr", strings.TrimSpace(c.API.Addr)),
				logx.Bool("api.token_set", strings.TrimSpace(c.API.Token) != ""),
				logx.Bool("api.pprof", c.API.Pprof),
			}
		},
	},
	{
		name: "storage",
		pick: func(c *Config) any {
			if c.Storage == nil {
				return nil
			}
			return *c.Storage
		},
		attrs: func(c *Config) []logx.Field {
			if c.Storage == nil {
				return []logx.Field{logx.String("storage.driver", "")}
			}
			return []logx.Field{
				logx.String("storage.driver", strings.TrimSpace(c.Storage.Driver)),
				logx.Bool("storage.path_set", strings.TrimSpace(c.Storage.Path) != ""),
			}
		},
	},
	{
		name: "pipeline",
		pick: func(c *Config) any { return c.Pipeline },
		attrs: func(c *Config) []logx.Field {
			return []logx.Field{
				logx.Int("pipeline.routes", len(c.Pipeline.Routes)),
				logx.Strings("pipeline.default_channels", c.Pipeline.DefaultChannels),
				logx.Int("pipeline.media_workers", c.Pipeline.MediaWorkers),
				logx.Int("pipeline.text_workers", c.Pipeline.TextWorkers),
			}
		},
	},
	{
		name: "cache",
		pick: func(c *Config) any { return []any{c.Cache.IsEnabled(), c.Cache.Dir, c.Cache.Prefix, c.Cache.TTL, c.Cache.MaxBytes} },
		attrs: func(c *Config) []logx.Field {
			return []logx.Field{
				logx.Bool("cache.enabled", c.Cache.IsEnabled()),
				logx.Duration("cache.ttl", c.Cache.TTL.D()),
				logx.Int64("cache.max_bytes", c.Cache.MaxBytes),
			}
		},
	},
	{
		name: "fetch",
		pick: func(c *Config) any { return c.Fetch },
		attrs: func(c *Config) []logx.Field {
			return []logx.Field{logx.Int("fetch.max_retries", c.Fetch.Retries()), logx.Float64("fetch.host_rate_per_sec", c.Fetch.HostRatePerSec)}
		},
	},
	{
		name: "rate_limit",
		pick: func(c *Config) any { return c.RateLimit },
		attrs: func(c *Config) []logx.Field {
			return []logx.Field{logx.Int("rate_limit.per_window", c.RateLimit.PerWindow), logx.Duration("rate_limit.window", c.RateLimit.Window.D())}
		},
	},
	{
		name:  "integrity",
		pick:  func(c *Config) any { return c.Integrity },
		attrs: func(c *Config) []logx.Field { return []logx.Field{logx.Bool("integrity.drop_backward", c.Integrity.DropBackward)} },
	},
	{
		name: "activity",
		pick: func(c *Config) any { return c.Activity },
		attrs: func(c *Config) []logx.Field {
			return []logx.Field{logx.Int("activity.active_threshold", c.Activity.ActiveThreshold), logx.Duration("activity.window", c.Activity.Window.D())}
		},
	},
	{
		name: "batch",
		pick: func(c *Config) any { return c.Batch },
		attrs: func(c *Config) []logx.Field {
			return []logx.Field{logx.Duration("batch.text_delay", c.Batch.TextDelay.D()), logx.Duration("batch.media_delay", c.Batch.MediaDelay.D())}
		},
	},
	{
		name:  "delivery",
		pick:  func(c *Config) any { return c.Delivery },
		attrs: func(c *Config) []logx.Field { return []logx.Field{logx.Int("delivery.max_retries", c.Delivery.Retries())} },
	},
	{
		name: "janitor",
		pick: func(c *Config) any { return c.Janitor },
		attrs: func(c *Config) []logx.Field {
			return []logx.Field{logx.String("janitor.cache_sweep", c.Janitor.CacheSweep), logx.String("janitor.timezone", c.Janitor.Timezone)}
		},
	},
}

// SummarizeChange returns the sorted names of changed sections and safe
// structured attrs describing their new values. Secrets are never logged.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)
	for _, s := range sections {
		if reflect.DeepEqual(s.pick(oldCfg), s.pick(newCfg)) {
			continue
		}
		changed = append(changed, s.name)
		attrs = append(attrs, s.attrs(newCfg)...)
	}
	sort.Strings(changed)
	return changed, attrs
}
