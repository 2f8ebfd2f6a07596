package app

import (
	"fmt"
	"strings"
	"time"

	"roomrelay/internal/activity"
	"roomrelay/internal/batch"
	"roomrelay/internal/cache"
	"roomrelay/internal/config"
	"roomrelay/internal/delivery"
	"roomrelay/internal/fetch"
	"roomrelay/internal/integrity"
	"roomrelay/internal/janitor"
	"roomrelay/internal/opsapi"
	"roomrelay/internal/pipeline"
	"roomrelay/internal/ratelimit"
	"roomrelay/internal/storage"
	logx "roomrelay/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false
	}
	busy := sc.BusyTimeout.D()
	if busy <= 0 {
		busy = time.Second
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, true
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			Channel:    strings.TrimSpace(l.Alert.Channel),
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

func mapCacheConfig(cfg *config.Config) cache.Config {
	c := cfg.Cache
	return cache.Config{
		Dir:      c.Dir,
		Prefix:   c.Prefix,
		TTL:      c.TTL.D(),
		MaxBytes: c.MaxBytes,
		Enabled:  c.IsEnabled(),
	}
}

func mapFetchConfig(cfg *config.Config) fetch.Config {
	f := cfg.Fetch
	return fetch.Config{
		TempDir:        f.TempDir,
		MaxRetries:     f.Retries(),
		BackoffBase:    f.BackoffBase.D(),
		BackoffMax:     f.BackoffMax.D(),
		AttemptTimeout: f.AttemptTimeout.D(),
		MaxBytes:       f.MaxBytes,
		HostRatePerSec: f.HostRatePerSec,
		HostBurst:      f.HostBurst,
		UserAgent:      f.UserAgent,
		Referer:        f.Referer,
		Headers:        f.Headers,
	}
}

func mapLimiterConfig(cfg *config.Config) ratelimit.Config {
	r := cfg.RateLimit
	return ratelimit.Config{
		PerWindow:     r.PerWindow,
		Window:        r.Window.D(),
		MaxWait:       r.MaxWait.D(),
		OverflowSleep: r.OverflowSleep.D(),
	}
}

func mapIntegrityConfig(cfg *config.Config) integrity.Config {
	i := cfg.Integrity
	return integrity.Config{
		Capacity:      i.Capacity,
		Retention:     i.Retention.D(),
		GapThreshold:  i.GapThreshold.D(),
		QuietGap:      i.QuietGap.D(),
		QuietGapCount: i.QuietGapCount,
		DropBackward:  i.DropBackward,
	}
}

func mapActivity(cfg *config.Config) (activity.Config, activity.TuningPolicy) {
	a := cfg.Activity
	mc := activity.Config{
		Window:            a.Window.D(),
		ActiveThreshold:   a.ActiveThreshold,
		InactiveThreshold: a.InactiveThreshold,
		IdleForget:        a.IdleForget.D(),
	}
	p := activity.NewDefaultPolicy()
	if a.Tuning != nil && !*a.Tuning {
		ttl := a.IdleTTL.D()
		if ttl <= 0 {
			ttl = p.IdleTTL
		}
		return mc, activity.NopPolicy{TTL: ttl}
	}
	if a.ActiveMultiplier > 0 {
		p.ActiveMultiplier = a.ActiveMultiplier
	}
	if a.InactiveMultiplier > 0 {
		p.InactiveMultiplier = a.InactiveMultiplier
	}
	if a.ActiveTTL > 0 {
		p.ActiveTTL = a.ActiveTTL.D()
	}
	if a.IdleTTL > 0 {
		p.IdleTTL = a.IdleTTL.D()
	}
	return mc, p
}

func mapBatchConfig(cfg *config.Config) batch.Config {
	b := cfg.Batch
	return batch.Config{
		SequentialThreshold: b.SequentialThreshold,
		MaxText:             b.MaxText,
		MaxMedia:            b.MaxMedia,
		MaxMixed:            b.MaxMixed,
		TextDelay:           b.TextDelay.D(),
		MediaDelay:          b.MediaDelay.D(),
		IntraBatchDelay:     b.IntraBatchDelay.D(),
		MinDelay:            b.MinDelay.D(),
		MaxDelay:            b.MaxDelay.D(),
		Lookahead:           b.Lookahead,
	}
}

func mapDeliveryConfig(cfg *config.Config) delivery.Config {
	d := cfg.Delivery
	return delivery.Config{
		MaxRetries:     d.Retries(),
		BackoffBase:    d.BackoffBase.D(),
		BackoffMax:     d.BackoffMax.D(),
		AttemptTimeout: d.AttemptTimeout.D(),
		MaxRetryAfter:  d.MaxRetryAfter.D(),
	}
}

func mapPipelineConfig(cfg *config.Config) pipeline.Config {
	p := cfg.Pipeline
	return pipeline.Config{
		MediaWorkers:    p.MediaWorkers,
		TextWorkers:     p.TextWorkers,
		PoolQueue:       p.PoolQueue,
		LaneQueue:       p.LaneQueue,
		MaxBurstAge:     p.MaxBurstAge.D(),
		ShutdownGrace:   p.ShutdownGrace.D(),
		FetchRetries:    -1,
		SendRetries:     -1,
		Routes:          p.Routes,
		DefaultChannels: p.DefaultChannels,
	}
}

func mapJanitorConfig(cfg *config.Config) janitor.Config {
	j := cfg.Janitor
	return janitor.Config{
		Timezone:        j.Timezone,
		CacheSweep:      j.CacheSweep,
		CacheMaxIdle:    j.CacheMaxIdle.D(),
		ActivityEval:    j.ActivityEval,
		PruneDeliveries: j.PruneDeliveries,
		DeliveryKeep:    j.DeliveryKeep.D(),
		JobTimeout:      j.JobTimeout.D(),
	}
}

func mapAPIConfig(cfg *config.Config) opsapi.Config {
	a := cfg.API
	return opsapi.Config{
		Enabled:       a.Enabled,
		Addr:          a.Addr,
		Token:         a.Token,
		AllowInsecure: a.AllowInsecure,
		Pprof:         a.Pprof,
		PprofPrefix:   a.PprofPrefix,
		ReadTimeout:   a.ReadTimeout.D(),
		WriteTimeout:  a.WriteTimeout.D(),
		IdleTimeout:   a.IdleTimeout.D(),
	}
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

// validateRuntime checks what config.Validate cannot: schedules and
// timezones.
func validateRuntime(cfg *config.Config) error {
	if _, err := loadLocation(cfg.Pipeline.Timezone); err != nil {
		return fmt.Errorf("pipeline.timezone: %w", err)
	}
	if _, err := loadLocation(cfg.Janitor.Timezone); err != nil {
		return fmt.Errorf("janitor.timezone: %w", err)
	}
	for path, raw := range map[string]string{
		"janitor.cache_sweep":      cfg.Janitor.CacheSweep,
		"janitor.activity_eval":    cfg.Janitor.ActivityEval,
		"janitor.prune_deliveries": cfg.Janitor.PruneDeliveries,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, err := janitor.ParseSchedule(raw); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}
