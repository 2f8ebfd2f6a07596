package config

// Config is the whole relay configuration. JSON tags are the canonical key
// names; YAML and TOML files use the same keys.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "2h").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Slack    *SlackConfig    `json:"slack,omitempty"`

	API     APIConfig      `json:"api"`
	Storage *StorageConfig `json:"storage,omitempty"`

	Pipeline  PipelineConfig  `json:"pipeline"`
	Cache     CacheConfig     `json:"cache"`
	Fetch     FetchConfig     `json:"fetch"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Integrity IntegrityConfig `json:"integrity"`
	Activity  ActivityConfig  `json:"activity"`
	Batch     BatchConfig     `json:"batch"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Janitor   JanitorConfig   `json:"janitor"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warnings and errors to a chat channel
// (e.g. "telegram:-100123/7").
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	Channel    string `json:"channel"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type TelegramConfig struct {
	Token        string   `json:"token"`
	OwnerUserIDs []string `json:"owner_user_ids"`
	PollTimeout  Duration `json:"poll_timeout,omitempty"`
	// Commands enables long polling for owner commands.
	Commands bool `json:"commands"`
}

type SlackConfig struct {
	Token  string `json:"token"`
	APIURL string `json:"api_url,omitempty"`
}

// APIConfig controls the ops HTTP API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8790").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type APIConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"`

	ReadTimeout  Duration `json:"read_timeout,omitempty"`
	WriteTimeout Duration `json:"write_timeout,omitempty"`
	IdleTimeout  Duration `json:"idle_timeout,omitempty"`
}

// StorageConfig controls the optional cache index and delivery log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/relay.db" }
type StorageConfig struct {
	Driver      string   `json:"driver"`
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"`
}

type PipelineConfig struct {
	MediaWorkers  int      `json:"media_workers,omitempty"`
	TextWorkers   int      `json:"text_workers,omitempty"`
	PoolQueue     int      `json:"pool_queue,omitempty"`
	LaneQueue     int      `json:"lane_queue,omitempty"`
	MaxBurstAge   Duration `json:"max_burst_age,omitempty"`
	ShutdownGrace Duration `json:"shutdown_grace,omitempty"`
	// Timezone renders notification headers; empty means local.
	Timezone string `json:"timezone,omitempty"`

	// Routes maps a room id to the channels it is delivered to.
	Routes          map[string][]string `json:"routes,omitempty"`
	DefaultChannels []string            `json:"default_channels,omitempty"`
}

type CacheConfig struct {
	// Enabled defaults to true when omitted.
	Enabled  *bool    `json:"enabled,omitempty"`
	Dir      string   `json:"dir"`
	Prefix   string   `json:"prefix,omitempty"`
	TTL      Duration `json:"ttl,omitempty"`
	MaxBytes int64    `json:"max_bytes,omitempty"`
}

// IsEnabled reports the effective enabled flag.
func (c CacheConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// DefaultMaxRetries applies when max_retries is omitted. An explicit 0
// disables retries.
const DefaultMaxRetries = 3

func retriesOr(p *int) int {
	if p == nil {
		return DefaultMaxRetries
	}
	return *p
}

// Retries returns the effective fetch retry count.
func (c FetchConfig) Retries() int { return retriesOr(c.MaxRetries) }

// Retries returns the effective send retry count.
func (c DeliveryConfig) Retries() int { return retriesOr(c.MaxRetries) }

type FetchConfig struct {
	TempDir        string            `json:"temp_dir,omitempty"`
	MaxRetries     *int              `json:"max_retries,omitempty"`
	BackoffBase    Duration          `json:"backoff_base,omitempty"`
	BackoffMax     Duration          `json:"backoff_max,omitempty"`
	AttemptTimeout Duration          `json:"attempt_timeout,omitempty"`
	MaxBytes       int64             `json:"max_bytes,omitempty"`
	HostRatePerSec float64           `json:"host_rate_per_sec,omitempty"`
	HostBurst      int               `json:"host_burst,omitempty"`
	UserAgent      string            `json:"user_agent,omitempty"`
	Referer        string            `json:"referer,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

type RateLimitConfig struct {
	PerWindow     int      `json:"per_window,omitempty"`
	Window        Duration `json:"window,omitempty"`
	MaxWait       Duration `json:"max_wait,omitempty"`
	OverflowSleep Duration `json:"overflow_sleep,omitempty"`
}

type IntegrityConfig struct {
	Capacity      int      `json:"capacity,omitempty"`
	Retention     Duration `json:"retention,omitempty"`
	GapThreshold  Duration `json:"gap_threshold,omitempty"`
	QuietGap      Duration `json:"quiet_gap,omitempty"`
	QuietGapCount int      `json:"quiet_gap_count,omitempty"`
	DropBackward  bool     `json:"drop_backward,omitempty"`
}

type ActivityConfig struct {
	Window            Duration `json:"window,omitempty"`
	ActiveThreshold   int      `json:"active_threshold,omitempty"`
	InactiveThreshold int      `json:"inactive_threshold,omitempty"`
	IdleForget        Duration `json:"idle_forget,omitempty"`

	// Tuning disables delay and TTL adaptation when false.
	Tuning             *bool    `json:"tuning,omitempty"`
	ActiveMultiplier   float64  `json:"active_multiplier,omitempty"`
	InactiveMultiplier float64  `json:"inactive_multiplier,omitempty"`
	ActiveTTL          Duration `json:"active_ttl,omitempty"`
	IdleTTL            Duration `json:"idle_ttl,omitempty"`
}

type BatchConfig struct {
	SequentialThreshold int      `json:"sequential_threshold,omitempty"`
	MaxText             int      `json:"max_text,omitempty"`
	MaxMedia            int      `json:"max_media,omitempty"`
	MaxMixed            int      `json:"max_mixed,omitempty"`
	TextDelay           Duration `json:"text_delay,omitempty"`
	MediaDelay          Duration `json:"media_delay,omitempty"`
	IntraBatchDelay     Duration `json:"intra_batch_delay,omitempty"`
	MinDelay            Duration `json:"min_delay,omitempty"`
	MaxDelay            Duration `json:"max_delay,omitempty"`
	Lookahead           int      `json:"lookahead,omitempty"`
}

type DeliveryConfig struct {
	MaxRetries     *int     `json:"max_retries,omitempty"`
	BackoffBase    Duration `json:"backoff_base,omitempty"`
	BackoffMax     Duration `json:"backoff_max,omitempty"`
	AttemptTimeout Duration `json:"attempt_timeout,omitempty"`
	MaxRetryAfter  Duration `json:"max_retry_after,omitempty"`
}

// JanitorConfig schedules housekeeping. Schedules accept cron expressions,
// "@every 10m" descriptors, "every:45s" or plain durations.
type JanitorConfig struct {
	Timezone        string   `json:"timezone,omitempty"`
	CacheSweep      string   `json:"cache_sweep,omitempty"`
	CacheMaxIdle    Duration `json:"cache_max_idle,omitempty"`
	ActivityEval    string   `json:"activity_eval,omitempty"`
	PruneDeliveries string   `json:"prune_deliveries,omitempty"`
	DeliveryKeep    Duration `json:"delivery_keep,omitempty"`
	JobTimeout      Duration `json:"job_timeout,omitempty"`
}
