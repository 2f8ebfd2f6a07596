package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	logx "roomrelay/pkg/logx"
)

const jsonCfg = `{
  "logging": {"level": "debug", "console": true},
  "telegram": {"token": "123:abc", "owner_user_ids": ["42"], "poll_timeout": "15s", "commands": true},
  "cache": {"dir": "/tmp/relay-cache", "ttl": "2h", "max_bytes": 1048576},
  "rate_limit": {"per_window": 3, "window": "1s"},
  "pipeline": {"routes": {"room-1": ["telegram:-100/7"]}, "max_burst_age": "15m"}
}`

const yamlCfg = `
logging:
  level: debug
  console: true
telegram:
  token: "123:abc"
  owner_user_ids: ["42"]
  poll_timeout: 15s
  commands: true
cache:
  dir: /tmp/relay-cache
  ttl: 2h
  max_bytes: 1048576
rate_limit:
  per_window: 3
  window: 1s
pipeline:
  routes:
    room-1: ["telegram:-100/7"]
  max_burst_age: 15m
`

const tomlCfg = `
[logging]
level = "debug"
console = true

[telegram]
token = "123:abc"
owner_user_ids = ["42"]
poll_timeout = "15s"
commands = true

[cache]
dir = "/tmp/relay-cache"
ttl = "2h"
max_bytes = 1048576

[rate_limit]
per_window = 3
window = "1s"

[pipeline]
max_burst_age = "15m"

[pipeline.routes]
room-1 = ["telegram:-100/7"]
`

func TestDecodeFormatsAgree(t *testing.T) {
	t.Parallel()
	want, err := Decode("relay.json", []byte(jsonCfg))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if want.Cache.TTL.D() != 2*time.Hour || want.Telegram.PollTimeout.D() != 15*time.Second {
		t.Fatalf("durations not decoded: %+v", want.Cache)
	}
	if !want.Cache.IsEnabled() {
		t.Fatalf("cache should default to enabled")
	}
	for _, tt := range []struct{ path, data string }{
		{"relay.yaml", yamlCfg},
		{"relay.yml", yamlCfg},
		{"relay.toml", tomlCfg},
	} {
		t.Run(tt.path, func(t *testing.T) {
			got, err := Decode(tt.path, []byte(tt.data))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("mismatch:\n got %+v\nwant %+v", got, want)
			}
		})
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	tests := map[string]struct{ path, data string }{
		"unknown json field": {"a.json", `{"logging":{"levle":"info"}}`},
		"unknown yaml field": {"a.yaml", "cache:\n  size: 3\n"},
		"unknown toml field": {"a.toml", "[fetch]\nretries = 2\n"},
		"trailing data":      {"a.json", `{} {}`},
		"bad duration":       {"a.json", `{"cache":{"ttl":"soon"}}`},
		"negative duration":  {"a.json", `{"cache":{"ttl":"-1s"}}`},
		"numeric duration":   {"a.json", `{"cache":{"ttl":5}}`},
	}
	for name, tt := range tests {
		if _, err := Decode(tt.path, []byte(tt.data)); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	ok, err := Decode("a.json", []byte(jsonCfg))
	if err != nil {
		t.Fatal(err)
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := *ok
	bad.Pipeline.Routes = map[string][]string{"room-2": {"slack:C1", "nonsense"}}
	bad.Storage = &StorageConfig{Driver: "sqlite"}
	bad.Logging.Level = "loud"
	err = bad.Validate()
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	for _, want := range []string{"unconfigured transport", "nonsense", "storage.path", "logging.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}

	none := &Config{Cache: CacheConfig{Dir: "x"}}
	if err := none.Validate(); err == nil || !strings.Contains(err.Error(), "no transport") {
		t.Fatalf("missing transport: %v", err)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	a, _ := Decode("a.json", []byte(jsonCfg))
	b, _ := Decode("a.json", []byte(jsonCfg))
	if changed, _ := SummarizeChange(a, b); len(changed) != 0 {
		t.Fatalf("identical configs changed: %v", changed)
	}
	b.RateLimit.PerWindow = 5
	b.Logging.Level = "info"
	b.Telegram.Token = "999:zzz"
	changed, attrs := SummarizeChange(a, b)
	if !reflect.DeepEqual(changed, []string{"logging", "rate_limit", "telegram"}) {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestManagerWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.json")
	writeFile(t, path, jsonCfg)

	m := NewManager(path)
	m.SetLogger(logx.Nop())
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	writeFile(t, path, strings.Replace(jsonCfg, `"per_window": 3`, `"per_window": 9`, 1))
	select {
	case cfg := <-sub:
		if cfg.RateLimit.PerWindow != 9 || m.Get().RateLimit.PerWindow != 9 {
			t.Fatalf("published per_window = %d", cfg.RateLimit.PerWindow)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}

	// A config that fails validation is not published.
	writeFile(t, path, strings.Replace(jsonCfg, `"telegram:-100/7"`, `"slack:C1"`, 1))
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg.Pipeline.Routes)
	case <-time.After(400 * time.Millisecond):
	}
	if m.Get().RateLimit.PerWindow != 9 {
		t.Fatalf("committed config replaced by invalid one")
	}

	cancel()
	<-done
}

func TestManagerValidatorHook(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	writeFile(t, path, yamlCfg)
	m := NewManager(path)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.RateLimit.PerWindow < 5 {
			return os.ErrInvalid
		}
		return nil
	})
	if _, err := m.Load(context.Background()); err == nil {
		t.Fatal("validator not applied")
	}
	if m.Get() != nil {
		t.Fatal("rejected config committed")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewManager("x.json")
	sub := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	if got := <-sub; got != second {
		t.Fatalf("subscriber did not receive newest config")
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatalf("unsubscribed channel still open")
	}
}

func TestMaxRetriesDefaultAndExplicitZero(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("a.json", []byte(jsonCfg))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Fetch.Retries() != DefaultMaxRetries || cfg.Delivery.Retries() != DefaultMaxRetries {
		t.Fatalf("omitted max_retries: fetch=%d delivery=%d", cfg.Fetch.Retries(), cfg.Delivery.Retries())
	}
	cfg, err = Decode("a.yaml", []byte(yamlCfg+"fetch:\n  max_retries: 0\ndelivery:\n  max_retries: 5\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Fetch.Retries() != 0 || cfg.Delivery.Retries() != 5 {
		t.Fatalf("explicit max_retries: fetch=%d delivery=%d", cfg.Fetch.Retries(), cfg.Delivery.Retries())
	}
}
