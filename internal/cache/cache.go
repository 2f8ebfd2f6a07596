package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"roomrelay/internal/storage"
	logx "roomrelay/pkg/logx"
)

// ErrDisabled is returned by Put while the cache is switched off.
var ErrDisabled = errors.New("resource cache disabled")

const shardCount = 16

// Config controls the on-disk resource cache.
type Config struct {
	Dir      string
	Prefix   string
	TTL      time.Duration
	MaxBytes int64
	Enabled  bool
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Dir) == "" {
		c.Dir = "./cache/resources"
	}
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = "res"
	}
	if c.TTL <= 0 {
		c.TTL = 2 * time.Hour
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 1 << 30
	}
	return c
}

// Entry is one cached resource.
type Entry struct {
	Key        string
	URL        string
	Path       string
	Size       int64
	Created    time.Time
	LastAccess time.Time
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Enabled   bool    `json:"enabled"`
	Entries   int     `json:"entries"`
	SizeBytes int64   `json:"size_bytes"`
	MaxBytes  int64   `json:"max_bytes"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	Evicted   uint64  `json:"evicted"`
	WriteErrs uint64  `json:"write_errors"`
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// Cache is a content-addressed file cache keyed by the hash of a resource
// URL. Index operations lock only the shard owning the key.
type Cache struct {
	log   logx.Logger
	store storage.Store
	now   func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	enabled  atomic.Bool
	shards   [shardCount]shard
	size     atomic.Int64
	hits     atomic.Uint64
	misses   atomic.Uint64
	evicted  atomic.Uint64
	writeErr atomic.Uint64
	evicting atomic.Bool
}

type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// WithStore mirrors the index into a persistent store.
func WithStore(st storage.Store) Option { return func(c *Cache) { c.store = st } }

func New(cfg Config, log logx.Logger, opts ...Option) (*Cache, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Cache{log: log, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	for i := range c.shards {
		c.shards[i].entries = map[string]*Entry{}
		if err := os.MkdirAll(c.shardDir(i), 0o755); err != nil {
			return nil, fmt.Errorf("cache dir: %w", err)
		}
	}
	c.enabled.Store(cfg.Enabled)
	return c, nil
}

// Key returns the content address for url.
func Key(url string) string {
	sum := md5.Sum([]byte(url))
	return hex.EncodeToString(sum[:])
}

func shardOf(key string) int {
	if len(key) < 2 {
		return 0
	}
	b, err := hex.DecodeString(key[:2])
	if err != nil || len(b) == 0 {
		return 0
	}
	return int(b[0]) % shardCount
}

func (c *Cache) config() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// Apply updates TTL and the size ceiling at runtime. Dir and prefix
// changes require a restart.
func (c *Cache) Apply(ttl time.Duration, maxBytes int64) {
	c.cfgMu.Lock()
	if ttl > 0 {
		c.cfg.TTL = ttl
	}
	if maxBytes > 0 {
		c.cfg.MaxBytes = maxBytes
	}
	c.cfgMu.Unlock()
	c.maybeEvict()
}

func (c *Cache) shardDir(i int) string {
	return filepath.Join(c.config().Dir, fmt.Sprintf("shard_%02d", i))
}

func (c *Cache) pathFor(key, ext string) string {
	cfg := c.config()
	return filepath.Join(c.shardDir(shardOf(key)), cfg.Prefix+"_"+key+ext)
}

func (c *Cache) Enabled() bool { return c.enabled.Load() }

// SetEnabled switches the cache on or off. Switching off clears it.
func (c *Cache) SetEnabled(on bool) {
	prev := c.enabled.Swap(on)
	if prev && !on {
		n := c.Clear()
		c.log.Info("resource cache disabled and cleared", logx.Int("removed", n))
	} else if !prev && on {
		c.log.Info("resource cache enabled")
	}
}

// Get returns the cached file for url. A miss is reported as ok=false.
func (c *Cache) Get(url string) (string, bool) {
	if !c.Enabled() || url == "" {
		c.misses.Add(1)
		return "", false
	}
	key := Key(url)
	sh := &c.shards[shardOf(key)]
	now := c.now()
	ttl := c.config().TTL

	sh.mu.Lock()
	e := sh.entries[key]
	if e == nil {
		sh.mu.Unlock()
		c.misses.Add(1)
		return "", false
	}
	if ttl > 0 && now.Sub(e.Created) > ttl {
		delete(sh.entries, key)
		sh.mu.Unlock()
		c.dropFile(e)
		c.persistDelete(key)
		c.misses.Add(1)
		return "", false
	}
	if _, err := os.Stat(e.Path); err != nil {
		delete(sh.entries, key)
		sh.mu.Unlock()
		c.size.Add(-e.Size)
		c.persistDelete(key)
		c.misses.Add(1)
		return "", false
	}
	e.LastAccess = now
	path := e.Path
	sh.mu.Unlock()

	c.hits.Add(1)
	return path, true
}

// Put streams r into the cache under url and returns the cached path.
// Errors mean the payload was not cached; callers fall back to their own
// copy and must not treat the error as fatal.
func (c *Cache) Put(url, ext string, r io.Reader) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}
	key := Key(url)
	idx := shardOf(key)
	final := c.pathFor(key, ext)

	tmp, err := os.CreateTemp(c.shardDir(idx), ".put-*")
	if err != nil {
		c.writeErr.Add(1)
		c.log.Warn("cache write failed", logx.String("url", url), logx.Err(err))
		return "", err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), final)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		c.writeErr.Add(1)
		c.log.Warn("cache write failed", logx.String("url", url), logx.Err(err))
		return "", err
	}

	now := c.now()
	e := &Entry{Key: key, URL: url, Path: final, Size: n, Created: now, LastAccess: now}
	sh := &c.shards[idx]
	sh.mu.Lock()
	old := sh.entries[key]
	sh.entries[key] = e
	sh.mu.Unlock()
	if old != nil {
		c.size.Add(-old.Size)
		if old.Path != final {
			_ = os.Remove(old.Path)
		}
	}
	c.size.Add(n)
	c.persistPut(e)
	c.maybeEvict()
	return final, nil
}

// PutFile copies the file at src into the cache.
func (c *Cache) PutFile(url, src string) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return c.Put(url, filepath.Ext(src), f)
}

// Cleanup removes entries not accessed within maxAge, plus entries past
// their TTL. maxAge <= 0 removes everything. It returns the number removed.
func (c *Cache) Cleanup(maxAge time.Duration) int {
	if maxAge <= 0 {
		return c.Clear()
	}
	now := c.now()
	ttl := c.config().TTL
	return c.removeWhere(func(e *Entry) bool {
		if now.Sub(e.LastAccess) > maxAge {
			return true
		}
		return ttl > 0 && now.Sub(e.Created) > ttl
	})
}

// Clear removes every entry and any stray files in the cache directory.
func (c *Cache) Clear() int {
	n := c.removeWhere(func(*Entry) bool { return true })
	for i := range c.shards {
		dir := c.shardDir(i)
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if !f.IsDir() {
				_ = os.Remove(filepath.Join(dir, f.Name()))
			}
		}
	}
	if c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.store.DeleteCacheEntries(ctx); err != nil {
			c.log.Debug("cache index clear failed", logx.Err(err))
		}
		cancel()
	}
	return n
}

func (c *Cache) removeWhere(pred func(e *Entry) bool) int {
	var removed []*Entry
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for k, e := range sh.entries {
			if pred(e) {
				delete(sh.entries, k)
				removed = append(removed, e)
			}
		}
		sh.mu.Unlock()
	}
	keys := make([]string, 0, len(removed))
	for _, e := range removed {
		c.dropFile(e)
		keys = append(keys, e.Key)
	}
	if len(keys) > 0 {
		c.persistDelete(keys...)
	}
	return len(removed)
}

func (c *Cache) dropFile(e *Entry) {
	c.size.Add(-e.Size)
	if err := os.Remove(e.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.Debug("cache file remove failed", logx.String("path", e.Path), logx.Err(err))
	}
}

// maybeEvict trims the cache to half its ceiling, oldest access first,
// once usage exceeds the ceiling. Only one eviction runs at a time.
func (c *Cache) maybeEvict() {
	limit := c.config().MaxBytes
	if c.size.Load() <= limit || !c.evicting.CompareAndSwap(false, true) {
		return
	}
	defer c.evicting.Store(false)

	type cand struct {
		key    string
		access time.Time
	}
	var all []cand
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for k, e := range sh.entries {
			all = append(all, cand{key: k, access: e.LastAccess})
		}
		sh.mu.Unlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].access.Before(all[j].access) })

	target := limit / 2
	var keys []string
	for _, cd := range all {
		if c.size.Load() <= target {
			break
		}
		sh := &c.shards[shardOf(cd.key)]
		sh.mu.Lock()
		e := sh.entries[cd.key]
		if e != nil {
			delete(sh.entries, cd.key)
		}
		sh.mu.Unlock()
		if e == nil {
			continue
		}
		c.dropFile(e)
		c.evicted.Add(1)
		keys = append(keys, cd.key)
	}
	if len(keys) > 0 {
		c.persistDelete(keys...)
		c.log.Info("resource cache evicted", logx.Int("entries", len(keys)), logx.Int64("size_bytes", c.size.Load()))
	}
}

func (c *Cache) Stats() Stats {
	st := Stats{
		Enabled:   c.Enabled(),
		SizeBytes: c.size.Load(),
		MaxBytes:  c.config().MaxBytes,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evicted:   c.evicted.Load(),
		WriteErrs: c.writeErr.Load(),
	}
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		st.Entries += len(sh.entries)
		sh.mu.Unlock()
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st
}
