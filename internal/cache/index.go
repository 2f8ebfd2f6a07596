package cache

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"roomrelay/internal/storage"
	logx "roomrelay/pkg/logx"
)

const persistTimeout = 2 * time.Second

func (c *Cache) persistPut(e *Entry) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := c.store.PutCacheEntry(ctx, storage.CacheRecord{
		Key: e.Key, URL: e.URL, Path: e.Path, Size: e.Size, Created: e.Created, LastAccess: e.LastAccess,
	})
	if err != nil {
		c.log.Debug("cache index write failed", logx.String("key", e.Key), logx.Err(err))
	}
}

func (c *Cache) persistDelete(keys ...string) {
	if c.store == nil || len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.store.DeleteCacheEntries(ctx, keys...); err != nil {
		c.log.Debug("cache index delete failed", logx.Int("keys", len(keys)), logx.Err(err))
	}
}

// Load rebuilds the in-memory index from files already on disk. Access
// times come from the persisted index when one is configured, otherwise
// from file modification times. Temp files left by an interrupted Put are
// removed. It returns the number of adopted entries.
func (c *Cache) Load(ctx context.Context) (int, error) {
	known := map[string]storage.CacheRecord{}
	if c.store != nil {
		recs, err := c.store.ListCacheEntries(ctx)
		if err != nil {
			c.log.Warn("cache index load failed; rebuilding from disk", logx.Err(err))
		}
		for _, r := range recs {
			known[r.Key] = r
		}
	}

	cfg := c.config()
	re := regexp.MustCompile(`^` + regexp.QuoteMeta(cfg.Prefix) + `_([0-9a-f]{32})(\.[A-Za-z0-9]+)?$`)
	adopted := 0
	var stale []string
	for i := range c.shards {
		dir := c.shardDir(i)
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return adopted, err
			}
			if f.IsDir() {
				continue
			}
			full := filepath.Join(dir, f.Name())
			if strings.HasPrefix(f.Name(), ".put-") {
				_ = os.Remove(full)
				continue
			}
			m := re.FindStringSubmatch(f.Name())
			if m == nil {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			key := m[1]
			e := &Entry{Key: key, Path: full, Size: info.Size(), Created: info.ModTime(), LastAccess: info.ModTime()}
			if r, ok := known[key]; ok {
				e.URL = r.URL
				e.Created = r.Created
				e.LastAccess = r.LastAccess
				delete(known, key)
			}
			sh := &c.shards[shardOf(key)]
			sh.mu.Lock()
			if _, dup := sh.entries[key]; !dup {
				sh.entries[key] = e
				c.size.Add(e.Size)
				adopted++
			}
			sh.mu.Unlock()
		}
	}
	for k := range known {
		stale = append(stale, k)
	}
	c.persistDelete(stale...)
	c.maybeEvict()
	return adopted, nil
}
