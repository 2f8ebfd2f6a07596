package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "roomrelay/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.deliveries.jsonl    (append-only JSON Lines)
//   - <prefix>.cache.snapshot.json (periodic snapshot of the cache index)
//   - <prefix>.cache.journal.jsonl (append-only journal since the snapshot)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	deliveryPath string
	deliveryFile *os.File

	snapshotPath string
	journalFile  *os.File
	index        map[string]CacheRecord
	journalOps   int
}

type journalOp struct {
	Op     string       `json:"op"`
	Record *CacheRecord `json:"record,omitempty"`
	Keys   []string     `json:"keys,omitempty"`
}

const journalCompactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		deliveryPath: prefix + ".deliveries.jsonl",
		snapshotPath: prefix + ".cache.snapshot.json",
		index:        map[string]CacheRecord{},
	}
	journalPath := prefix + ".cache.journal.jsonl"

	if err := loadSnapshot(s.snapshotPath, s.index); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("cache index snapshot unreadable; starting empty", logx.Err(err))
	}
	if err := replayJournal(journalPath, s.index); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("cache index journal unreadable", logx.Err(err))
	}

	df, err := os.OpenFile(s.deliveryPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = df.Close()
		return nil, err
	}
	s.deliveryFile = df
	s.journalFile = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	if s.deliveryFile != nil {
		errs = append(errs, s.deliveryFile.Close())
		s.deliveryFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveryFile == nil {
		return ErrDisabled
	}
	return json.NewEncoder(s.deliveryFile).Encode(r)
}

// PruneDeliveries rewrites the log keeping records at or after before.
func (s *fileStore) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveryFile == nil {
		return 0, ErrDisabled
	}

	in, err := os.Open(s.deliveryPath)
	if err != nil {
		return 0, err
	}
	tmpPath := s.deliveryPath + ".tmp"
	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		_ = in.Close()
		return 0, err
	}

	var removed int64
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	w := bufio.NewWriter(out)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			_ = in.Close()
			_ = out.Close()
			_ = os.Remove(tmpPath)
			return 0, err
		}
		var r DeliveryRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err == nil && r.At.Before(before) {
			removed++
			continue
		}
		_, _ = w.Write(sc.Bytes())
		_ = w.WriteByte('\n')
	}
	_ = in.Close()
	if err := sc.Err(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmpPath)
		return 0, err
	}
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}

	_ = s.deliveryFile.Close()
	if err := os.Rename(tmpPath, s.deliveryPath); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(s.deliveryPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.deliveryFile = nil
		return removed, err
	}
	s.deliveryFile = f
	return removed, nil
}

func (s *fileStore) PutCacheEntry(ctx context.Context, r CacheRecord) error {
	if strings.TrimSpace(r.Key) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index[r.Key] = r
	return s.journalLocked(journalOp{Op: "put", Record: &r})
}

func (s *fileStore) DeleteCacheEntries(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(keys) == 0 {
		s.index = map[string]CacheRecord{}
		return s.journalLocked(journalOp{Op: "clear"})
	}
	for _, k := range keys {
		delete(s.index, k)
	}
	return s.journalLocked(journalOp{Op: "del", Keys: keys})
}

func (s *fileStore) ListCacheEntries(ctx context.Context) ([]CacheRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CacheRecord, 0, len(s.index))
	for _, r := range s.index {
		out = append(out, r)
	}
	return out, nil
}

func (s *fileStore) journalLocked(op journalOp) error {
	if s.journalFile == nil {
		return ErrDisabled
	}
	if err := json.NewEncoder(s.journalFile).Encode(op); err != nil {
		return err
	}
	s.journalOps++
	if s.journalOps%journalCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("cache index compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.index); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]CacheRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]CacheRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]CacheRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			continue
		}
		switch op.Op {
		case "put":
			if op.Record != nil && op.Record.Key != "" {
				out[op.Record.Key] = *op.Record
			}
		case "del":
			for _, k := range op.Keys {
				delete(out, k)
			}
		case "clear":
			for k := range out {
				delete(out, k)
			}
		}
	}
	return sc.Err()
}
