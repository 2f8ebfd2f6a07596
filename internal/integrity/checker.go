// Package integrity sequences room messages and drops duplicates.
//
// State is per room and bounded: a monotonically increasing sequence
// counter, a fixed-capacity recently-seen id set with FIFO eviction and a
// retention window, and a short history of quiet gaps used to tell a
// normal overnight lull from a polling hole.
package integrity

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"roomrelay/internal/eventbus"
	"roomrelay/internal/message"
	logx "roomrelay/pkg/logx"
)

type Config struct {
	Capacity     int
	Retention    time.Duration
	GapThreshold time.Duration
	// QuietGap and QuietGapCount describe a room with regular quiet
	// periods; such rooms do not raise Gap anomalies.
	QuietGap      time.Duration
	QuietGapCount int
	// DropBackward drops messages older than the room's newest delivered
	// message instead of delivering them late.
	DropBackward bool
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 1000
	}
	if c.Retention <= 0 {
		c.Retention = 6 * time.Hour
	}
	if c.GapThreshold <= 0 {
		c.GapThreshold = 6 * time.Hour
	}
	if c.QuietGap <= 0 {
		c.QuietGap = 3 * time.Hour
	}
	if c.QuietGapCount <= 0 {
		c.QuietGapCount = 2
	}
	return c
}

type AnomalyKind string

const (
	AnomalyNone     AnomalyKind = ""
	AnomalyBackward AnomalyKind = "backward"
	AnomalyGap      AnomalyKind = "gap"
)

// Anomaly is a non-fatal time continuity finding.
type Anomaly struct {
	Kind      AnomalyKind   `json:"kind"`
	RoomID    string        `json:"room_id"`
	MessageID string        `json:"message_id"`
	Delta     time.Duration `json:"delta"`
}

func (a Anomaly) IsZero() bool { return a.Kind == AnomalyNone }

func (a Anomaly) String() string {
	return fmt.Sprintf("%s room=%s id=%s delta=%s", a.Kind, a.RoomID, a.MessageID, a.Delta)
}

// Report summarizes one Filter call.
type Report struct {
	Received   int       `json:"received"`
	Kept       int       `json:"kept"`
	Duplicates int       `json:"duplicates"`
	Late       int       `json:"late"`
	Reordered  bool      `json:"reordered"`
	Anomalies  []Anomaly `json:"anomalies,omitempty"`
}

// Stats are cumulative checker counters.
type Stats struct {
	Rooms      int    `json:"rooms"`
	Sequenced  uint64 `json:"sequenced"`
	Duplicates uint64 `json:"duplicates"`
	Anomalies  uint64 `json:"anomalies"`
}

const gapHistoryLimit = 16

type seenAt struct {
	at  time.Time
	pos uint64
}

type room struct {
	mu   sync.Mutex
	seq  uint64
	seen map[string]seenAt
	// ring holds the last len(ring) recorded ids; pos counts inserts.
	ring   []string
	pos    uint64
	lastTS time.Time
	gaps   []time.Duration
}

type Checker struct {
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	mu    sync.RWMutex
	rooms map[string]*room

	sequenced  atomic.Uint64
	duplicates atomic.Uint64
	anomalies  atomic.Uint64
}

type Option func(*Checker)

func WithClock(now func() time.Time) Option { return func(c *Checker) { c.now = now } }

func WithBus(b eventbus.Bus) Option { return func(c *Checker) { c.bus = b } }

func New(cfg Config, log logx.Logger, opts ...Option) *Checker {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Checker{log: log, now: time.Now, cfg: cfg.withDefaults(), rooms: map[string]*room{}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Apply updates thresholds. Capacity changes apply to rooms created later.
func (c *Checker) Apply(cfg Config) {
	c.cfgMu.Lock()
	c.cfg = cfg.withDefaults()
	c.cfgMu.Unlock()
}

func (c *Checker) config() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

func (c *Checker) room(id string) *room {
	c.mu.RLock()
	r := c.rooms[id]
	c.mu.RUnlock()
	if r != nil {
		return r
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if r = c.rooms[id]; r == nil {
		r = &room{seen: map[string]seenAt{}, ring: make([]string, c.config().Capacity)}
		c.rooms[id] = r
	}
	return r
}

// AssignSequence returns the next sequence number for roomID.
func (c *Checker) AssignSequence(roomID string, _ message.Message) uint64 {
	r := c.room(roomID)
	r.mu.Lock()
	r.seq++
	n := r.seq
	r.mu.Unlock()
	c.sequenced.Add(1)
	return n
}

// IsDuplicate reports whether msg was already recorded for roomID within
// the retention window. A message that is not a duplicate is recorded, so
// of two concurrent calls for the same id exactly one returns false.
func (c *Checker) IsDuplicate(roomID string, msg message.Message) bool {
	cfg := c.config()
	r := c.room(roomID)
	key := msg.Key()
	now := c.now()

	r.mu.Lock()
	dup := r.seenLocked(key, now, cfg)
	if !dup {
		r.recordLocked(key, now)
	}
	r.mu.Unlock()

	if dup {
		c.duplicates.Add(1)
		c.log.Debug("duplicate message dropped", logx.String("room", roomID), logx.String("id", key))
		eventbus.Emit(c.bus, eventbus.TypeDuplicate, eventbus.IntegrityEvent{RoomID: roomID, MessageID: key, Kind: "duplicate"})
	}
	return dup
}

func (r *room) seenLocked(key string, now time.Time, cfg Config) bool {
	e, ok := r.seen[key]
	if !ok {
		return false
	}
	if now.Sub(e.at) > cfg.Retention {
		delete(r.seen, key)
		return false
	}
	return true
}

// recordLocked inserts key, evicting the oldest id once the ring is full.
func (r *room) recordLocked(key string, now time.Time) {
	n := uint64(len(r.ring))
	idx := r.pos % n
	if r.pos >= n {
		old := r.ring[idx]
		// Skip ids re-recorded after a retention expiry.
		if e, ok := r.seen[old]; ok && e.pos == r.pos-n {
			delete(r.seen, old)
		}
	}
	r.ring[idx] = key
	r.seen[key] = seenAt{at: now, pos: r.pos}
	r.pos++
}

// CheckTimeContinuity compares msg with the newest message seen for roomID.
// Anomalies are logged and counted; they never block delivery.
func (c *Checker) CheckTimeContinuity(roomID string, msg message.Message) Anomaly {
	cfg := c.config()
	r := c.room(roomID)

	r.mu.Lock()
	a := r.continuityLocked(roomID, msg, cfg)
	r.mu.Unlock()

	if !a.IsZero() {
		c.anomalies.Add(1)
		c.log.Warn("message time anomaly", logx.String("room", roomID), logx.String("id", a.MessageID), logx.String("kind", string(a.Kind)), logx.Duration("delta", a.Delta))
		eventbus.Emit(c.bus, eventbus.TypeAnomaly, eventbus.IntegrityEvent{RoomID: roomID, MessageID: a.MessageID, Kind: string(a.Kind), Detail: a.Delta.String()})
	}
	return a
}

func (r *room) continuityLocked(roomID string, msg message.Message, cfg Config) Anomaly {
	ts := msg.Timestamp
	if r.lastTS.IsZero() {
		r.lastTS = ts
		return Anomaly{}
	}
	delta := ts.Sub(r.lastTS)
	if delta < 0 {
		return Anomaly{Kind: AnomalyBackward, RoomID: roomID, MessageID: msg.Key(), Delta: delta}
	}
	r.lastTS = ts

	var a Anomaly
	if delta > cfg.GapThreshold {
		quiet := 0
		for _, g := range r.gaps {
			if g > cfg.QuietGap {
				quiet++
			}
		}
		if quiet < cfg.QuietGapCount {
			a = Anomaly{Kind: AnomalyGap, RoomID: roomID, MessageID: msg.Key(), Delta: delta}
		}
	}
	if delta > cfg.QuietGap {
		r.gaps = append(r.gaps, delta)
		if len(r.gaps) > gapHistoryLimit {
			r.gaps = r.gaps[len(r.gaps)-gapHistoryLimit:]
		}
	}
	return a
}

// Filter orders msgs by timestamp (stable), drops duplicates, checks time
// continuity and returns copies carrying sequence numbers.
func (c *Checker) Filter(roomID string, msgs []message.Message) ([]message.Message, Report) {
	rep := Report{Received: len(msgs)}
	if len(msgs) == 0 {
		return nil, rep
	}
	ordered := msgs
	if !sort.SliceIsSorted(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) }) {
		ordered = append([]message.Message(nil), msgs...)
		sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Timestamp.Before(ordered[j].Timestamp) })
		rep.Reordered = true
		c.log.Debug("burst reordered by timestamp", logx.String("room", roomID), logx.Int("messages", len(msgs)))
	}

	dropBackward := c.config().DropBackward
	out := make([]message.Message, 0, len(ordered))
	for _, m := range ordered {
		if c.IsDuplicate(roomID, m) {
			rep.Duplicates++
			continue
		}
		if a := c.CheckTimeContinuity(roomID, m); !a.IsZero() {
			rep.Anomalies = append(rep.Anomalies, a)
			if a.Kind == AnomalyBackward {
				rep.Late++
				if dropBackward {
					continue
				}
			}
		}
		m.SequenceNo = c.AssignSequence(roomID, m)
		out = append(out, m)
	}
	rep.Kept = len(out)
	return out, rep
}

// Forget drops all state for roomID.
func (c *Checker) Forget(roomID string) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
}

func (c *Checker) Stats() Stats {
	c.mu.RLock()
	n := len(c.rooms)
	c.mu.RUnlock()
	return Stats{
		Rooms:      n,
		Sequenced:  c.sequenced.Load(),
		Duplicates: c.duplicates.Load(),
		Anomalies:  c.anomalies.Load(),
	}
}
