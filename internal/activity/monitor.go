// Package activity tracks per-room traffic and turns it into tuning hints.
package activity

import (
	"sort"
	"sync"
	"time"

	logx "roomrelay/pkg/logx"
)

type Level int

const (
	LevelNormal Level = iota
	LevelActive
	LevelInactive
)

func (l Level) String() string {
	switch l {
	case LevelActive:
		return "active"
	case LevelInactive:
		return "inactive"
	default:
		return "normal"
	}
}

// TuningPolicy maps traffic levels to pipeline knobs.
type TuningPolicy interface {
	// DelayMultiplier scales batch delays for a room at level.
	DelayMultiplier(level Level) float64
	// CacheTTL is the lifetime of resolved notifications.
	CacheTTL(anyActive bool) time.Duration
}

// DefaultPolicy speeds up delivery for busy rooms and keeps resolved
// notifications briefly while any room is busy.
type DefaultPolicy struct {
	ActiveMultiplier   float64
	InactiveMultiplier float64
	ActiveTTL          time.Duration
	IdleTTL            time.Duration
}

func NewDefaultPolicy() DefaultPolicy {
	return DefaultPolicy{ActiveMultiplier: 0.6, InactiveMultiplier: 1.1, ActiveTTL: 2 * time.Minute, IdleTTL: 10 * time.Minute}
}

func (p DefaultPolicy) DelayMultiplier(level Level) float64 {
	switch level {
	case LevelActive:
		return p.ActiveMultiplier
	case LevelInactive:
		return p.InactiveMultiplier
	}
	return 1.0
}

func (p DefaultPolicy) CacheTTL(anyActive bool) time.Duration {
	if anyActive {
		return p.ActiveTTL
	}
	return p.IdleTTL
}

// NopPolicy disables tuning.
type NopPolicy struct{ TTL time.Duration }

func (NopPolicy) DelayMultiplier(Level) float64 { return 1.0 }
func (p NopPolicy) CacheTTL(bool) time.Duration { return p.TTL }

type Config struct {
	Window            time.Duration
	ActiveThreshold   int
	InactiveThreshold int
	// IdleForget drops rooms with no traffic for this long.
	IdleForget time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.ActiveThreshold <= 0 {
		c.ActiveThreshold = 10
	}
	if c.InactiveThreshold <= 0 {
		c.InactiveThreshold = 3
	}
	if c.InactiveThreshold > c.ActiveThreshold {
		c.InactiveThreshold = c.ActiveThreshold
	}
	if c.IdleForget <= 0 {
		c.IdleForget = 24 * time.Hour
	}
	return c
}

type roomState struct {
	hits  []time.Time
	level Level
	last  time.Time
}

// RoomLevel is one row of a Snapshot.
type RoomLevel struct {
	RoomID   string `json:"room_id"`
	Level    string `json:"level"`
	InWindow int    `json:"in_window"`
}

// Summary is the outcome of one Evaluate pass.
type Summary struct {
	Active   int `json:"active"`
	Normal   int `json:"normal"`
	Inactive int `json:"inactive"`
}

type Monitor struct {
	log logx.Logger

	mu     sync.Mutex
	cfg    Config
	policy TuningPolicy
	rooms  map[string]*roomState
	last   Summary
}

func New(cfg Config, policy TuningPolicy, log logx.Logger) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if policy == nil {
		policy = NewDefaultPolicy()
	}
	return &Monitor{log: log, cfg: cfg.withDefaults(), policy: policy, rooms: map[string]*roomState{}}
}

func (m *Monitor) Apply(cfg Config, policy TuningPolicy) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	if policy != nil {
		m.policy = policy
	}
	m.mu.Unlock()
}

// Record counts one message for roomID at the given time.
func (m *Monitor) Record(roomID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.rooms[roomID]
	if st == nil {
		st = &roomState{}
		m.rooms[roomID] = st
	}
	st.hits = append(st.hits, at)
	if at.After(st.last) {
		st.last = at
	}
	// Bound memory between evaluations.
	if len(st.hits) > 4*m.cfg.ActiveThreshold+64 {
		st.hits = prune(st.hits, at.Add(-m.cfg.Window))
	}
}

func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for _, h := range hits {
		if !h.Before(cutoff) {
			hits[i] = h
			i++
		}
	}
	return hits[:i]
}

// Evaluate recomputes every room's level as of now.
func (m *Monitor) Evaluate(now time.Time) Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-m.cfg.Window)
	var sum Summary
	for id, st := range m.rooms {
		st.hits = prune(st.hits, cutoff)
		n := len(st.hits)
		prev := st.level
		switch {
		case n >= m.cfg.ActiveThreshold:
			st.level = LevelActive
		case n < m.cfg.InactiveThreshold:
			st.level = LevelInactive
		}
		if st.level != prev {
			m.log.Debug("room activity changed", logx.String("room", id), logx.String("from", prev.String()), logx.String("to", st.level.String()), logx.Int("in_window", n))
		}
		if n == 0 && now.Sub(st.last) > m.cfg.IdleForget {
			delete(m.rooms, id)
			continue
		}
		switch st.level {
		case LevelActive:
			sum.Active++
		case LevelInactive:
			sum.Inactive++
		default:
			sum.Normal++
		}
	}
	m.last = sum
	return sum
}

func (m *Monitor) Level(roomID string) Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.rooms[roomID]; st != nil {
		return st.level
	}
	return LevelNormal
}

// Multiplier is the delay scale for roomID under the current policy.
func (m *Monitor) Multiplier(roomID string) float64 {
	lvl := m.Level(roomID)
	m.mu.Lock()
	p := m.policy
	m.mu.Unlock()
	f := p.DelayMultiplier(lvl)
	if f <= 0 {
		return 1.0
	}
	return f
}

// CacheTTL is the resolved-notification lifetime given the last evaluation.
func (m *Monitor) CacheTTL() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy.CacheTTL(m.last.Active > 0)
}

func (m *Monitor) Snapshot() []RoomLevel {
	m.mu.Lock()
	out := make([]RoomLevel, 0, len(m.rooms))
	for id, st := range m.rooms {
		out = append(out, RoomLevel{RoomID: id, Level: st.level.String(), InWindow: len(st.hits)})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

func (m *Monitor) Last() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
