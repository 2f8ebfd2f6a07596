// Package ratelimit bounds outbound sends per channel.
//
// Each channel owns a fixed-window bucket of N tokens per window W. Tokens
// refill completely when a new window opens, and a window only opens once W
// has passed since the oldest of the last N grants, so no rolling W ever
// sees more than N grants.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	logx "roomrelay/pkg/logx"
)

// ErrRateLimitWait is returned by Acquire when the wait ceiling was hit and
// the caller was let through after OverflowSleep.
var ErrRateLimitWait = errors.New("rate limit wait exceeded; proceeding")

type Config struct {
	PerWindow     int
	Window        time.Duration
	MaxWait       time.Duration
	OverflowSleep time.Duration
}

func (c Config) withDefaults() Config {
	if c.PerWindow <= 0 {
		c.PerWindow = 3
	}
	if c.Window <= 0 {
		c.Window = time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 5 * time.Second
	}
	if c.OverflowSleep <= 0 {
		c.OverflowSleep = 200 * time.Millisecond
	}
	return c
}

// State is a point-in-time view of one channel.
type State struct {
	Channel         string        `json:"channel"`
	AvailableTokens int           `json:"available_tokens"`
	WindowStart     time.Time     `json:"window_start"`
	MaxPerWindow    int           `json:"max_per_window"`
	Wait            time.Duration `json:"wait"`
	Granted         uint64        `json:"granted"`
	Overflows       uint64        `json:"overflows"`
}

type bucket struct {
	mu          sync.Mutex
	tokens      int
	windowStart time.Time
	// grants is a ring of the last PerWindow grant times.
	grants    []time.Time
	next      int
	granted   uint64
	overflows uint64
}

type Limiter struct {
	log logx.Logger
	now func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	mu      sync.RWMutex
	buckets map[string]*bucket

	overflows atomic.Uint64
}

type Option func(*Limiter)

// WithClock overrides the time source used for window math. Acquire still
// waits on real timers.
func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

func New(cfg Config, log logx.Logger, opts ...Option) *Limiter {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Limiter{log: log, now: time.Now, cfg: cfg.withDefaults(), buckets: map[string]*bucket{}}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Apply changes limits for all channels. Recent grants are carried over so
// a reload never opens extra room inside a rolling window.
func (l *Limiter) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfgMu.Lock()
	l.cfg = cfg
	l.cfgMu.Unlock()
	for _, b := range l.buckets {
		b.mu.Lock()
		b.resizeLocked(cfg.PerWindow)
		b.mu.Unlock()
	}
}

func (l *Limiter) config() Config {
	l.cfgMu.RLock()
	defer l.cfgMu.RUnlock()
	return l.cfg
}

func (l *Limiter) bucket(channel string) *bucket {
	l.mu.RLock()
	b := l.buckets[channel]
	l.mu.RUnlock()
	if b != nil {
		return b
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if b = l.buckets[channel]; b == nil {
		n := l.config().PerWindow
		b = &bucket{tokens: n, grants: make([]time.Time, n)}
		l.buckets[channel] = b
	}
	return b
}

// resizeLocked keeps the newest n grants, oldest first, and recounts the
// tokens left in the open window.
func (b *bucket) resizeLocked(n int) {
	kept := make([]time.Time, 0, len(b.grants))
	for i := range b.grants {
		if t := b.grants[(b.next+i)%len(b.grants)]; !t.IsZero() {
			kept = append(kept, t)
		}
	}
	if len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	b.grants = make([]time.Time, n)
	copy(b.grants, kept)
	b.next = len(kept) % n

	used := 0
	if !b.windowStart.IsZero() {
		for _, t := range kept {
			if !t.Before(b.windowStart) {
				used++
			}
		}
	}
	b.tokens = max(n-used, 0)
}

// reserveLocked grants a token at now, or returns how long until one is
// available.
func (b *bucket) reserveLocked(now time.Time, cfg Config) (bool, time.Duration) {
	if wait := b.waitLocked(now, cfg); wait > 0 {
		return false, wait
	}
	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= cfg.Window {
		b.tokens = cfg.PerWindow
		b.windowStart = now
	}
	b.tokens--
	b.grants[b.next] = now
	b.next = (b.next + 1) % len(b.grants)
	b.granted++
	return true, 0
}

// waitLocked is the time until both the current window allows a grant and
// the oldest of the last N grants has aged out of the rolling window.
func (b *bucket) waitLocked(now time.Time, cfg Config) time.Duration {
	var wait time.Duration
	if b.tokens <= 0 && !b.windowStart.IsZero() {
		wait = b.windowStart.Add(cfg.Window).Sub(now)
	}
	// Once the ring is full the cursor points at the oldest grant.
	if oldest := b.grants[b.next]; !oldest.IsZero() {
		if w := oldest.Add(cfg.Window).Sub(now); w > wait {
			wait = w
		}
	}
	if wait < 0 {
		return 0
	}
	return wait
}

// TryAcquire takes a token for channel without waiting.
func (l *Limiter) TryAcquire(channel string) bool {
	cfg := l.config()
	b := l.bucket(channel)
	b.mu.Lock()
	ok, _ := b.reserveLocked(l.now(), cfg)
	b.mu.Unlock()
	return ok
}

// WaitTime estimates how long an Acquire for channel would wait now.
func (l *Limiter) WaitTime(channel string) time.Duration {
	cfg := l.config()
	l.mu.RLock()
	b := l.buckets[channel]
	l.mu.RUnlock()
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waitLocked(l.now(), cfg)
}

// Acquire blocks until channel has a token, ctx is done, or MaxWait is
// exceeded. In the last case it sleeps OverflowSleep, records an overflow
// and returns ErrRateLimitWait; the caller is expected to proceed.
func (l *Limiter) Acquire(ctx context.Context, channel string) error {
	cfg := l.config()
	b := l.bucket(channel)
	start := time.Now()
	deadline := start.Add(cfg.MaxWait)

	for {
		b.mu.Lock()
		ok, wait := b.reserveLocked(l.now(), cfg)
		b.mu.Unlock()
		if ok {
			if waited := time.Since(start); waited > 100*time.Millisecond {
				l.log.Debug("rate limit wait", logx.String("channel", channel), logx.Duration("waited", waited))
			}
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if wait > remaining {
			wait = remaining
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	t := time.NewTimer(cfg.OverflowSleep)
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-t.C:
	}
	b.mu.Lock()
	b.overflows++
	b.mu.Unlock()
	l.overflows.Add(1)
	l.log.Warn("rate limit wait ceiling exceeded; proceeding", logx.String("channel", channel), logx.Duration("max_wait", cfg.MaxWait))
	return ErrRateLimitWait
}

// Snapshot returns the current state of channel.
func (l *Limiter) Snapshot(channel string) State {
	cfg := l.config()
	st := State{Channel: channel, MaxPerWindow: cfg.PerWindow, AvailableTokens: cfg.PerWindow}
	l.mu.RLock()
	b := l.buckets[channel]
	l.mu.RUnlock()
	if b == nil {
		return st
	}
	now := l.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	st.AvailableTokens = b.tokens
	if now.Sub(b.windowStart) >= cfg.Window {
		st.AvailableTokens = cfg.PerWindow
	}
	st.WindowStart = b.windowStart
	st.Wait = b.waitLocked(now, cfg)
	st.Granted = b.granted
	st.Overflows = b.overflows
	return st
}

// Channels lists channels with limiter state.
func (l *Limiter) Channels() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.buckets))
	for k := range l.buckets {
		out = append(out, k)
	}
	return out
}

// Overflows is the total number of Acquire calls that hit MaxWait.
func (l *Limiter) Overflows() uint64 { return l.overflows.Load() }
