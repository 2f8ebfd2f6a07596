// Package batch orders a burst of room messages and paces its delivery to
// one channel.
//
// Small bursts go out one message at a time. Larger bursts are split into
// text, media and mixed batches so runs of text can be emitted quickly
// while media, whose preparation dominates, gets more room between sends.
package batch

import (
	"math"
	"sort"
	"time"

	"roomrelay/internal/message"
)

type Kind int

const (
	KindText Kind = iota
	KindMedia
	KindMixed
)

func (k Kind) String() string {
	switch k {
	case KindMedia:
		return "media"
	case KindMixed:
		return "mixed"
	default:
		return "text"
	}
}

// Batch is an ordered run of messages delivered under one pacing rule.
type Batch struct {
	Items []message.Message
	Kind  Kind
}

// HasMedia reports whether any item is a media message.
func (b Batch) HasMedia() bool { return b.Kind != KindText }

type Config struct {
	SequentialThreshold int
	MaxText             int
	MaxMedia            int
	MaxMixed            int

	TextDelay       time.Duration
	MediaDelay      time.Duration
	IntraBatchDelay time.Duration
	MinDelay        time.Duration
	MaxDelay        time.Duration

	// Lookahead bounds how many messages are prepared ahead of the one
	// being emitted.
	Lookahead int
}

func (c Config) withDefaults() Config {
	if c.SequentialThreshold <= 0 {
		c.SequentialThreshold = 8
	}
	if c.MaxText <= 0 {
		c.MaxText = 8
	}
	if c.MaxMedia <= 0 {
		c.MaxMedia = 3
	}
	if c.MaxMixed <= 0 {
		c.MaxMixed = 5
	}
	if c.MinDelay <= 0 {
		c.MinDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.TextDelay <= 0 {
		c.TextDelay = 300 * time.Millisecond
	}
	if c.MediaDelay <= 0 {
		c.MediaDelay = 800 * time.Millisecond
	}
	if c.IntraBatchDelay <= 0 {
		c.IntraBatchDelay = c.MinDelay
	}
	if c.Lookahead <= 0 {
		c.Lookahead = 8
	}
	return c
}

// SortByTime returns msgs ordered by timestamp, keeping the relative order
// of equal timestamps. The input is not modified.
func SortByTime(msgs []message.Message) []message.Message {
	out := append([]message.Message(nil), msgs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func kindOf(m message.Message) Kind {
	if m.Type.IsMedia() {
		return KindMedia
	}
	return KindText
}

// Plan sorts msgs and groups them into batches. Bursts below the
// sequential threshold become one batch per message.
func Plan(cfg Config, msgs []message.Message) []Batch {
	cfg = cfg.withDefaults()
	sorted := SortByTime(msgs)
	if len(sorted) == 0 {
		return nil
	}
	if len(sorted) < cfg.SequentialThreshold {
		out := make([]Batch, 0, len(sorted))
		for _, m := range sorted {
			out = append(out, Batch{Items: []message.Message{m}, Kind: kindOf(m)})
		}
		return out
	}

	var (
		out []Batch
		cur Batch
	)
	for _, m := range sorted {
		k := kindOf(m)
		if len(cur.Items) == 0 {
			cur = Batch{Items: []message.Message{m}, Kind: k}
			continue
		}
		next := cur.Kind
		if next != k {
			next = KindMixed
		}
		limit := cfg.MaxMixed
		switch next {
		case KindText:
			limit = cfg.MaxText
		case KindMedia:
			limit = cfg.MaxMedia
		}
		if len(cur.Items)+1 > limit {
			out = append(out, cur)
			cur = Batch{Items: []message.Message{m}, Kind: k}
			continue
		}
		cur.Items = append(cur.Items, m)
		cur.Kind = next
	}
	if len(cur.Items) > 0 {
		out = append(out, cur)
	}
	return out
}

// DelayPolicy sizes pauses between sends. All delays are clamped to
// [MinDelay, MaxDelay] after scaling.
type DelayPolicy struct {
	cfg Config
}

func NewDelayPolicy(cfg Config) DelayPolicy { return DelayPolicy{cfg: cfg.withDefaults()} }

func (p DelayPolicy) clamp(d time.Duration, mult float64) time.Duration {
	if mult > 0 {
		d = time.Duration(math.Round(float64(d) * mult))
	}
	if d < p.cfg.MinDelay {
		d = p.cfg.MinDelay
	}
	if d > p.cfg.MaxDelay {
		d = p.cfg.MaxDelay
	}
	return d
}

// Between is the pause between two consecutive batches (or two messages in
// sequential mode): MediaDelay if either side has media, else TextDelay.
func (p DelayPolicy) Between(prev, next Batch, mult float64) time.Duration {
	if prev.HasMedia() || next.HasMedia() {
		return p.clamp(p.cfg.MediaDelay, mult)
	}
	return p.clamp(p.cfg.TextDelay, mult)
}

// Intra is the pause between messages of one batch.
func (p DelayPolicy) Intra(mult float64) time.Duration {
	return p.clamp(p.cfg.IntraBatchDelay, mult)
}
