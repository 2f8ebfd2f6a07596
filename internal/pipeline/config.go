package pipeline

import (
	"runtime"
	"strings"
	"time"
)

// Config sizes the worker pools and channel lanes and holds room routes.
type Config struct {
	MediaWorkers int
	TextWorkers  int
	PoolQueue    int
	LaneQueue    int

	// MaxBurstAge drops bursts that waited longer than this in a lane.
	MaxBurstAge   time.Duration
	ShutdownGrace time.Duration

	// FetchRetries and SendRetries override the component defaults when
	// non-negative.
	FetchRetries int
	SendRetries  int

	// Routes maps a room id to its channels. DefaultChannels is used for
	// rooms without a route.
	Routes          map[string][]string
	DefaultChannels []string
}

func DefaultMediaWorkers() int { return min(runtime.NumCPU()+1, 4) }
func DefaultTextWorkers() int  { return min(runtime.NumCPU()/2+1, 3) }

func (c Config) withDefaults() Config {
	if c.MediaWorkers <= 0 {
		c.MediaWorkers = DefaultMediaWorkers()
	}
	if c.TextWorkers <= 0 {
		c.TextWorkers = DefaultTextWorkers()
	}
	if c.PoolQueue <= 0 {
		c.PoolQueue = 64
	}
	if c.LaneQueue <= 0 {
		c.LaneQueue = 32
	}
	if c.MaxBurstAge <= 0 {
		c.MaxBurstAge = 15 * time.Minute
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	return c
}

// channelsFor resolves the route for roomID.
func (c Config) channelsFor(roomID string) []string {
	if chs, ok := c.Routes[roomID]; ok && len(chs) > 0 {
		return chs
	}
	return c.DefaultChannels
}

func normalizeChannels(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, ch := range in {
		ch = strings.TrimSpace(ch)
		if ch == "" {
			continue
		}
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out
}
