// Package pipeline wires the resource, ordering and delivery components into
// one service: bursts come in per room, each target channel gets its own
// strictly ordered lane, and media preparation runs on bounded worker pools
// ahead of the send cursor.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"roomrelay/internal/activity"
	"roomrelay/internal/batch"
	"roomrelay/internal/cache"
	"roomrelay/internal/delivery"
	"roomrelay/internal/eventbus"
	"roomrelay/internal/fetch"
	"roomrelay/internal/integrity"
	"roomrelay/internal/message"
	"roomrelay/internal/ratelimit"
	"roomrelay/internal/render"
	rtsup "roomrelay/internal/runtime/supervisor"
	"roomrelay/internal/storage"
	"roomrelay/internal/transport"
	"roomrelay/internal/workpool"
	logx "roomrelay/pkg/logx"
)

var (
	ErrStopped = errors.New("pipeline stopped")
	ErrNoRoute = errors.New("no channel configured for room")
)

// Deps are the components the service orchestrates. Cache, Store, Bus and
// Limiter are optional.
type Deps struct {
	Cache     *cache.Cache
	Fetcher   *fetch.Fetcher
	Limiter   *ratelimit.Limiter
	Checker   *integrity.Checker
	Monitor   *activity.Monitor
	Scheduler *batch.Scheduler
	Retrier   *delivery.Retrier
	Renderer  *render.Registry
	Store     storage.Store
	Bus       eventbus.Bus
}

// Receipt describes what Submit accepted.
type Receipt struct {
	BurstID    string   `json:"burst_id,omitempty"`
	Accepted   int      `json:"accepted"`
	Duplicates int      `json:"duplicates"`
	Late       int      `json:"late"`
	Channels   []string `json:"channels,omitempty"`
}

type burst struct {
	id       string
	roomID   string
	msgs     []message.Message
	accepted time.Time
}

type lane struct {
	ch    transport.ChannelID
	queue chan burst
}

type Service struct {
	d   Deps
	log logx.Logger
	now func() time.Time

	memo *resourceMemo

	mu        sync.Mutex
	cfg       Config
	sup       *rtsup.Supervisor
	media     *workpool.Pool
	text      *workpool.Pool
	lanes     map[transport.ChannelID]*lane
	accepting bool
	submitWG  sync.WaitGroup

	// roomMu stripes serialize sequencing and enqueue per room.
	roomMu [32]sync.Mutex

	bursts     atomic.Uint64
	processed  atomic.Uint64
	failed     atomic.Uint64
	degraded   atomic.Uint64
	duplicates atomic.Uint64
	stale      atomic.Uint64
}

type Option func(*Service)

// WithClock overrides the time source used for burst age and the memo.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(cfg Config, d Deps, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		d:     d,
		log:   log.With(logx.String("comp", "pipeline")),
		now:   time.Now,
		cfg:   cfg.withDefaults(),
		lanes: map[transport.ChannelID]*lane{},
	}
	for _, o := range opts {
		o(s)
	}
	s.memo = newResourceMemo(s.now)
	return s
}

// Apply swaps routing and timing settings. Pool sizes take effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the worker pools. Lanes start on first use. It is
// idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	cfg := s.cfg
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.media = workpool.New("media", cfg.MediaWorkers, cfg.PoolQueue, s.log)
	s.text = workpool.New("text", cfg.TextWorkers, cfg.PoolQueue, s.log)
	s.media.Start(s.sup.Context())
	s.text.Start(s.sup.Context())
	s.accepting = true
	s.log.Info("pipeline started", logx.Int("media_workers", cfg.MediaWorkers), logx.Int("text_workers", cfg.TextWorkers))
}

// Stop stops intake, lets lanes drain for up to ShutdownGrace (or ctx,
// whichever ends first), then cancels what is left.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	if sup == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	grace := s.cfg.ShutdownGrace
	lanes := make([]*lane, 0, len(s.lanes))
	for _, l := range s.lanes {
		lanes = append(lanes, l)
	}
	media, text := s.media, s.text
	s.mu.Unlock()

	s.submitWG.Wait()
	for _, l := range lanes {
		close(l.queue)
	}

	gctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(gctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("lanes did not drain in time; cancelling", logx.Duration("grace", grace), logx.Err(err))
		sup.Cancel()
		_ = sup.Wait(context.Background())
	}
	media.Stop(gctx)
	text.Stop(gctx)
	sup.Cancel()
	s.memo.purge()

	s.mu.Lock()
	s.sup = nil
	s.lanes = map[transport.ChannelID]*lane{}
	s.mu.Unlock()
	s.log.Info("pipeline stopped")
}

// Submit accepts a burst for roomID. Duplicates are dropped, the rest is
// sequenced and queued on every target channel's lane. Without explicit
// channels the configured route for the room is used.
func (s *Service) Submit(ctx context.Context, roomID string, msgs []message.Message, channels ...transport.ChannelID) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return Receipt{}, ErrStopped
	}
	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		names = append(names, ch.String())
	}
	if len(names) == 0 {
		names = s.cfg.channelsFor(roomID)
	}
	names = normalizeChannels(names)
	if len(names) == 0 {
		s.mu.Unlock()
		return Receipt{}, fmt.Errorf("%w: %s", ErrNoRoute, roomID)
	}
	targets := make([]*lane, 0, len(names))
	for _, n := range names {
		targets = append(targets, s.laneLocked(transport.ChannelID(n)))
	}
	s.submitWG.Add(1)
	s.mu.Unlock()
	defer s.submitWG.Done()

	rl := s.roomLock(roomID)
	rl.Lock()
	defer rl.Unlock()

	in := make([]message.Message, len(msgs))
	for i, m := range msgs {
		if m.RoomID == "" {
			m.RoomID = roomID
		}
		in[i] = m
	}
	kept, rep := s.d.Checker.Filter(roomID, in)
	s.duplicates.Add(uint64(rep.Duplicates))
	rc := Receipt{Accepted: len(kept), Duplicates: rep.Duplicates, Late: rep.Late}
	if len(kept) == 0 {
		return rc, nil
	}

	now := s.now()
	if s.d.Monitor != nil {
		for range kept {
			s.d.Monitor.Record(roomID, now)
		}
	}
	b := burst{id: uuid.NewString(), roomID: roomID, msgs: kept, accepted: now}
	rc.BurstID = b.id
	rc.Channels = names
	s.bursts.Add(1)
	eventbus.Emit(s.d.Bus, eventbus.TypeBurstAccepted, map[string]any{"burst_id": b.id, "room_id": roomID, "messages": len(kept), "channels": names})

	for _, l := range targets {
		select {
		case l.queue <- b:
		case <-ctx.Done():
			return rc, fmt.Errorf("enqueue to %s: %w", l.ch, ctx.Err())
		}
	}
	s.log.Debug("burst accepted", logx.String("burst", b.id), logx.String("room", roomID), logx.Int("messages", len(kept)), logx.Int("duplicates", rep.Duplicates), logx.Strings("channels", names))
	return rc, nil
}

func (s *Service) roomLock(roomID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	return &s.roomMu[h.Sum32()%uint32(len(s.roomMu))]
}

func (s *Service) laneLocked(ch transport.ChannelID) *lane {
	if l := s.lanes[ch]; l != nil {
		return l
	}
	l := &lane{ch: ch, queue: make(chan burst, s.cfg.LaneQueue)}
	s.lanes[ch] = l
	s.sup.GoRestart("lane."+ch.String(), func(ctx context.Context) error {
		s.runLane(ctx, l)
		return nil
	})
	return l
}

func (s *Service) runLane(ctx context.Context, l *lane) {
	log := s.log.With(logx.String("channel", l.ch.String()))
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-l.queue:
			if !ok {
				return
			}
			s.deliverBurst(ctx, l.ch, b, log)
		}
	}
}

func (s *Service) deliverBurst(ctx context.Context, ch transport.ChannelID, b burst, log logx.Logger) {
	cfg := s.config()
	if age := s.now().Sub(b.accepted); age > cfg.MaxBurstAge {
		s.stale.Add(1)
		log.Warn("dropping stale burst", logx.String("burst", b.id), logx.String("room", b.roomID), logx.Duration("age", age), logx.Int("messages", len(b.msgs)))
		eventbus.Emit(s.d.Bus, eventbus.TypeBurstStale, map[string]any{"burst_id": b.id, "room_id": b.roomID, "channel": ch.String(), "age": age.String()})
		return
	}
	mult := 1.0
	if s.d.Monitor != nil {
		mult = s.d.Monitor.Multiplier(b.roomID)
	}
	rep := s.d.Scheduler.Deliver(ctx, batch.Request{
		Channel:    ch.String(),
		Messages:   b.msgs,
		Multiplier: mult,
		Prepare: func(ctx context.Context, m message.Message) *workpool.Future {
			return s.prepare(ctx, ch, b, m)
		},
		Emit: func(ctx context.Context, m message.Message, v any, err error) error {
			return s.emit(ctx, ch, b, m, v, err)
		},
	})
	log.Debug("burst delivered", logx.String("burst", b.id), logx.Int("emitted", rep.Emitted), logx.Int("failed", rep.Failed), logx.Int("skipped", rep.Skipped), logx.Duration("took", rep.Duration))
}

// Stats is the ops view of the pipeline.
type Stats struct {
	CacheHitRate float64 `json:"cache_hit_rate"`
	Processed    uint64  `json:"processed"`
	Failed       uint64  `json:"failed"`
	Degraded     uint64  `json:"degraded"`
	Duplicates   uint64  `json:"duplicates"`
	StaleBursts  uint64  `json:"stale_bursts"`
	Bursts       uint64  `json:"bursts"`
	QueueDepth   int     `json:"queue_depth"`
	Lanes        int     `json:"lanes"`
	MemoEntries  int     `json:"memo_entries"`

	Cache     cache.Stats          `json:"cache"`
	Fetch     fetch.Stats          `json:"fetch"`
	Delivery  delivery.Stats       `json:"delivery"`
	Integrity integrity.Stats      `json:"integrity"`
	Activity  activity.Summary     `json:"activity"`
	Rooms     []activity.RoomLevel `json:"rooms,omitempty"`
	Limiter   []ratelimit.State    `json:"limiter,omitempty"`
	Pools     []workpool.Stats     `json:"pools,omitempty"`
}

// Stats is safe to call at any time.
func (s *Service) Stats() Stats {
	st := Stats{
		Processed:   s.processed.Load(),
		Failed:      s.failed.Load(),
		Degraded:    s.degraded.Load(),
		Duplicates:  s.duplicates.Load(),
		StaleBursts: s.stale.Load(),
		Bursts:      s.bursts.Load(),
		MemoEntries: s.memo.size(),
	}
	s.mu.Lock()
	for _, l := range s.lanes {
		st.QueueDepth += len(l.queue)
	}
	st.Lanes = len(s.lanes)
	media, text := s.media, s.text
	s.mu.Unlock()
	for _, p := range []*workpool.Pool{media, text} {
		if p == nil {
			continue
		}
		ps := p.Stats()
		st.QueueDepth += ps.Queued
		st.Pools = append(st.Pools, ps)
	}

	if s.d.Cache != nil {
		st.Cache = s.d.Cache.Stats()
		st.CacheHitRate = st.Cache.HitRate
	}
	if s.d.Fetcher != nil {
		st.Fetch = s.d.Fetcher.Stats()
	}
	if s.d.Retrier != nil {
		st.Delivery = s.d.Retrier.Stats()
	}
	if s.d.Checker != nil {
		st.Integrity = s.d.Checker.Stats()
	}
	if s.d.Monitor != nil {
		st.Activity = s.d.Monitor.Last()
		st.Rooms = s.d.Monitor.Snapshot()
	}
	if s.d.Limiter != nil {
		chs := s.d.Limiter.Channels()
		sort.Strings(chs)
		for _, ch := range chs {
			st.Limiter = append(st.Limiter, s.d.Limiter.Snapshot(ch))
		}
	}
	return st
}

// CleanupExpiredCache removes cache entries not used within maxAgeMinutes
// and expired memo entries. Zero or less clears the cache.
func (s *Service) CleanupExpiredCache(maxAgeMinutes int) int {
	n := s.memo.sweep()
	if s.d.Cache == nil {
		return 0
	}
	removed := s.d.Cache.Cleanup(time.Duration(maxAgeMinutes) * time.Minute)
	s.log.Info("cache cleanup", logx.Int("max_age_minutes", maxAgeMinutes), logx.Int("removed", removed), logx.Int("memo_swept", n))
	return removed
}

// ClearAllCache empties the resource cache and the resolved-resource memo.
func (s *Service) ClearAllCache() int {
	s.memo.purge()
	if s.d.Cache == nil {
		return 0
	}
	n := s.d.Cache.Clear()
	eventbus.Emit(s.d.Bus, eventbus.TypeCacheCleared, map[string]any{"removed": n})
	s.log.Info("cache cleared", logx.Int("removed", n))
	return n
}

// SetCacheEnabled switches the resource cache. Disabling also clears it.
func (s *Service) SetCacheEnabled(on bool) {
	if !on {
		s.memo.purge()
	}
	if s.d.Cache == nil {
		return
	}
	s.d.Cache.SetEnabled(on)
	s.log.Info("cache switched", logx.Bool("enabled", on))
}

// Evaluate refreshes room activity levels and sweeps the memo. It is run
// periodically by housekeeping.
func (s *Service) Evaluate(now time.Time) activity.Summary {
	var sum activity.Summary
	if s.d.Monitor != nil {
		sum = s.d.Monitor.Evaluate(now)
	}
	s.memo.sweep()
	return sum
}
