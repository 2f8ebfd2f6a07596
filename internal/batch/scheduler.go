package batch

import (
	"context"
	"sync"
	"time"

	"roomrelay/internal/message"
	"roomrelay/internal/workpool"
	logx "roomrelay/pkg/logx"
)

// PrepareFunc starts preparing m (fetch, upload, render) and returns its
// future. It must not block on the work itself.
type PrepareFunc func(ctx context.Context, m message.Message) *workpool.Future

// EmitFunc sends a prepared message. It is called strictly in plan order,
// from one goroutine.
type EmitFunc func(ctx context.Context, m message.Message, prepared any, prepErr error) error

// Request is one burst bound for one channel.
type Request struct {
	Channel    string
	Messages   []message.Message
	Multiplier float64
	Prepare    PrepareFunc
	Emit       EmitFunc
}

// Report summarizes one Deliver call.
type Report struct {
	Batches  int           `json:"batches"`
	Emitted  int           `json:"emitted"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

type Sleeper func(ctx context.Context, d time.Duration) error

func timerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Scheduler struct {
	log   logx.Logger
	sleep Sleeper

	mu  sync.RWMutex
	cfg Config
}

type Option func(*Scheduler)

// WithSleeper replaces the pacing wait.
func WithSleeper(s Sleeper) Option { return func(sc *Scheduler) { sc.sleep = s } }

func NewScheduler(cfg Config, log logx.Logger, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{log: log, sleep: timerSleep, cfg: cfg.withDefaults()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Scheduler) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

type step struct {
	m     message.Message
	delay time.Duration
}

// Deliver plans req.Messages and emits them in timestamp order. Up to
// Lookahead messages are prepared ahead of the emit cursor. A message that
// fails to prepare or emit is logged and skipped; the rest continue. It
// returns early only when ctx is done.
func (s *Scheduler) Deliver(ctx context.Context, req Request) Report {
	start := time.Now()
	cfg := s.Config()
	batches := Plan(cfg, req.Messages)
	rep := Report{Batches: len(batches)}
	if len(batches) == 0 {
		return rep
	}
	pol := NewDelayPolicy(cfg)

	steps := make([]step, 0, len(req.Messages))
	for bi, b := range batches {
		for ii, m := range b.Items {
			var d time.Duration
			switch {
			case bi == 0 && ii == 0:
			case ii == 0:
				d = pol.Between(batches[bi-1], b, req.Multiplier)
			default:
				d = pol.Intra(req.Multiplier)
			}
			steps = append(steps, step{m: m, delay: d})
		}
	}

	log := s.log.With(logx.String("channel", req.Channel))
	log.Debug("burst planned", logx.Int("messages", len(steps)), logx.Int("batches", len(batches)), logx.Float64("multiplier", req.Multiplier))

	futs := make([]*workpool.Future, len(steps))
	submitted := 0
	fill := func() {
		for submitted < len(steps) && submitted-rep.Emitted-rep.Failed-rep.Skipped < cfg.Lookahead {
			futs[submitted] = req.Prepare(ctx, steps[submitted].m)
			submitted++
		}
	}

	var lastEmit time.Time
	for i, st := range steps {
		fill()
		v, perr := futs[i].Wait(ctx)
		if ctx.Err() != nil {
			rep.Skipped += len(steps) - i
			break
		}
		futs[i] = nil

		if !lastEmit.IsZero() {
			if wait := st.delay - time.Since(lastEmit); wait > 0 {
				if err := s.sleep(ctx, wait); err != nil {
					rep.Skipped += len(steps) - i
					break
				}
			}
		}

		err := req.Emit(ctx, st.m, v, perr)
		lastEmit = time.Now()
		if err != nil {
			rep.Failed++
			log.Warn("message delivery failed", logx.String("room", st.m.RoomID), logx.String("id", st.m.Key()), logx.Err(err))
			continue
		}
		rep.Emitted++
	}
	rep.Duration = time.Since(start)
	return rep
}
