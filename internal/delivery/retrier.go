// Package delivery wraps transport calls with rate limiting, retries and
// error classification.
//
// Each call runs the state machine
//
//	Pending -> Sending -> Success
//	                   -> TransientFailure -> (backoff) -> Sending
//	                   -> FatalFailure -> Dropped
//
// and never re-queues: exhausted retries end in Dropped.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"roomrelay/internal/eventbus"
	"roomrelay/internal/ratelimit"
	"roomrelay/internal/transport"
	logx "roomrelay/pkg/logx"
)

type State string

const (
	StatePending          State = "pending"
	StateSending          State = "sending"
	StateSuccess          State = "success"
	StateTransientFailure State = "transient_failure"
	StateFatalFailure     State = "fatal_failure"
	StateDropped          State = "dropped"
)

// Result is the terminal outcome of one attempt chain.
type Result struct {
	State       State
	Attempts    int
	RateLimited int
	Ref         transport.MessageRef
	Err         error
	Took        time.Duration
}

func (r Result) OK() bool { return r.State == StateSuccess }

// Partial reports a failed send that still left part of the notification
// on the channel. Sending it again would duplicate that part.
func (r Result) Partial() bool { return !r.OK() && r.Ref.ID != "" }

// Limiter gates each attempt. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Acquire(ctx context.Context, channel string) error
}

type Config struct {
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	AttemptTimeout time.Duration
	// MaxRetryAfter bounds server-suggested waits.
	MaxRetryAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 8 * time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 20 * time.Second
	}
	if c.MaxRetryAfter <= 0 {
		c.MaxRetryAfter = time.Minute
	}
	return c
}

// Tags identify what is being delivered, for logs and events.
type Tags struct {
	BurstID   string
	RoomID    string
	MessageID string
}

type tagsKey struct{}

// WithTags attaches delivery tags to ctx.
func WithTags(ctx context.Context, t Tags) context.Context {
	return context.WithValue(ctx, tagsKey{}, t)
}

func tagsFrom(ctx context.Context) Tags {
	t, _ := ctx.Value(tagsKey{}).(Tags)
	return t
}

// Stats are cumulative counters.
type Stats struct {
	Sent        uint64 `json:"sent"`
	Uploaded    uint64 `json:"uploaded"`
	Retried     uint64 `json:"retried"`
	Dropped     uint64 `json:"dropped"`
	RateLimited uint64 `json:"rate_limited"`
	Overflows   uint64 `json:"limiter_overflows"`
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

type Retrier struct {
	sender  transport.Sender
	limiter Limiter
	log     logx.Logger
	bus     eventbus.Bus
	sleep   Sleeper
	jitter  bool
	cfg     atomic.Pointer[Config]

	sent        atomic.Uint64
	uploaded    atomic.Uint64
	retried     atomic.Uint64
	dropped     atomic.Uint64
	rateLimited atomic.Uint64
	overflows   atomic.Uint64
}

type Option func(*Retrier)

func WithBus(b eventbus.Bus) Option { return func(r *Retrier) { r.bus = b } }

// WithSleeper replaces backoff waits and disables jitter.
func WithSleeper(s Sleeper) Option {
	return func(r *Retrier) {
		r.sleep = s
		r.jitter = false
	}
}

func New(cfg Config, sender transport.Sender, limiter Limiter, log logx.Logger, opts ...Option) *Retrier {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Retrier{sender: sender, limiter: limiter, log: log, sleep: timerSleep, jitter: true}
	r.Apply(cfg)
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Retrier) Apply(cfg Config) {
	c := cfg.withDefaults()
	r.cfg.Store(&c)
}

func (r *Retrier) config() Config { return *r.cfg.Load() }

func (r *Retrier) Stats() Stats {
	return Stats{
		Sent:        r.sent.Load(),
		Uploaded:    r.uploaded.Load(),
		Retried:     r.retried.Load(),
		Dropped:     r.dropped.Load(),
		RateLimited: r.rateLimited.Load(),
		Overflows:   r.overflows.Load(),
	}
}

// SendWithRetry delivers n to ch. maxRetries < 0 uses the configured
// default.
func (r *Retrier) SendWithRetry(ctx context.Context, ch transport.ChannelID, n transport.Notification, maxRetries int) Result {
	var ref transport.MessageRef
	res := r.run(ctx, ch, "send", maxRetries, func(actx context.Context) error {
		var err error
		ref, err = r.sender.Send(actx, ch, n)
		if err != nil && ref.ID != "" {
			return NoRetry(err)
		}
		return err
	})
	res.Ref = ref
	if res.OK() {
		r.sent.Add(1)
	}
	r.emit(ctx, ch, res)
	return res
}

// UploadWithRetry uploads localFile for later use on ch.
func (r *Retrier) UploadWithRetry(ctx context.Context, ch transport.ChannelID, localFile string, kind transport.AttachmentKind) (transport.AttachmentHandle, error) {
	var h transport.AttachmentHandle
	res := r.run(ctx, ch, "upload", -1, func(actx context.Context) error {
		var err error
		h, err = r.sender.UploadAttachment(actx, ch, localFile, kind)
		return err
	})
	if !res.OK() {
		return transport.AttachmentHandle{}, fmt.Errorf("upload to %s dropped after %d attempts: %w", ch, res.Attempts, res.Err)
	}
	r.uploaded.Add(1)
	return h, nil
}

func (r *Retrier) run(ctx context.Context, ch transport.ChannelID, op string, maxRetries int, call func(context.Context) error) Result {
	cfg := r.config()
	if maxRetries < 0 {
		maxRetries = cfg.MaxRetries
	}
	start := time.Now()
	tags := tagsFrom(ctx)
	log := r.log.With(logx.String("channel", ch.String()), logx.String("op", op))
	if tags.MessageID != "" {
		log = log.With(logx.String("room", tags.RoomID), logx.String("msg", tags.MessageID))
	}

	res := Result{State: StatePending}
	for {
		if r.limiter != nil {
			if err := r.limiter.Acquire(ctx, ch.String()); err != nil {
				if !errors.Is(err, ratelimit.ErrRateLimitWait) {
					res.State, res.Err = StateDropped, err
					break
				}
				r.overflows.Add(1)
			}
		}

		res.State = StateSending
		res.Attempts++
		actx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
		err := call(actx)
		cancel()
		if err == nil {
			res.State, res.Err = StateSuccess, nil
			break
		}
		res.Err = err

		kind := transport.Classify(err)
		if IsNoRetry(err) {
			kind = transport.KindFatal
		}
		if ctx.Err() != nil {
			res.State = StateDropped
			break
		}
		if kind == transport.KindFatal {
			res.State = StateFatalFailure
			log.Warn("delivery failed permanently", logx.Int("attempt", res.Attempts), logx.Err(err))
			res.State = StateDropped
			break
		}
		res.State = StateTransientFailure
		if kind == transport.KindRateLimit {
			res.RateLimited++
			r.rateLimited.Add(1)
		}
		if res.Attempts > maxRetries {
			log.Warn("delivery retries exhausted", logx.Int("attempts", res.Attempts), logx.String("kind", kind.String()), logx.Err(err))
			res.State = StateDropped
			break
		}

		delay := r.backoff(cfg, res.Attempts, kind, err)
		r.retried.Add(1)
		log.Debug("delivery retrying", logx.Int("attempt", res.Attempts), logx.String("kind", kind.String()), logx.Duration("delay", delay), logx.Err(err))
		eventbus.Emit(r.bus, eventbus.TypeRetried, eventbus.DeliveryEvent{
			BurstID: tags.BurstID, RoomID: tags.RoomID, MessageID: tags.MessageID,
			Channel: ch.String(), Attempts: res.Attempts, Error: err.Error(),
		})
		if err := r.sleep(ctx, delay); err != nil {
			res.State = StateDropped
			break
		}
	}
	res.Took = time.Since(start)
	if res.State == StateDropped {
		r.dropped.Add(1)
	}
	return res
}

// backoff is base*2^(attempt-1) capped at BackoffMax, with +/-15% jitter
// below the cap.
// Rate limit errors wait at least the server's hint.
func (r *Retrier) backoff(cfg Config, attempt int, kind transport.Kind, err error) time.Duration {
	d := cfg.BackoffBase
	capped := d >= cfg.BackoffMax
	for i := 1; i < attempt && !capped; i++ {
		d *= 2
		capped = d >= cfg.BackoffMax
	}
	if capped {
		d = cfg.BackoffMax
	} else if r.jitter {
		d = time.Duration(float64(d) * (0.85 + rand.Float64()*0.3))
		if d > cfg.BackoffMax {
			d = cfg.BackoffMax
		}
	}
	hint := transport.RetryAfterHint(err)
	var ra RetryAfterError
	if errors.As(err, &ra) && ra.RetryAfter() > hint {
		hint = ra.RetryAfter()
	}
	if hint > 0 && (kind == transport.KindRateLimit || hint > d) {
		if hint > cfg.MaxRetryAfter {
			hint = cfg.MaxRetryAfter
		}
		if hint > d {
			d = hint
		}
	}
	return d
}

func (r *Retrier) emit(ctx context.Context, ch transport.ChannelID, res Result) {
	if r.bus == nil {
		return
	}
	tags := tagsFrom(ctx)
	ev := eventbus.DeliveryEvent{
		BurstID: tags.BurstID, RoomID: tags.RoomID, MessageID: tags.MessageID,
		Channel: ch.String(), Attempts: res.Attempts, Took: res.Took,
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	typ := eventbus.TypeDelivered
	if !res.OK() {
		typ = eventbus.TypeDropped
	}
	eventbus.Emit(r.bus, typ, ev)
}
