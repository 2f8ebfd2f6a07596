package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"roomrelay/internal/eventbus"
	"roomrelay/internal/ratelimit"
	"roomrelay/internal/transport"
	logx "roomrelay/pkg/logx"
)

type scriptedSender struct {
	mu      sync.Mutex
	errs    []error
	sends   int
	uploads int
}

func (s *scriptedSender) next() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *scriptedSender) Send(ctx context.Context, ch transport.ChannelID, n transport.Notification) (transport.MessageRef, error) {
	s.mu.Lock()
	s.sends++
	s.mu.Unlock()
	if err := s.next(); err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{Channel: ch, ID: "m1"}, nil
}

func (s *scriptedSender) UploadAttachment(ctx context.Context, ch transport.ChannelID, localFile string, kind transport.AttachmentKind) (transport.AttachmentHandle, error) {
	s.mu.Lock()
	s.uploads++
	s.mu.Unlock()
	if err := s.next(); err != nil {
		return transport.AttachmentHandle{}, err
	}
	return transport.AttachmentHandle{Kind: kind, Ref: "file-id"}, nil
}

type delays struct {
	mu sync.Mutex
	d  []time.Duration
}

func (d *delays) sleep(ctx context.Context, v time.Duration) error {
	d.mu.Lock()
	d.d = append(d.d, v)
	d.mu.Unlock()
	return ctx.Err()
}

type countingLimiter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (l *countingLimiter) Acquire(ctx context.Context, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.err
}

const ch = transport.ChannelID("telegram:-100")

func TestSendSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()
	s := &scriptedSender{errs: []error{
		transport.Retryable("send", errors.New("boom")),
		errors.New("read tcp: connection reset by peer"),
	}}
	lim := &countingLimiter{}
	d := &delays{}
	r := New(Config{MaxRetries: 3}, s, lim, logx.Nop(), WithSleeper(d.sleep))

	res := r.SendWithRetry(context.Background(), ch, transport.Notification{Text: "hi"}, -1)
	if !res.OK() || res.Attempts != 3 || res.Ref.ID != "m1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if lim.calls != 3 {
		t.Fatalf("limiter acquired %d times, want once per attempt", lim.calls)
	}
	if len(d.d) != 2 || d.d[0] != time.Second || d.d[1] != 2*time.Second {
		t.Fatalf("delays = %v, want [1s 2s]", d.d)
	}
	if st := r.Stats(); st.Sent != 1 || st.Retried != 2 || st.Dropped != 0 {
		t.Fatalf("stats %+v", st)
	}
}

func TestFatalIsDroppedWithoutRetry(t *testing.T) {
	t.Parallel()
	s := &scriptedSender{errs: []error{errors.New("bad request: chat not found")}}
	d := &delays{}
	r := New(Config{MaxRetries: 3}, s, nil, logx.Nop(), WithSleeper(d.sleep))
	res := r.SendWithRetry(context.Background(), ch, transport.Notification{Text: "x"}, -1)
	if res.State != StateDropped || res.Attempts != 1 || len(d.d) != 0 {
		t.Fatalf("unexpected result %+v delays=%v", res, d.d)
	}
}

func TestNoRetryOverridesClassification(t *testing.T) {
	t.Parallel()
	s := &scriptedSender{errs: []error{NoRetry(transport.Retryable("send", errors.New("timeout")))}}
	r := New(Config{MaxRetries: 3}, s, nil, logx.Nop(), WithSleeper((&delays{}).sleep))
	if res := r.SendWithRetry(context.Background(), ch, transport.Notification{}, -1); res.Attempts != 1 || res.OK() {
		t.Fatalf("NoRetry error retried: %+v", res)
	}
}

func TestRetriesExhaustedDrops(t *testing.T) {
	t.Parallel()
	boom := transport.Retryable("send", errors.New("timeout"))
	s := &scriptedSender{errs: []error{boom, boom, boom, boom, boom}}
	d := &delays{}
	r := New(Config{BackoffBase: time.Second, BackoffMax: 3 * time.Second}, s, nil, logx.Nop(), WithSleeper(d.sleep))
	res := r.SendWithRetry(context.Background(), ch, transport.Notification{}, 3)
	if res.State != StateDropped || res.Attempts != 4 {
		t.Fatalf("unexpected result %+v", res)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if len(d.d) != len(want) {
		t.Fatalf("delays = %v", d.d)
	}
	for i := range want {
		if d.d[i] != want[i] {
			t.Fatalf("delays = %v, want %v", d.d, want)
		}
	}
	if r.Stats().Dropped != 1 {
		t.Fatalf("dropped not counted")
	}
}

func TestRateLimitHonoursRetryAfter(t *testing.T) {
	t.Parallel()
	s := &scriptedSender{errs: []error{transport.RateLimited("send", errors.New("flood"), 7*time.Second)}}
	d := &delays{}
	r := New(Config{}, s, nil, logx.Nop(), WithSleeper(d.sleep))
	res := r.SendWithRetry(context.Background(), ch, transport.Notification{}, 2)
	if !res.OK() || res.RateLimited != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(d.d) != 1 || d.d[0] != 7*time.Second {
		t.Fatalf("delays = %v, want [7s]", d.d)
	}
	if r.Stats().RateLimited != 1 {
		t.Fatalf("rate limit not counted")
	}
}

func TestRetryAfterWrapperRaisesDelay(t *testing.T) {
	t.Parallel()
	s := &scriptedSender{errs: []error{RetryAfter(transport.Retryable("send", errors.New("busy")), 5*time.Second)}}
	d := &delays{}
	r := New(Config{}, s, nil, logx.Nop(), WithSleeper(d.sleep))
	r.SendWithRetry(context.Background(), ch, transport.Notification{}, 1)
	if len(d.d) != 1 || d.d[0] != 5*time.Second {
		t.Fatalf("delays = %v, want [5s]", d.d)
	}
}

func TestLimiterOverflowProceeds(t *testing.T) {
	t.Parallel()
	s := &scriptedSender{}
	lim := &countingLimiter{err: ratelimit.ErrRateLimitWait}
	r := New(Config{}, s, lim, logx.Nop())
	if res := r.SendWithRetry(context.Background(), ch, transport.Notification{}, 0); !res.OK() {
		t.Fatalf("overflow should not block delivery: %+v", res)
	}
	if r.Stats().Overflows != 1 {
		t.Fatalf("overflow not counted")
	}
}

func TestCancelledContextDrops(t *testing.T) {
	t.Parallel()
	s := &scriptedSender{}
	lim := &countingLimiter{err: context.Canceled}
	r := New(Config{}, s, lim, logx.Nop())
	res := r.SendWithRetry(context.Background(), ch, transport.Notification{}, 3)
	if res.State != StateDropped || s.sends != 0 {
		t.Fatalf("unexpected result %+v sends=%d", res, s.sends)
	}
}

func TestUploadWithRetry(t *testing.T) {
	t.Parallel()
	s := &scriptedSender{errs: []error{transport.Retryable("upload", errors.New("eof"))}}
	r := New(Config{MaxRetries: 2}, s, nil, logx.Nop(), WithSleeper((&delays{}).sleep))
	h, err := r.UploadWithRetry(context.Background(), ch, "/tmp/x.jpg", transport.AttachmentImage)
	if err != nil || h.Ref != "file-id" || s.uploads != 2 {
		t.Fatalf("upload: %+v err=%v uploads=%d", h, err, s.uploads)
	}

	s2 := &scriptedSender{errs: []error{transport.Fatal("upload", errors.New("file too big"))}}
	r2 := New(Config{MaxRetries: 2}, s2, nil, logx.Nop(), WithSleeper((&delays{}).sleep))
	if _, err := r2.UploadWithRetry(context.Background(), ch, "/tmp/x.jpg", transport.AttachmentImage); err == nil {
		t.Fatalf("fatal upload error swallowed")
	}
}

func TestEventsCarryTags(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	r := New(Config{}, &scriptedSender{}, nil, logx.Nop(), WithBus(bus))
	ctx := WithTags(context.Background(), Tags{BurstID: "b1", RoomID: "R", MessageID: "42"})
	r.SendWithRetry(ctx, ch, transport.Notification{Text: "x"}, 0)

	e := <-events
	if e.Type != eventbus.TypeDelivered {
		t.Fatalf("event type %s", e.Type)
	}
	de, ok := e.Data.(eventbus.DeliveryEvent)
	if !ok || de.BurstID != "b1" || de.RoomID != "R" || de.MessageID != "42" || de.Channel != string(ch) {
		t.Fatalf("event data %+v", e.Data)
	}
}

type partialSender struct {
	scriptedSender
}

func (p *partialSender) Send(ctx context.Context, ch transport.ChannelID, n transport.Notification) (transport.MessageRef, error) {
	p.mu.Lock()
	p.sends++
	p.mu.Unlock()
	return transport.MessageRef{Channel: ch, ID: "photo-1"}, transport.Retryable("send", errors.New("caption chunk timed out"))
}

func TestPartialSendIsNotRetried(t *testing.T) {
	t.Parallel()
	s := &partialSender{}
	r := New(Config{MaxRetries: 3}, s, nil, logx.Nop(), WithSleeper((&delays{}).sleep))
	res := r.SendWithRetry(context.Background(), ch, transport.Notification{Text: "x"}, -1)
	if res.OK() || !res.Partial() || res.Ref.ID != "photo-1" {
		t.Fatalf("result %+v", res)
	}
	if s.sends != 1 {
		t.Fatalf("sends = %d, want 1", s.sends)
	}
	if r.Stats().Sent != 0 {
		t.Fatalf("partial send counted as sent")
	}
}

func TestJitteredBackoffNeverDecreases(t *testing.T) {
	t.Parallel()
	r := New(Config{BackoffBase: 500 * time.Millisecond, BackoffMax: 3 * time.Second}, &scriptedSender{}, nil, logx.Nop())
	cfg := r.config()
	for round := 0; round < 200; round++ {
		var prev time.Duration
		for attempt := 1; attempt <= 8; attempt++ {
			d := r.backoff(cfg, attempt, transport.KindRetryable, nil)
			if d < prev || d > cfg.BackoffMax {
				t.Fatalf("round %d: attempt %d backoff %v after %v", round, attempt, d, prev)
			}
			prev = d
		}
		if prev != cfg.BackoffMax {
			t.Fatalf("final backoff %v, want cap %v", prev, cfg.BackoffMax)
		}
	}
}
