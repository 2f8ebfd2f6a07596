package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"roomrelay/internal/activity"
	"roomrelay/internal/batch"
	"roomrelay/internal/cache"
	"roomrelay/internal/delivery"
	"roomrelay/internal/fetch"
	"roomrelay/internal/integrity"
	"roomrelay/internal/message"
	"roomrelay/internal/render"
	"roomrelay/internal/transport"
	logx "roomrelay/pkg/logx"
)

type sent struct {
	ch transport.ChannelID
	n  transport.Notification
}

type fakeSender struct {
	mu           sync.Mutex
	sent         []sent
	uploads      int
	rejectMedia  bool
	uploadFailed bool
	// partialMedia delivers the attachment, then fails the rest.
	partialMedia bool
	delay        time.Duration
	// block holds every send until its context ends.
	block bool
}

func (f *fakeSender) Send(ctx context.Context, ch transport.ChannelID, n transport.Notification) (transport.MessageRef, error) {
	f.mu.Lock()
	delay, block := f.delay, f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return transport.MessageRef{}, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return transport.MessageRef{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectMedia && len(n.Attachments) > 0 {
		return transport.MessageRef{}, transport.Fatal("send", errors.New("bad request: wrong file identifier"))
	}
	f.sent = append(f.sent, sent{ch: ch, n: n})
	if f.partialMedia && len(n.Attachments) > 0 {
		return transport.MessageRef{Channel: ch, ID: "x"}, transport.Fatal("send", errors.New("text chunk rejected"))
	}
	return transport.MessageRef{Channel: ch, ID: "x"}, nil
}

func (f *fakeSender) UploadAttachment(_ context.Context, ch transport.ChannelID, localFile string, kind transport.AttachmentKind) (transport.AttachmentHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if f.uploadFailed {
		return transport.AttachmentHandle{}, transport.Fatal("upload", errors.New("file too big"))
	}
	return transport.AttachmentHandle{Kind: kind, Ref: "fid:" + localFile}, nil
}

func (f *fakeSender) snapshot() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func (f *fakeSender) waitFor(t *testing.T, n int) []sent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := f.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := f.snapshot()
	t.Fatalf("got %d notifications, want %d", len(got), n)
	return got
}

type harness struct {
	svc    *Service
	sender *fakeSender
	srv    *httptest.Server
	hits   atomic.Int32
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{sender: &fakeSender{}}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.hits.Add(1)
		if strings.HasPrefix(r.URL.Path, "/missing") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG fake image bytes"))
	}))
	t.Cleanup(h.srv.Close)

	c, err := cache.New(cache.Config{Dir: t.TempDir(), Enabled: true}, logx.Nop())
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	f := fetch.New(fetch.Config{TempDir: t.TempDir()}, logx.Nop(), fetch.WithCache(c), fetch.WithSleeper(noSleep))
	d := Deps{
		Cache:     c,
		Fetcher:   f,
		Checker:   integrity.New(integrity.Config{}, logx.Nop()),
		Monitor:   activity.New(activity.Config{}, activity.NewDefaultPolicy(), logx.Nop()),
		Scheduler: batch.NewScheduler(batch.Config{}, logx.Nop(), batch.WithSleeper(noSleep)),
		Retrier:   delivery.New(delivery.Config{MaxRetries: 1}, h.sender, nil, logx.Nop(), delivery.WithSleeper(noSleep)),
		Renderer:  render.NewRegistry(time.UTC),
	}
	h.svc = New(cfg, d, logx.Nop(), opts...)
	h.svc.Start(context.Background())
	t.Cleanup(func() { h.svc.Stop(context.Background()) })
	return h
}

var base = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

func text(id string, sec int) message.Message {
	return message.Message{ID: id, RoomID: "R1", Type: message.TypeText, Sender: "alice", Body: "body-" + id, Timestamp: base.Add(time.Duration(sec) * time.Second)}
}

func (h *harness) image(id string, sec int, path string) message.Message {
	return message.Message{ID: id, RoomID: "R1", Type: message.TypeImage, Sender: "alice", ResourceURL: h.srv.URL + path, Timestamp: base.Add(time.Duration(sec) * time.Second)}
}

func TestDeliversInTimestampOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	burst := []message.Message{text("10", 10), h.image("12", 12, "/img/a.png"), text("11", 11)}
	rc, err := h.svc.Submit(context.Background(), "R1", burst, "telegram:1")
	if err != nil || rc.Accepted != 3 || rc.BurstID == "" {
		t.Fatalf("submit: %+v %v", rc, err)
	}
	got := h.sender.waitFor(t, 3)
	if !strings.Contains(got[0].n.Text, "body-10") || !strings.Contains(got[1].n.Text, "body-11") {
		t.Fatalf("text order wrong: %q / %q", got[0].n.Text, got[1].n.Text)
	}
	if len(got[2].n.Attachments) != 1 || got[2].n.Attachments[0].Kind != transport.AttachmentImage {
		t.Fatalf("image not last or missing attachment: %+v", got[2].n)
	}
	if st := h.svc.Stats(); st.Processed != 3 || st.Failed != 0 {
		t.Fatalf("stats %+v", st)
	}
}

func TestDuplicateSubmittedTwiceIsDeliveredOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	m := text("42", 1)
	if _, err := h.svc.Submit(context.Background(), "R1", []message.Message{m}, "telegram:1"); err != nil {
		t.Fatal(err)
	}
	rc, err := h.svc.Submit(context.Background(), "R1", []message.Message{m}, "telegram:1")
	if err != nil || rc.Accepted != 0 || rc.Duplicates != 1 {
		t.Fatalf("second submit: %+v %v", rc, err)
	}
	h.sender.waitFor(t, 1)
	time.Sleep(50 * time.Millisecond)
	if n := len(h.sender.snapshot()); n != 1 {
		t.Fatalf("delivered %d times", n)
	}
	if h.svc.Stats().Duplicates != 1 {
		t.Fatalf("duplicate not counted")
	}
}

func TestFetchFailureDegradesToPlaceholder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	if _, err := h.svc.Submit(context.Background(), "R1", []message.Message{h.image("7", 1, "/missing.png")}, "telegram:1"); err != nil {
		t.Fatal(err)
	}
	got := h.sender.waitFor(t, 1)
	if !strings.Contains(got[0].n.Text, "[image unavailable]") || len(got[0].n.Attachments) != 0 {
		t.Fatalf("placeholder = %+v", got[0].n)
	}
	if h.hits.Load() != 1 {
		t.Fatalf("permanent failure retried: %d hits", h.hits.Load())
	}
	if st := h.svc.Stats(); st.Degraded != 1 || st.Processed != 1 {
		t.Fatalf("stats %+v", st)
	}
}

func TestRejectedMediaFallsBackToPlaceholder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.sender.rejectMedia = true
	if _, err := h.svc.Submit(context.Background(), "R1", []message.Message{h.image("8", 1, "/img/b.png")}, "telegram:1"); err != nil {
		t.Fatal(err)
	}
	got := h.sender.waitFor(t, 1)
	if !strings.Contains(got[0].n.Text, "[image unavailable]") {
		t.Fatalf("fallback = %+v", got[0].n)
	}
}

func TestFanOutFetchesOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	burst := []message.Message{text("1", 1), h.image("2", 2, "/img/c.png"), text("3", 3)}
	if _, err := h.svc.Submit(context.Background(), "R1", burst, "telegram:1", "slack:C1"); err != nil {
		t.Fatal(err)
	}
	got := h.sender.waitFor(t, 6)
	per := map[transport.ChannelID][]string{}
	for _, s := range got {
		id := "2"
		if strings.Contains(s.n.Text, "body-1") {
			id = "1"
		} else if strings.Contains(s.n.Text, "body-3") {
			id = "3"
		}
		per[s.ch] = append(per[s.ch], id)
	}
	for ch, ids := range per {
		if strings.Join(ids, ",") != "1,2,3" {
			t.Fatalf("%s order %v", ch, ids)
		}
	}
	if h.hits.Load() != 1 {
		t.Fatalf("resource fetched %d times", h.hits.Load())
	}
	if h.sender.uploads != 2 {
		t.Fatalf("uploads = %d, want one per channel", h.sender.uploads)
	}
}

func TestRoutesAndMissingRoute(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Routes: map[string][]string{"R1": {"slack:C9", " slack:C9 "}}})
	rc, err := h.svc.Submit(context.Background(), "R1", []message.Message{text("1", 1)})
	if err != nil || len(rc.Channels) != 1 || rc.Channels[0] != "slack:C9" {
		t.Fatalf("routed submit: %+v %v", rc, err)
	}
	if got := h.sender.waitFor(t, 1); got[0].ch != "slack:C9" {
		t.Fatalf("channel %s", got[0].ch)
	}
	if _, err := h.svc.Submit(context.Background(), "R2", []message.Message{text("1", 1)}); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("err = %v", err)
	}
}

func TestStaleBurstIsDropped(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	clock := func() time.Time {
		// Submit sees base; the lane sees the burst 20 minutes later.
		if calls.Add(1) == 1 {
			return base
		}
		return base.Add(20 * time.Minute)
	}
	h := newHarness(t, Config{}, WithClock(clock))
	if _, err := h.svc.Submit(context.Background(), "R1", []message.Message{text("1", 1)}, "telegram:1"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.svc.Stats().StaleBursts == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.svc.Stats().StaleBursts != 1 || len(h.sender.snapshot()) != 0 {
		t.Fatalf("stale burst delivered: %+v", h.svc.Stats())
	}
}

func TestCacheOps(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	if _, err := h.svc.Submit(context.Background(), "R1", []message.Message{h.image("1", 1, "/img/d.png")}, "telegram:1"); err != nil {
		t.Fatal(err)
	}
	h.sender.waitFor(t, 1)
	if st := h.svc.Stats(); st.Cache.Entries != 1 {
		t.Fatalf("cache entries %d", st.Cache.Entries)
	}
	if n := h.svc.CleanupExpiredCache(60); n != 0 {
		t.Fatalf("fresh entry removed")
	}
	if n := h.svc.CleanupExpiredCache(0); n != 1 {
		t.Fatalf("cleanup(0) removed %d", n)
	}
	if n := h.svc.CleanupExpiredCache(0); n != 0 {
		t.Fatalf("cleanup(0) not idempotent: %d", n)
	}
	h.svc.SetCacheEnabled(false)
	if h.svc.Stats().Cache.Enabled {
		t.Fatalf("cache still enabled")
	}
	h.svc.SetCacheEnabled(true)
	if n := h.svc.ClearAllCache(); n != 0 {
		t.Fatalf("clear removed %d", n)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.svc.Stop(context.Background())
	if _, err := h.svc.Submit(context.Background(), "R1", []message.Message{text("1", 1)}, "telegram:1"); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v", err)
	}
}

func TestPartiallyDeliveredMediaIsNotResent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.sender.partialMedia = true
	if _, err := h.svc.Submit(context.Background(), "R1", []message.Message{h.image("9", 1, "/img/p.png"), text("10", 2)}, "telegram:1"); err != nil {
		t.Fatal(err)
	}
	h.sender.waitFor(t, 2)
	time.Sleep(50 * time.Millisecond)
	got := h.sender.snapshot()
	if len(got) != 2 {
		t.Fatalf("message reached the channel %d times, want 2 notifications: %+v", len(got), got)
	}
	if len(got[0].n.Attachments) != 1 || strings.Contains(got[0].n.Text, "unavailable") {
		t.Fatalf("first notification %+v", got[0].n)
	}
	if !strings.Contains(got[1].n.Text, "body-10") {
		t.Fatalf("second notification %+v", got[1].n)
	}
	if st := h.svc.Stats(); st.Processed != 2 || st.Degraded != 1 || st.Failed != 0 {
		t.Fatalf("stats %+v", st)
	}
}

func TestStopDrainsInFlightBurst(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{ShutdownGrace: 2 * time.Second})
	h.sender.delay = 40 * time.Millisecond
	burst := []message.Message{text("1", 1), text("2", 2), text("3", 3)}
	if _, err := h.svc.Submit(context.Background(), "R1", burst, "telegram:1"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	h.svc.Stop(context.Background())
	if took := time.Since(start); took >= 2*time.Second {
		t.Fatalf("stop waited the full grace: %v", took)
	}
	got := h.sender.snapshot()
	if len(got) != 3 {
		t.Fatalf("delivered %d of 3 before stop returned", len(got))
	}
	for i, s := range got {
		if !strings.Contains(s.n.Text, "body-"+string(rune('1'+i))) {
			t.Fatalf("order broken at %d: %q", i, s.n.Text)
		}
	}
}

func TestStopCancelsStuckLaneAfterGrace(t *testing.T) {
	t.Parallel()
	grace := 150 * time.Millisecond
	h := newHarness(t, Config{ShutdownGrace: grace})
	h.sender.block = true
	if _, err := h.svc.Submit(context.Background(), "R1", []message.Message{text("1", 1), text("2", 2)}, "telegram:1"); err != nil {
		t.Fatal(err)
	}

	done := make(chan time.Duration, 1)
	go func() {
		start := time.Now()
		h.svc.Stop(context.Background())
		done <- time.Since(start)
	}()
	select {
	case took := <-done:
		if took < grace {
			t.Fatalf("stop returned before grace: %v", took)
		}
	case <-time.After(grace + 3*time.Second):
		t.Fatal("stop did not return after grace")
	}
	if n := len(h.sender.snapshot()); n != 0 {
		t.Fatalf("blocked sender recorded %d sends", n)
	}
}

func TestConcurrentSubmitsKeepSequenceOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.svc.d.Renderer.Register(message.TypeText, render.HandlerFunc(func(_ render.Header, m message.Message, _ *transport.AttachmentHandle) transport.Notification {
		return transport.Notification{Text: strconv.FormatUint(m.SequenceNo, 10)}
	}))

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := text(strconv.Itoa(100+i), 1)
			if _, err := h.svc.Submit(context.Background(), "R1", []message.Message{m}, "telegram:1"); err != nil {
				t.Errorf("submit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got := h.sender.waitFor(t, n)
	var prev uint64
	for i, s := range got {
		seq, err := strconv.ParseUint(s.n.Text, 10, 64)
		if err != nil {
			t.Fatalf("notification %d: %q", i, s.n.Text)
		}
		if seq <= prev {
			t.Fatalf("sequence %d delivered after %d", seq, prev)
		}
		prev = seq
	}
}
