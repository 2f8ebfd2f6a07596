package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"roomrelay/internal/message"
	"roomrelay/internal/workpool"
	logx "roomrelay/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

func msg(id string, sec int, typ message.Type) message.Message {
	return message.Message{ID: id, RoomID: "R", Type: typ, Timestamp: t0.Add(time.Duration(sec) * time.Second), Body: id}
}

func ids(ms []message.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func TestPlanSequentialBelowThreshold(t *testing.T) {
	t.Parallel()
	in := []message.Message{msg("a", 10, message.TypeText), msg("b", 12, message.TypeImage), msg("c", 11, message.TypeText)}
	got := Plan(Config{}, in)
	if len(got) != 3 {
		t.Fatalf("batches = %d, want 3", len(got))
	}
	order := []string{got[0].Items[0].ID, got[1].Items[0].ID, got[2].Items[0].ID}
	if order[0] != "a" || order[1] != "c" || order[2] != "b" {
		t.Fatalf("order = %v", order)
	}
	if got[2].Kind != KindMedia {
		t.Fatalf("image batch kind = %s", got[2].Kind)
	}
	if in[1].ID != "b" {
		t.Fatalf("input mutated")
	}
}

func TestPlanGroupsLargeBursts(t *testing.T) {
	t.Parallel()
	var in []message.Message
	for i := 0; i < 10; i++ {
		in = append(in, msg(string(rune('a'+i)), i, message.TypeText))
	}
	in = append(in, msg("m1", 20, message.TypeImage), msg("m2", 21, message.TypeVideo), msg("m3", 22, message.TypeAudio), msg("m4", 23, message.TypeImage))

	got := Plan(Config{}, in)
	// 8 text, then 2 text + 3 media as a mixed batch, then the last image.
	if len(got) != 3 {
		t.Fatalf("batches = %d: %+v", len(got), got)
	}
	if got[0].Kind != KindText || len(got[0].Items) != 8 {
		t.Fatalf("first batch %s/%d", got[0].Kind, len(got[0].Items))
	}
	if got[1].Kind != KindMixed || len(got[1].Items) != 5 {
		t.Fatalf("second batch %s/%d", got[1].Kind, len(got[1].Items))
	}
	if got[2].Kind != KindMedia || got[2].Items[0].ID != "m4" {
		t.Fatalf("third batch %s %v", got[2].Kind, ids(got[2].Items))
	}
}

func TestPlanKeepsEqualTimestampsStable(t *testing.T) {
	t.Parallel()
	in := []message.Message{msg("x", 5, message.TypeText), msg("y", 5, message.TypeText), msg("z", 5, message.TypeText)}
	out := SortByTime(in)
	if got := ids(out); got[0] != "x" || got[1] != "y" || got[2] != "z" {
		t.Fatalf("order = %v", got)
	}
}

func TestDelayPolicyClampsAndScales(t *testing.T) {
	t.Parallel()
	p := NewDelayPolicy(Config{})
	text := Batch{Kind: KindText}
	media := Batch{Kind: KindMedia}
	cases := []struct {
		name       string
		prev, next Batch
		mult       float64
		want       time.Duration
	}{
		{"text", text, text, 1, 300 * time.Millisecond},
		{"media after text", text, media, 1, 800 * time.Millisecond},
		{"active room", text, media, 0.6, 480 * time.Millisecond},
		{"clamped low", text, text, 0.1, 200 * time.Millisecond},
		{"clamped high", media, media, 100, 5 * time.Second},
		{"zero multiplier", text, text, 0, 300 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := p.Between(tc.prev, tc.next, tc.mult); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
	if got := p.Intra(1.1); got != 220*time.Millisecond {
		t.Errorf("intra = %v", got)
	}
}

type recorder struct {
	mu      sync.Mutex
	emitted []string
	waits   []time.Duration
}

func (r *recorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func TestDeliverEmitsInTimestampOrder(t *testing.T) {
	t.Parallel()
	pool := workpool.New("prep", 4, 16, logx.Nop())
	pool.Start(context.Background())
	defer pool.Stop(context.Background())

	rec := &recorder{}
	s := NewScheduler(Config{}, logx.Nop(), WithSleeper(rec.sleep))
	in := []message.Message{msg("10", 10, message.TypeText), msg("12", 12, message.TypeImage), msg("11", 11, message.TypeText)}

	rep := s.Deliver(context.Background(), Request{
		Channel:    "telegram:1",
		Messages:   in,
		Multiplier: 1,
		Prepare: func(ctx context.Context, m message.Message) *workpool.Future {
			return pool.Submit(ctx, func(context.Context) (any, error) {
				// Media prepares slowest but must still go last.
				if m.Type.IsMedia() {
					time.Sleep(20 * time.Millisecond)
				}
				return m.ID, nil
			})
		},
		Emit: func(ctx context.Context, m message.Message, v any, err error) error {
			rec.mu.Lock()
			rec.emitted = append(rec.emitted, v.(string))
			rec.mu.Unlock()
			return nil
		},
	})
	if rep.Emitted != 3 || rep.Failed != 0 || rep.Batches != 3 {
		t.Fatalf("report %+v", rep)
	}
	if got := rec.emitted; len(got) != 3 || got[0] != "10" || got[1] != "11" || got[2] != "12" {
		t.Fatalf("emitted %v", got)
	}
	// 11 follows text at 300ms; 12 is media at 800ms, minus the prep time
	// already elapsed.
	if len(rec.waits) < 1 || rec.waits[0] > 300*time.Millisecond {
		t.Fatalf("waits %v", rec.waits)
	}
	for _, w := range rec.waits {
		if w > 800*time.Millisecond {
			t.Fatalf("wait %v exceeds media delay", w)
		}
	}
}

func TestDeliverContinuesAfterFailure(t *testing.T) {
	t.Parallel()
	s := NewScheduler(Config{}, logx.Nop(), WithSleeper((&recorder{}).sleep))
	var sent []string
	rep := s.Deliver(context.Background(), Request{
		Messages: []message.Message{msg("a", 1, message.TypeText), msg("b", 2, message.TypeImage), msg("c", 3, message.TypeText)},
		Prepare: func(_ context.Context, m message.Message) *workpool.Future {
			if m.ID == "b" {
				return workpool.Resolved(nil, errors.New("fetch failed"))
			}
			return workpool.Resolved(m.ID, nil)
		},
		Emit: func(_ context.Context, m message.Message, _ any, err error) error {
			if err != nil {
				return err
			}
			sent = append(sent, m.ID)
			return nil
		},
	})
	if rep.Emitted != 2 || rep.Failed != 1 {
		t.Fatalf("report %+v", rep)
	}
	if len(sent) != 2 || sent[0] != "a" || sent[1] != "c" {
		t.Fatalf("sent %v", sent)
	}
}

func TestDeliverBoundsLookahead(t *testing.T) {
	t.Parallel()
	s := NewScheduler(Config{Lookahead: 2}, logx.Nop(), WithSleeper((&recorder{}).sleep))
	var in []message.Message
	for i := 0; i < 6; i++ {
		in = append(in, msg(string(rune('a'+i)), i, message.TypeText))
	}
	prepared, emitted, maxAhead := 0, 0, 0
	s.Deliver(context.Background(), Request{
		Messages: in,
		Prepare: func(_ context.Context, m message.Message) *workpool.Future {
			prepared++
			if d := prepared - emitted; d > maxAhead {
				maxAhead = d
			}
			return workpool.Resolved(nil, nil)
		},
		Emit: func(context.Context, message.Message, any, error) error {
			emitted++
			return nil
		},
	})
	if prepared != 6 || maxAhead > 2 {
		t.Fatalf("prepared=%d maxAhead=%d", prepared, maxAhead)
	}
}

func TestDeliverStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler(Config{}, logx.Nop(), WithSleeper((&recorder{}).sleep))
	emitted := 0
	rep := s.Deliver(ctx, Request{
		Messages: []message.Message{msg("a", 1, message.TypeText), msg("b", 2, message.TypeText), msg("c", 3, message.TypeText)},
		Prepare: func(context.Context, message.Message) *workpool.Future {
			return workpool.Resolved(nil, nil)
		},
		Emit: func(context.Context, message.Message, any, error) error {
			emitted++
			cancel()
			return nil
		},
	})
	if emitted != 1 || rep.Skipped != 2 {
		t.Fatalf("emitted=%d report=%+v", emitted, rep)
	}
}
