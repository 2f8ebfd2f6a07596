package janitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"roomrelay/internal/activity"
	logx "roomrelay/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		kind  SpecKind
		every time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron},
		{name: "descriptor", raw: "@every 30s", kind: SpecCron},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron},
		{name: "duration", raw: "10m", kind: SpecInterval, every: 10 * time.Minute},
		{name: "prefixed interval", raw: "every:45s", kind: SpecInterval, every: 45 * time.Second},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, every: 90 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if tt.kind == SpecInterval && got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
			if _, err := got.Schedule(); err != nil {
				t.Fatalf("Schedule(): %v", err)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:75", "every:-1m", "0s"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Errorf("ParseSchedule(%q) accepted", raw)
		}
	}
}

type fakePipe struct {
	mu       sync.Mutex
	cleanups []int
	evals    int
}

func (f *fakePipe) CleanupExpiredCache(m int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, m)
	return 0
}

func (f *fakePipe) Evaluate(time.Time) activity.Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evals++
	return activity.Summary{}
}

func TestRunNowUsesMaxIdle(t *testing.T) {
	t.Parallel()
	p := &fakePipe{}
	j := New(Config{CacheMaxIdle: 90 * time.Minute}, p, nil, logx.Nop())
	if err := j.RunNow("cache.sweep"); err != nil {
		t.Fatal(err)
	}
	if len(p.cleanups) != 1 || p.cleanups[0] != 90 {
		t.Fatalf("cleanups = %v", p.cleanups)
	}
	if err := j.RunNow("deliveries.prune"); err == nil {
		t.Fatalf("prune job exists without a store")
	}
}

func TestStartRegistersJobsAndRuns(t *testing.T) {
	t.Parallel()
	p := &fakePipe{}
	j := New(Config{ActivityEval: "@every 1s", CacheSweep: "bogus"}, p, nil, logx.Nop())
	err := j.Start(context.Background())
	defer j.Stop(context.Background())
	if err == nil {
		t.Fatalf("invalid schedule not reported")
	}
	st := j.Status()
	if len(st) != 1 || st[0].Name != "activity.evaluate" || st[0].Next.IsZero() {
		t.Fatalf("status %+v", st)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		n := p.evals
		p.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("activity job never ran")
}
