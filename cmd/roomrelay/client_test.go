package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"roomrelay/internal/message"
	"roomrelay/internal/opsapi"
	"roomrelay/internal/pipeline"
	"roomrelay/internal/transport"
	logx "roomrelay/pkg/logx"
)

type stubPipe struct {
	mu      sync.Mutex
	room    string
	msgs    []message.Message
	chs     []transport.ChannelID
	enabled []bool
}

func (p *stubPipe) Submit(_ context.Context, room string, msgs []message.Message, chs ...transport.ChannelID) (pipeline.Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.room, p.msgs, p.chs = room, msgs, chs
	return pipeline.Receipt{BurstID: "b-1", Accepted: len(msgs), Channels: []string{"slack:C1"}}, nil
}
func (p *stubPipe) Stats() pipeline.Stats        { return pipeline.Stats{Processed: 4, CacheHitRate: 0.25} }
func (p *stubPipe) CleanupExpiredCache(int) int { return 2 }
func (p *stubPipe) ClearAllCache() int          { return 9 }
func (p *stubPipe) SetCacheEnabled(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = append(p.enabled, on)
}

func run(t *testing.T, api string, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--api", api, "--token", "tok"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestClientCommands(t *testing.T) {
	pipe := &stubPipe{}
	svc := opsapi.New(opsapi.Config{Token: "tok"}, pipe, nil, logx.Nop())
	srv := httptest.NewServer(svc.Handler(opsapi.Config{Token: "tok"}))
	defer srv.Close()

	out, err := run(t, srv.URL, "", "cache", "cleanup", "15")
	if err != nil || !strings.Contains(out, "removed 2 cache entries") {
		t.Fatalf("cleanup: %q %v", out, err)
	}
	out, err = run(t, srv.URL, "", "cache", "clear")
	if err != nil || !strings.Contains(out, "cleared 9 cache entries") {
		t.Fatalf("clear: %q %v", out, err)
	}
	if out, err = run(t, srv.URL, "", "cache", "disable"); err != nil || !strings.Contains(out, "cache disabled") {
		t.Fatalf("disable: %q %v", out, err)
	}
	out, err = run(t, srv.URL, "", "stats", "--json")
	if err != nil || !strings.Contains(out, `"processed": 4`) {
		t.Fatalf("stats: %q %v", out, err)
	}

	burst := `[{"id":"1","type":"text","timestamp":"2024-01-01T10:00:00Z","sender":"a","body":"hi"}]`
	out, err = run(t, srv.URL, burst, "submit", "room-7", "--channel", "slack:C1")
	if err != nil || !strings.Contains(out, "burst b-1: accepted=1") {
		t.Fatalf("submit: %q %v", out, err)
	}

	pipe.mu.Lock()
	defer pipe.mu.Unlock()
	if pipe.room != "room-7" || len(pipe.msgs) != 1 || len(pipe.chs) != 1 || pipe.chs[0] != "slack:C1" {
		t.Fatalf("submitted %q %+v %v", pipe.room, pipe.msgs, pipe.chs)
	}
	if len(pipe.enabled) != 1 || pipe.enabled[0] {
		t.Fatalf("enabled %v", pipe.enabled)
	}
}

func TestCleanupRejectsNegativeMinutes(t *testing.T) {
	if _, err := run(t, "127.0.0.1:1", "", "cache", "cleanup", "-5"); err == nil {
		t.Fatal("negative minutes accepted")
	}
}

func TestReadBurstAcceptsSingleObject(t *testing.T) {
	msgs, err := readBurst(strings.NewReader(`{"id":"x","type":"image","resource_url":"https://e/a.png"}`))
	if err != nil || len(msgs) != 1 || msgs[0].ResourceURL != "https://e/a.png" {
		t.Fatalf("msgs %+v %v", msgs, err)
	}
	if _, err := readBurst(strings.NewReader("  ")); err == nil {
		t.Fatal("empty burst accepted")
	}
}
