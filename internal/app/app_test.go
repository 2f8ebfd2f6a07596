package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"roomrelay/internal/config"
	"roomrelay/internal/message"
)

type slackAPI struct {
	mu    sync.Mutex
	texts []string
}

func (s *slackAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	s.mu.Lock()
	s.texts = append(s.texts, r.FormValue("text"))
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1700000000.000100"}`))
}

func (s *slackAPI) posted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func writeConfig(t *testing.T, apiURL string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`
logging:
  level: error
slack:
  token: xoxb-test
  api_url: %q
cache:
  dir: %q
fetch:
  temp_dir: %q
batch:
  text_delay: 10ms
  min_delay: 1ms
pipeline:
  routes:
    room-1: ["slack:C1"]
`, apiURL, filepath.Join(dir, "cache"), filepath.Join(dir, "tmp"))
	path := filepath.Join(dir, "relay.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAppRelaysSubmittedMessages(t *testing.T) {
	api := &slackAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, writeConfig(t, srv.URL+"/"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	msgs := []message.Message{{
		ID:        "m1",
		RoomID:    "room-1",
		Type:      message.TypeText,
		Timestamp: time.Now(),
		Sender:    "alice",
		Body:      "hello from the room",
	}}
	rc, err := a.Pipeline().Submit(ctx, "room-1", msgs)
	if err != nil || rc.Accepted != 1 {
		t.Fatalf("submit: %+v %v", rc, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got := api.posted()
		if len(got) == 1 && strings.Contains(got[0], "hello from the room") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("posted %q", got)
		}
		time.Sleep(20 * time.Millisecond)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSIGTERM); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("app context still live after stop")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("supervisor error: %v", err)
	}
}

func TestNewRejectsInvalidSchedule(t *testing.T) {
	path := writeConfig(t, "http://127.0.0.1:1/")
	data, _ := os.ReadFile(path)
	bad := string(data) + "janitor:\n  cache_sweep: banana\n"
	if err := os.WriteFile(path, []byte(bad), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(context.Background(), path); err == nil || !strings.Contains(err.Error(), "janitor.cache_sweep") {
		t.Fatalf("err = %v", err)
	}
}

func TestMapActivityHonoursTuningSwitch(t *testing.T) {
	path := writeConfig(t, "http://127.0.0.1:1/")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Decode(path, data)
	if err != nil {
		t.Fatal(err)
	}
	_, p := mapActivity(cfg)
	if p.CacheTTL(true) == p.CacheTTL(false) {
		t.Fatalf("default policy should vary ttl with activity")
	}
	off := false
	cfg.Activity.Tuning = &off
	_, p = mapActivity(cfg)
	if p.CacheTTL(true) != p.CacheTTL(false) {
		t.Fatalf("tuning disabled should use a fixed ttl")
	}
}

func TestRetryDefaultsWhenOmitted(t *testing.T) {
	cfg := &config.Config{}
	if got := mapFetchConfig(cfg).MaxRetries; got != config.DefaultMaxRetries {
		t.Fatalf("fetch retries = %d", got)
	}
	if got := mapDeliveryConfig(cfg).MaxRetries; got != config.DefaultMaxRetries {
		t.Fatalf("delivery retries = %d", got)
	}
	zero := 0
	cfg.Delivery.MaxRetries = &zero
	if got := mapDeliveryConfig(cfg).MaxRetries; got != 0 {
		t.Fatalf("explicit zero mapped to %d", got)
	}
}
