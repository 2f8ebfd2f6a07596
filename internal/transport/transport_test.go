package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestChannelIDParts(t *testing.T) {
	t.Parallel()
	tests := []struct {
		id     ChannelID
		scheme string
		target string
	}{
		{"telegram:-1001", "telegram", "-1001"},
		{"Slack:C0123", "slack", "C0123"},
		{"telegram:-1001/42", "telegram", "-1001/42"},
		{"bare", "", "bare"},
	}
	for _, tt := range tests {
		if got := tt.id.Scheme(); got != tt.scheme {
			t.Fatalf("%q Scheme = %q, want %q", tt.id, got, tt.scheme)
		}
		if got := tt.id.Target(); got != tt.target {
			t.Fatalf("%q Target = %q, want %q", tt.id, got, tt.target)
		}
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o wait exceeded" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"structured rate limit", RateLimited("send", errors.New("x"), time.Second), KindRateLimit},
		{"structured fatal beats text", Fatal("send", errors.New("timeout")), KindFatal},
		{"wrapped structured", fmt.Errorf("outer: %w", Retryable("upload", errors.New("x"))), KindRetryable},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), KindRetryable},
		{"net timeout", timeoutErr{}, KindRetryable},
		{"text rate limit", errors.New("Too Many Requests: retry later"), KindRateLimit},
		{"text transfer", errors.New("rich media transfer failed"), KindRetryable},
		{"text connection", errors.New("dial tcp: connection refused"), KindRetryable},
		{"unknown", errors.New("chat not found"), KindFatal},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryAfterHint(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("wrap: %w", RateLimited("send", errors.New("flood"), 7*time.Second))
	if got := RetryAfterHint(err); got != 7*time.Second {
		t.Fatalf("RetryAfterHint = %v, want 7s", got)
	}
	if got := RetryAfterHint(errors.New("plain")); got != 0 {
		t.Fatalf("RetryAfterHint(plain) = %v, want 0", got)
	}
}

type stubAdapter struct {
	scheme string
	sent   []ChannelID
}

func (s *stubAdapter) Scheme() string                                   { return s.scheme }
func (s *stubAdapter) Start(ctx context.Context, out chan<- Update) error { return nil }
func (s *stubAdapter) Stop(ctx context.Context) error                   { return nil }
func (s *stubAdapter) Send(ctx context.Context, ch ChannelID, n Notification) (MessageRef, error) {
	s.sent = append(s.sent, ch)
	return MessageRef{Channel: ch, ID: "1"}, nil
}
func (s *stubAdapter) UploadAttachment(ctx context.Context, ch ChannelID, f string, k AttachmentKind) (AttachmentHandle, error) {
	return AttachmentHandle{Kind: k, Ref: f, Local: true}, nil
}

func TestRouterDispatchesByScheme(t *testing.T) {
	t.Parallel()
	tg := &stubAdapter{scheme: "telegram"}
	sl := &stubAdapter{scheme: "slack"}
	r := NewRouter(tg, sl)

	if _, err := r.Send(context.Background(), "slack:C1", Notification{Text: "x"}); err != nil {
		t.Fatalf("Send slack: %v", err)
	}
	if _, err := r.Send(context.Background(), "telegram:-1", Notification{Text: "x"}); err != nil {
		t.Fatalf("Send telegram: %v", err)
	}
	if len(tg.sent) != 1 || len(sl.sent) != 1 {
		t.Fatalf("unexpected dispatch: telegram=%v slack=%v", tg.sent, sl.sent)
	}

	_, err := r.Send(context.Background(), "irc:#x", Notification{Text: "x"})
	if !errors.Is(err, ErrNoAdapter) {
		t.Fatalf("expected ErrNoAdapter, got %v", err)
	}
	if Classify(err) != KindFatal {
		t.Fatalf("missing adapter should be fatal, got %s", Classify(err))
	}
}
