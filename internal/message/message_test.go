package message

import (
	"testing"
	"time"
)

func TestParseType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Type
	}{
		{"TEXT", TypeText},
		{"image", TypeImage},
		{"EXPRESSIMAGE", TypeExpressImage},
		{"LIVEPUSH", TypeLiveStart},
		{"live-start", TypeLiveStart},
		{"FLIPCARD_VIDEO", TypeFlipCardVideo},
		{"PASSWORD_REDPACKAGE", TypeRedPacket},
		{"something-new", TypeUnknown},
	}
	for _, tt := range tests {
		if got := ParseType(tt.raw); got != tt.want {
			t.Fatalf("ParseType(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestIsMedia(t *testing.T) {
	t.Parallel()
	for _, typ := range []Type{TypeImage, TypeExpressImage, TypeAudio, TypeVideo, TypeLiveStart, TypeFlipCardAudio, TypeFlipCardVideo} {
		if !typ.IsMedia() {
			t.Fatalf("%s should be media", typ)
		}
	}
	for _, typ := range []Type{TypeText, TypeReply, TypeGiftText, TypeFlipCard, TypeVote, TypeUnknown} {
		if typ.IsMedia() {
			t.Fatalf("%s should not be media", typ)
		}
	}
}

func TestKeyFallbackIsStable(t *testing.T) {
	t.Parallel()
	ts := time.UnixMilli(1700000000000)
	a := Message{RoomID: "r", Type: TypeText, Timestamp: ts, Sender: "s", Body: "hi"}
	b := a
	if a.Key() != b.Key() {
		t.Fatalf("fallback key not stable: %q vs %q", a.Key(), b.Key())
	}
	b.Body = "hello"
	if a.Key() == b.Key() {
		t.Fatalf("different bodies produced the same key %q", a.Key())
	}
	a.ID = "platform-1"
	if a.Key() != "platform-1" {
		t.Fatalf("Key() = %q, want platform id", a.Key())
	}
}

func TestResourceRef(t *testing.T) {
	t.Parallel()
	live := Message{Type: TypeLiveStart, ResourceURL: "http://x/stream", CoverURL: "http://x/cover.jpg"}
	if got := live.ResourceRef(); got != "http://x/cover.jpg" {
		t.Fatalf("live ResourceRef = %q", got)
	}
	txt := Message{Type: TypeText, ResourceURL: "http://x/ignored"}
	if got := txt.ResourceRef(); got != "" {
		t.Fatalf("text ResourceRef = %q, want empty", got)
	}
}
