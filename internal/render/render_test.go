package render

import (
	"strings"
	"testing"
	"time"

	"roomrelay/internal/message"
	"roomrelay/internal/transport"
)

var at = time.Date(2024, 7, 9, 21, 5, 0, 0, time.UTC)

func TestHeaderFormat(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	n := r.Render(message.Message{RoomID: "r1", RoomName: "Room One", Type: message.TypeText, Sender: "amy", Timestamp: at, Body: "hello"}, nil)
	want := "[amy] in Room One @ 07-09 21:05\nhello"
	if n.Text != want {
		t.Fatalf("text = %q, want %q", n.Text, want)
	}
}

func TestHeaderUsesLocation(t *testing.T) {
	t.Parallel()
	r := NewRegistry(time.FixedZone("UTC+8", 8*3600))
	n := r.Render(message.Message{RoomID: "r1", Type: message.TypeText, Sender: "amy", Timestamp: at, Body: "x"}, nil)
	if !strings.HasPrefix(n.Text, "[amy] in r1 @ 07-10 05:05") {
		t.Fatalf("unexpected header %q", n.Text)
	}
}

func TestMediaWithAndWithoutAttachment(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	cases := []struct {
		typ  message.Type
		kind string
	}{
		{message.TypeImage, "image"},
		{message.TypeExpressImage, "image"},
		{message.TypeAudio, "audio"},
		{message.TypeVideo, "video"},
		{message.TypeFlipCardAudio, "audio"},
		{message.TypeFlipCardVideo, "video"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(string(tc.typ), func(t *testing.T) {
			m := message.Message{RoomID: "r", Type: tc.typ, Sender: "s", Timestamp: at, ResourceURL: "https://x/y"}
			att := &transport.AttachmentHandle{Kind: transport.AttachmentKind(tc.kind), Ref: "file-1"}
			full := r.Render(m, att)
			if len(full.Attachments) != 1 || full.Attachments[0].Ref != "file-1" {
				t.Fatalf("attachment missing: %+v", full)
			}
			if strings.Contains(full.Text, "unavailable") {
				t.Fatalf("placeholder rendered with attachment: %q", full.Text)
			}
			degraded := r.Render(m, nil)
			if len(degraded.Attachments) != 0 {
				t.Fatalf("degraded notification has attachments")
			}
			if !strings.Contains(degraded.Text, "["+tc.kind+" unavailable]") || !strings.HasPrefix(degraded.Text, "[s] in r @") {
				t.Fatalf("placeholder text %q", degraded.Text)
			}
		})
	}
}

func TestLiveStartCover(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	m := message.Message{RoomID: "r", Type: message.TypeLiveStart, Sender: "s", Timestamp: at, Title: "late night", CoverURL: "https://x/cover.jpg"}
	n := r.Render(m, &transport.AttachmentHandle{Kind: transport.AttachmentImage, Ref: "c"})
	if !strings.Contains(n.Text, "started a live stream\nlate night") || len(n.Attachments) != 1 {
		t.Fatalf("unexpected live start %+v", n)
	}
	if d := r.Render(m, nil); !strings.Contains(d.Text, "[cover unavailable]") {
		t.Fatalf("missing cover placeholder: %q", d.Text)
	}
}

func TestReplyAndFlipCard(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	reply := r.Render(message.Message{RoomID: "r", Type: message.TypeReply, Sender: "s", Timestamp: at, Body: "yes", Reply: &message.Reply{Name: "fan", Text: "really?"}}, nil)
	if !strings.HasSuffix(reply.Text, "> fan: really?\nyes") {
		t.Fatalf("reply text %q", reply.Text)
	}
	empty := r.Render(message.Message{RoomID: "r", Type: message.TypeGiftReply, Sender: "s", Timestamp: at}, nil)
	if !strings.HasSuffix(empty.Text, "replied (empty)") {
		t.Fatalf("empty reply text %q", empty.Text)
	}
	flip := r.Render(message.Message{RoomID: "r", Type: message.TypeFlipCard, Sender: "s", Timestamp: at, Body: "A", Reply: &message.Reply{Name: "q", Text: "Q?"}}, nil)
	if !strings.HasSuffix(flip.Text, "> q: Q?\n------\nA") {
		t.Fatalf("flip text %q", flip.Text)
	}
}

func TestUnknownTypeFallsBack(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	n := r.Render(message.Message{RoomID: "r", Type: message.TypeUnknown, Sender: "s", Timestamp: at}, nil)
	if !strings.Contains(n.Text, "[unsupported message]") {
		t.Fatalf("fallback text %q", n.Text)
	}
}

func TestRegisterOverrides(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	r.Register(message.TypeVote, HandlerFunc(func(h Header, m message.Message, _ *transport.AttachmentHandle) transport.Notification {
		return transport.Notification{Text: "vote:" + m.Title}
	}))
	if n := r.Render(message.Message{Type: message.TypeVote, Title: "best song"}, nil); n.Text != "vote:best song" {
		t.Fatalf("override ignored: %q", n.Text)
	}
}

func TestPlaceholderDropsAttachments(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	n := r.Placeholder(message.Message{RoomID: "r", Type: message.TypeVideo, Sender: "s", Timestamp: at})
	if len(n.Attachments) != 0 || !strings.Contains(n.Text, "[video unavailable]") {
		t.Fatalf("placeholder %+v", n)
	}
}
