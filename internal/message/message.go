package message

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// Type is the platform message kind.
type Type string

const (
	TypeText          Type = "text"
	TypeGiftText      Type = "gift_text"
	TypeImage         Type = "image"
	TypeExpressImage  Type = "express_image"
	TypeAudio         Type = "audio"
	TypeVideo         Type = "video"
	TypeLiveStart     Type = "live_start"
	TypeShareLive     Type = "share_live"
	TypeReply         Type = "reply"
	TypeGiftReply     Type = "gift_reply"
	TypeFlipCard      Type = "flip_card"
	TypeFlipCardAudio Type = "flip_card_audio"
	TypeFlipCardVideo Type = "flip_card_video"
	TypeRedPacket     Type = "red_packet"
	TypeVote          Type = "vote"
	TypeSharePosts    Type = "share_posts"
	TypeUnknown       Type = "unknown"
)

var knownTypes = map[Type]struct{}{
	TypeText: {}, TypeGiftText: {}, TypeImage: {}, TypeExpressImage: {}, TypeAudio: {},
	TypeVideo: {}, TypeLiveStart: {}, TypeShareLive: {}, TypeReply: {}, TypeGiftReply: {},
	TypeFlipCard: {}, TypeFlipCardAudio: {}, TypeFlipCardVideo: {}, TypeRedPacket: {},
	TypeVote: {}, TypeSharePosts: {},
}

// ParseType normalizes a wire value ("IMAGE", "image", "live-start") to a Type.
func ParseType(s string) Type {
	t := Type(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	switch t {
	case "expressimage":
		return TypeExpressImage
	case "livepush", "live":
		return TypeLiveStart
	case "giftreply":
		return TypeGiftReply
	case "flipcard":
		return TypeFlipCard
	case "flipcard_audio":
		return TypeFlipCardAudio
	case "flipcard_video":
		return TypeFlipCardVideo
	case "password_redpackage", "redpacket":
		return TypeRedPacket
	}
	if _, ok := knownTypes[t]; ok {
		return t
	}
	return TypeUnknown
}

// IsMedia reports whether messages of this type carry a binary resource
// whose fetch dominates processing time.
func (t Type) IsMedia() bool {
	switch t {
	case TypeImage, TypeExpressImage, TypeAudio, TypeVideo, TypeLiveStart,
		TypeFlipCardAudio, TypeFlipCardVideo:
		return true
	}
	return false
}

// ResourceKind is the attachment kind a media type resolves to.
func (t Type) ResourceKind() string {
	switch t {
	case TypeImage, TypeExpressImage, TypeLiveStart:
		return "image"
	case TypeAudio, TypeFlipCardAudio:
		return "audio"
	case TypeVideo, TypeFlipCardVideo:
		return "video"
	}
	return ""
}

// Reply is the quoted part of a reply message.
type Reply struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Message is one room message as produced by the platform client.
// It is treated as immutable after it enters the pipeline; SequenceNo is
// assigned on a copy by the integrity checker.
type Message struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id"`
	RoomName    string    `json:"room_name,omitempty"`
	Type        Type      `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	Sender      string    `json:"sender"`
	Body        string    `json:"body,omitempty"`
	ResourceURL string    `json:"resource_url,omitempty"`
	Title       string    `json:"title,omitempty"`
	CoverURL    string    `json:"cover_url,omitempty"`
	Reply       *Reply    `json:"reply,omitempty"`
	SequenceNo  uint64    `json:"sequence_no,omitempty"`
}

// Key returns the platform id, or a content-derived id when the platform
// did not provide one.
func (m Message) Key() string {
	if id := strings.TrimSpace(m.ID); id != "" {
		return id
	}
	kind := "TXT"
	if m.Type.IsMedia() {
		kind = "MEDIA"
	}
	h := fnv.New32a()
	h.Write([]byte(m.Body))
	h.Write([]byte(m.ResourceURL))
	return fmt.Sprintf("%d_%s_%s_%08x", m.Timestamp.UnixMilli(), m.Sender, kind, h.Sum32())
}

// ResourceRef returns the URL that must be fetched to deliver m, if any.
func (m Message) ResourceRef() string {
	if m.Type == TypeLiveStart {
		if c := strings.TrimSpace(m.CoverURL); c != "" {
			return c
		}
	}
	if m.Type.IsMedia() {
		return strings.TrimSpace(m.ResourceURL)
	}
	return ""
}
