package transport

import (
	"context"
	"strings"
)

// ChannelID names one outbound delivery target as "<scheme>:<target>",
// e.g. "telegram:-1001234567890", "telegram:-1001234567890/42" (forum
// thread 42) or "slack:C0123ABCD".
type ChannelID string

// Scheme returns the adapter scheme ("telegram", "slack").
func (c ChannelID) Scheme() string {
	s, _, ok := strings.Cut(string(c), ":")
	if !ok {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// Target returns the adapter-specific part after the scheme.
func (c ChannelID) Target() string {
	_, t, ok := strings.Cut(string(c), ":")
	if !ok {
		return string(c)
	}
	return strings.TrimSpace(t)
}

func (c ChannelID) String() string { return string(c) }

type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentDocument AttachmentKind = "document"
)

// AttachmentHandle references an uploaded (or staged) binary. Ref is an
// adapter-specific file id, or a local path when Local is true.
type AttachmentHandle struct {
	Kind  AttachmentKind
	Ref   string
	Name  string
	Local bool
}

// Notification is a composed message ready for one channel.
type Notification struct {
	Text        string
	Attachments []AttachmentHandle
	Silent      bool
}

type MessageRef struct {
	Channel ChannelID
	ID      string
}

// Sender is the surface the delivery pipeline needs from a chat transport.
// Both calls may be slow and may fail; callers wrap them with retries.
type Sender interface {
	Send(ctx context.Context, ch ChannelID, n Notification) (MessageRef, error)
	UploadAttachment(ctx context.Context, ch ChannelID, localFile string, kind AttachmentKind) (AttachmentHandle, error)
}

// Update is an inbound chat message (used for ops commands).
type Update struct {
	Channel ChannelID
	FromID  string
	Text    string
}

// Adapter is a Sender bound to one chat platform.
type Adapter interface {
	Sender
	Scheme() string
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}
