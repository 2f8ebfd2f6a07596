package render

import (
	"roomrelay/internal/message"
	"roomrelay/internal/transport"
)

func builtins() map[message.Type]Handler {
	text := HandlerFunc(renderText)
	image := media("image", "sent an image")
	audio := media("audio", "sent a voice message")
	video := media("video", "sent a video")
	reply := HandlerFunc(renderReply)
	return map[message.Type]Handler{
		message.TypeText:          text,
		message.TypeGiftText:      HandlerFunc(renderGiftText),
		message.TypeImage:         image,
		message.TypeExpressImage:  image,
		message.TypeAudio:         audio,
		message.TypeVideo:         video,
		message.TypeLiveStart:     HandlerFunc(renderLiveStart),
		message.TypeShareLive:     HandlerFunc(renderShareLive),
		message.TypeReply:         reply,
		message.TypeGiftReply:     reply,
		message.TypeFlipCard:      HandlerFunc(renderFlipCard),
		message.TypeFlipCardAudio: flipMedia("audio", "answered with a voice message"),
		message.TypeFlipCardVideo: flipMedia("video", "answered with a video"),
		message.TypeRedPacket:     HandlerFunc(renderRedPacket),
		message.TypeVote:          HandlerFunc(renderVote),
		message.TypeSharePosts:    HandlerFunc(renderSharePosts),
	}
}

func withAttachment(n transport.Notification, att *transport.AttachmentHandle) transport.Notification {
	if att != nil {
		n.Attachments = append(n.Attachments, *att)
	}
	return n
}

func placeholder(kind string) string { return "[" + kind + " unavailable]" }

func bodyOrEmpty(m message.Message) string {
	if m.Body == "" {
		return "[empty message]"
	}
	return m.Body
}

func renderText(h Header, m message.Message, _ *transport.AttachmentHandle) transport.Notification {
	return transport.Notification{Text: join(h.String(), bodyOrEmpty(m))}
}

func renderGiftText(h Header, m message.Message, _ *transport.AttachmentHandle) transport.Notification {
	return transport.Notification{Text: join(h.String(), "[gift] "+bodyOrEmpty(m))}
}

func media(kind, verb string) Handler {
	return HandlerFunc(func(h Header, m message.Message, att *transport.AttachmentHandle) transport.Notification {
		if att == nil {
			return transport.Notification{Text: join(h.String(), verb, m.Body, placeholder(kind))}
		}
		return withAttachment(transport.Notification{Text: join(h.String(), verb, m.Body)}, att)
	})
}

func renderLiveStart(h Header, m message.Message, att *transport.AttachmentHandle) transport.Notification {
	lines := []string{h.String(), "started a live stream", m.Title, m.Body}
	if att == nil && m.ResourceRef() != "" {
		lines = append(lines, placeholder("cover"))
	}
	return withAttachment(transport.Notification{Text: join(lines...)}, att)
}

func renderShareLive(h Header, m message.Message, _ *transport.AttachmentHandle) transport.Notification {
	return transport.Notification{Text: join(h.String(), "shared a live stream", m.Title, m.Body)}
}

func quote(r *message.Reply) string {
	if r == nil {
		return ""
	}
	name := r.Name
	if name == "" {
		name = "someone"
	}
	return "> " + name + ": " + r.Text
}

func renderReply(h Header, m message.Message, _ *transport.AttachmentHandle) transport.Notification {
	if m.Reply == nil && m.Body == "" {
		return transport.Notification{Text: join(h.String(), "replied (empty)")}
	}
	prefix := ""
	if m.Type == message.TypeGiftReply {
		prefix = "[gift] "
	}
	return transport.Notification{Text: join(h.String(), quote(m.Reply), prefix+m.Body)}
}

func renderFlipCard(h Header, m message.Message, _ *transport.AttachmentHandle) transport.Notification {
	return transport.Notification{Text: join(h.String(), "answered a flip card", quote(m.Reply), "------", bodyOrEmpty(m))}
}

func flipMedia(kind, verb string) Handler {
	return HandlerFunc(func(h Header, m message.Message, att *transport.AttachmentHandle) transport.Notification {
		lines := []string{h.String(), verb, quote(m.Reply), "------"}
		if att == nil {
			lines = append(lines, placeholder(kind))
		}
		return withAttachment(transport.Notification{Text: join(lines...)}, att)
	})
}

func renderRedPacket(h Header, m message.Message, _ *transport.AttachmentHandle) transport.Notification {
	return transport.Notification{Text: join(h.String(), "sent a password red packet", m.Title, m.Body)}
}

func renderVote(h Header, m message.Message, _ *transport.AttachmentHandle) transport.Notification {
	return transport.Notification{Text: join(h.String(), "started a vote", m.Title, m.Body)}
}

func renderSharePosts(h Header, m message.Message, _ *transport.AttachmentHandle) transport.Notification {
	return transport.Notification{Text: join(h.String(), "shared a post", m.Title, m.Body)}
}

func renderUnsupported(h Header, m message.Message, _ *transport.AttachmentHandle) transport.Notification {
	return transport.Notification{Text: join(h.String(), "[unsupported message]", m.Body)}
}
