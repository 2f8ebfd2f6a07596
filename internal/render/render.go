// Package render composes channel notifications from room messages.
//
// Each message type has its own Handler. A handler receives the message
// and, for media types, the uploaded attachment; a nil attachment means the
// resource could not be resolved and the handler renders a placeholder so
// the sender, room and time context is never lost.
package render

import (
	"strings"
	"sync"
	"time"

	"roomrelay/internal/message"
	"roomrelay/internal/transport"
)

// Handler renders one message type.
type Handler interface {
	Render(h Header, m message.Message, att *transport.AttachmentHandle) transport.Notification
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(h Header, m message.Message, att *transport.AttachmentHandle) transport.Notification

func (f HandlerFunc) Render(h Header, m message.Message, att *transport.AttachmentHandle) transport.Notification {
	return f(h, m, att)
}

// Header is the common first line of every notification.
type Header struct {
	Sender string
	Room   string
	At     time.Time
}

func (h Header) String() string {
	sender := strings.TrimSpace(h.Sender)
	if sender == "" {
		sender = "unknown"
	}
	s := "[" + sender + "]"
	if h.Room != "" {
		s += " in " + h.Room
	}
	if !h.At.IsZero() {
		s += " @ " + h.At.Format("01-02 15:04")
	}
	return s
}

// Registry dispatches on message type.
type Registry struct {
	mu       sync.RWMutex
	loc      *time.Location
	handlers map[message.Type]Handler
	fallback Handler
}

// NewRegistry returns a registry with the built-in handlers. Times are
// shown in loc (UTC when nil).
func NewRegistry(loc *time.Location) *Registry {
	if loc == nil {
		loc = time.UTC
	}
	r := &Registry{loc: loc, handlers: map[message.Type]Handler{}, fallback: HandlerFunc(renderUnsupported)}
	for t, h := range builtins() {
		r.handlers[t] = h
	}
	return r
}

// Register installs or replaces the handler for t.
func (r *Registry) Register(t message.Type, h Handler) {
	r.mu.Lock()
	r.handlers[t] = h
	r.mu.Unlock()
}

func (r *Registry) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	r.mu.Lock()
	r.loc = loc
	r.mu.Unlock()
}

// Render composes the notification for m.
func (r *Registry) Render(m message.Message, att *transport.AttachmentHandle) transport.Notification {
	r.mu.RLock()
	h, ok := r.handlers[m.Type]
	if !ok {
		h = r.fallback
	}
	loc := r.loc
	r.mu.RUnlock()

	room := m.RoomName
	if room == "" {
		room = m.RoomID
	}
	return h.Render(Header{Sender: m.Sender, Room: room, At: m.Timestamp.In(loc)}, m, att)
}

// Placeholder renders m as text only, used when delivery of the media
// variant failed after the attachment was accepted.
func (r *Registry) Placeholder(m message.Message) transport.Notification {
	n := r.Render(m, nil)
	n.Attachments = nil
	return n
}

func join(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n")
}
