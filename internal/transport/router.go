package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNoAdapter is returned for channels whose scheme has no adapter.
var ErrNoAdapter = errors.New("no adapter for channel scheme")

// Router dispatches Sender calls to the adapter registered for a channel's
// scheme.
type Router struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRouter(adapters ...Adapter) *Router {
	r := &Router{adapters: map[string]Adapter{}}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Router) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	r.adapters[a.Scheme()] = a
	r.mu.Unlock()
}

func (r *Router) Adapters() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

func (r *Router) lookup(ch ChannelID) (Adapter, error) {
	r.mu.RLock()
	a := r.adapters[ch.Scheme()]
	r.mu.RUnlock()
	if a == nil {
		return nil, Fatal("route", fmt.Errorf("%w: %q", ErrNoAdapter, ch))
	}
	return a, nil
}

func (r *Router) Send(ctx context.Context, ch ChannelID, n Notification) (MessageRef, error) {
	a, err := r.lookup(ch)
	if err != nil {
		return MessageRef{}, err
	}
	return a.Send(ctx, ch, n)
}

func (r *Router) UploadAttachment(ctx context.Context, ch ChannelID, localFile string, kind AttachmentKind) (AttachmentHandle, error) {
	a, err := r.lookup(ch)
	if err != nil {
		return AttachmentHandle{}, err
	}
	return a.UploadAttachment(ctx, ch, localFile, kind)
}

// SendAlert lets the router act as the log alert sink.
func (r *Router) SendAlert(ctx context.Context, channel, text string) error {
	_, err := r.Send(ctx, ChannelID(channel), Notification{Text: text, Silent: true})
	return err
}
