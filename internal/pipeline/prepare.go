package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"roomrelay/internal/delivery"
	"roomrelay/internal/eventbus"
	"roomrelay/internal/fetch"
	"roomrelay/internal/message"
	"roomrelay/internal/storage"
	"roomrelay/internal/transport"
	"roomrelay/internal/workpool"
	logx "roomrelay/pkg/logx"
)

// prepared is a notification ready to send on one channel.
type prepared struct {
	n transport.Notification
	// withMedia is set when n carries an uploaded attachment that may still
	// be rejected at send time.
	withMedia bool
	degraded  bool
}

func memoKey(roomID string, m message.Message) string {
	return roomID + "\x00" + m.Key()
}

func (s *Service) prepare(ctx context.Context, ch transport.ChannelID, b burst, m message.Message) *workpool.Future {
	s.mu.Lock()
	media, text := s.media, s.text
	s.mu.Unlock()
	if media == nil || text == nil {
		return workpool.Resolved(nil, ErrStopped)
	}
	ctx = delivery.WithTags(ctx, delivery.Tags{BurstID: b.id, RoomID: b.roomID, MessageID: m.Key()})
	if m.ResourceRef() == "" {
		return text.Submit(ctx, func(context.Context) (any, error) {
			return prepared{n: s.d.Renderer.Render(m, nil)}, nil
		})
	}
	return media.Submit(ctx, func(ctx context.Context) (any, error) {
		return s.prepareMedia(ctx, ch, b, m), nil
	})
}

// prepareMedia resolves and uploads m's resource. Any failure degrades to
// the text placeholder.
func (s *Service) prepareMedia(ctx context.Context, ch transport.ChannelID, b burst, m message.Message) prepared {
	ref := m.ResourceRef()
	kind := transport.AttachmentKind(m.Type.ResourceKind())
	if kind == "" {
		kind = transport.AttachmentDocument
	}
	log := s.log.With(logx.String("room", b.roomID), logx.String("msg", m.Key()), logx.String("channel", ch.String()))

	ttl := 10 * time.Minute
	if s.d.Monitor != nil {
		ttl = s.d.Monitor.CacheTTL()
	}
	fetchRetries := s.config().FetchRetries
	res, err := s.memo.resolve(ctx, memoKey(b.roomID, m), ttl, func() (fetch.Result, error) {
		return s.d.Fetcher.Fetch(ctx, ref, "", fetchRetries)
	})
	if err != nil {
		log.Warn("resource fetch failed; sending placeholder", logx.String("url", ref), logx.Bool("permanent", fetch.IsPermanent(err)), logx.Err(err))
		eventbus.Emit(s.d.Bus, eventbus.TypeFetchFailed, eventbus.FetchEvent{
			RoomID: b.roomID, MessageID: m.Key(), URL: ref, Permanent: fetch.IsPermanent(err), Error: err.Error(),
		})
		return prepared{n: s.d.Renderer.Placeholder(m), degraded: true}
	}

	h, err := s.d.Retrier.UploadWithRetry(ctx, ch, res.Path, kind)
	if err != nil {
		log.Warn("resource upload failed; sending placeholder", logx.String("path", res.Path), logx.Err(err))
		return prepared{n: s.d.Renderer.Placeholder(m), degraded: true}
	}
	return prepared{n: s.d.Renderer.Render(m, &h), withMedia: true}
}

// emit sends one prepared message on ch and records the outcome. A media
// notification the channel rejects is retried once as a placeholder.
func (s *Service) emit(ctx context.Context, ch transport.ChannelID, b burst, m message.Message, v any, prepErr error) error {
	p, ok := v.(prepared)
	if prepErr != nil || !ok {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if prepErr != nil && !errors.Is(prepErr, workpool.ErrStopped) {
			s.log.Warn("message preparation failed; sending placeholder", logx.String("room", b.roomID), logx.String("msg", m.Key()), logx.Err(prepErr))
		}
		p = prepared{n: s.d.Renderer.Placeholder(m), degraded: m.ResourceRef() != ""}
	}

	ctx = delivery.WithTags(ctx, delivery.Tags{BurstID: b.id, RoomID: b.roomID, MessageID: m.Key()})
	retries := s.config().SendRetries
	res := s.d.Retrier.SendWithRetry(ctx, ch, p.n, retries)
	if res.Partial() {
		s.log.Warn("notification partially delivered; not resending", logx.String("room", b.roomID), logx.String("msg", m.Key()), logx.String("channel", ch.String()), logx.Err(res.Err))
		p.degraded = true
	} else if !res.OK() && p.withMedia && ctx.Err() == nil {
		s.log.Warn("media notification rejected; sending placeholder", logx.String("room", b.roomID), logx.String("msg", m.Key()), logx.String("channel", ch.String()), logx.Err(res.Err))
		p = prepared{n: s.d.Renderer.Placeholder(m), degraded: true}
		res = s.d.Retrier.SendWithRetry(ctx, ch, p.n, retries)
	}

	delivered := res.OK() || res.Partial()
	outcome := storage.OutcomeSent
	switch {
	case !delivered:
		outcome = storage.OutcomeDropped
		s.failed.Add(1)
	case p.degraded:
		outcome = storage.OutcomeDegraded
		s.processed.Add(1)
		s.degraded.Add(1)
		eventbus.Emit(s.d.Bus, eventbus.TypeDegraded, eventbus.DeliveryEvent{
			BurstID: b.id, RoomID: b.roomID, MessageID: m.Key(), Channel: ch.String(), Attempts: res.Attempts, Took: res.Took,
		})
	default:
		s.processed.Add(1)
	}
	s.record(ch, b, m, outcome, res)
	if !delivered {
		return res.Err
	}
	return nil
}

func (s *Service) record(ch transport.ChannelID, b burst, m message.Message, outcome string, res delivery.Result) {
	if s.d.Store == nil {
		return
	}
	rec := storage.DeliveryRecord{
		ID:        uuid.NewString(),
		At:        s.now(),
		BurstID:   b.id,
		RoomID:    b.roomID,
		MessageID: m.Key(),
		Channel:   ch.String(),
		Outcome:   outcome,
		Attempts:  res.Attempts,
		TookMS:    res.Took.Milliseconds(),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := s.d.Store.AppendDelivery(ctx, rec); err != nil && !errors.Is(err, storage.ErrDisabled) {
		s.log.Debug("delivery log append failed", logx.Err(err))
	}
}
