// Package telegram implements the chat transport on top of telebot.
//
// Channel targets are "<chat id>" or "<chat id>/<thread id>". Attachments
// are staged locally and uploaded with the message that carries them; the
// file id Telegram returns is remembered so fan-out to other chats reuses
// the upload.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "roomrelay/internal/runtime/supervisor"
	"roomrelay/internal/transport"
	logx "roomrelay/pkg/logx"
)

const (
	Scheme = "telegram"

	textLimit    = 4000
	captionLimit = 1000
	fileIDCap    = 512
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Offline skips the getMe handshake; used by tests.
	Offline bool
	// Poll enables long polling for inbound owner commands.
	Poll bool
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	out     atomic.Value // chan<- transport.Update
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	droppedUpdates atomic.Uint64

	fidMu   sync.Mutex
	fileIDs map[string]string
	fidFIFO []string
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b, fileIDs: map[string]string{}}
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.sendUpdate(transport.Update{
			Channel: channelOf(m.Chat.ID, m.ThreadID),
			FromID:  strconv.FormatInt(m.Sender.ID, 10),
			Text:    m.Text,
		})
		return nil
	})
	return a, nil
}

func (a *Adapter) Scheme() string { return Scheme }

func channelOf(chatID int64, threadID int) transport.ChannelID {
	t := strconv.FormatInt(chatID, 10)
	if threadID > 0 {
		t += "/" + strconv.Itoa(threadID)
	}
	return transport.ChannelID(Scheme + ":" + t)
}

// parseTarget splits "<chat>[/<thread>]".
func parseTarget(ch transport.ChannelID) (chatID int64, threadID int, err error) {
	t := ch.Target()
	chat, thread, hasThread := strings.Cut(t, "/")
	chatID, err = strconv.ParseInt(strings.TrimSpace(chat), 10, 64)
	if err != nil {
		return 0, 0, transport.Fatal("target", fmt.Errorf("invalid telegram chat id in %q", ch))
	}
	if hasThread {
		threadID, err = strconv.Atoi(strings.TrimSpace(thread))
		if err != nil || threadID < 0 {
			return 0, 0, transport.Fatal("target", fmt.Errorf("invalid telegram thread id in %q", ch))
		}
	}
	return chatID, threadID, nil
}

func (a *Adapter) sendUpdate(up transport.Update) {
	out, _ := a.out.Load().(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

// Start begins long polling when Poll is set. Updates go to out.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running || !a.cfg.Poll {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-ticker.C:
				if n := a.droppedUpdates.Swap(0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
			}
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// Start blocks until Stop; restart if it returns early.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return c.Err()
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}
	// stop_on_cancel stops the poller.
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}

// UploadAttachment stages localFile. The upload happens with the message
// that carries it.
func (a *Adapter) UploadAttachment(ctx context.Context, ch transport.ChannelID, localFile string, kind transport.AttachmentKind) (transport.AttachmentHandle, error) {
	if err := ctx.Err(); err != nil {
		return transport.AttachmentHandle{}, err
	}
	if _, _, err := parseTarget(ch); err != nil {
		return transport.AttachmentHandle{}, err
	}
	if id := a.fileID(localFile); id != "" {
		return transport.AttachmentHandle{Kind: kind, Ref: id, Name: filepath.Base(localFile)}, nil
	}
	return transport.AttachmentHandle{Kind: kind, Ref: localFile, Name: filepath.Base(localFile), Local: true}, nil
}

func (a *Adapter) Send(ctx context.Context, ch transport.ChannelID, n transport.Notification) (transport.MessageRef, error) {
	chatID, threadID, err := parseTarget(ch)
	if err != nil {
		return transport.MessageRef{}, err
	}
	chat := &tele.Chat{ID: chatID}
	opts := func() *tele.SendOptions {
		return &tele.SendOptions{ThreadID: threadID, DisableNotification: n.Silent, DisableWebPagePreview: true}
	}

	var (
		first *tele.Message
		text  = n.Text
	)
	for i, att := range n.Attachments {
		if err := ctx.Err(); err != nil {
			return transport.MessageRef{}, err
		}
		caption := ""
		if i == 0 && len([]rune(text)) <= captionLimit {
			caption, text = text, ""
		}
		msg, err := a.bot.Send(chat, a.sendable(att, caption), opts())
		if err != nil {
			return transport.MessageRef{}, mapError("send_media", err)
		}
		a.rememberUpload(att, msg)
		if first == nil {
			first = msg
		}
	}
	if text != "" || first == nil {
		for _, chunk := range splitText(text, textLimit) {
			if err := ctx.Err(); err != nil {
				return refOf(ch, first), err
			}
			msg, err := a.bot.Send(chat, chunk, opts())
			if err != nil {
				if first != nil {
					// Part of the notification is out; retrying would duplicate it.
					return refOf(ch, first), transport.Fatal("send_text", err)
				}
				return transport.MessageRef{}, mapError("send_text", err)
			}
			if first == nil {
				first = msg
			}
		}
	}
	return refOf(ch, first), nil
}

func refOf(ch transport.ChannelID, m *tele.Message) transport.MessageRef {
	if m == nil {
		return transport.MessageRef{}
	}
	return transport.MessageRef{Channel: ch, ID: strconv.Itoa(m.ID)}
}

func (a *Adapter) sendable(att transport.AttachmentHandle, caption string) tele.Sendable {
	file := tele.File{FileID: att.Ref}
	if att.Local {
		file = tele.FromDisk(att.Ref)
	}
	switch att.Kind {
	case transport.AttachmentImage:
		return &tele.Photo{File: file, Caption: caption}
	case transport.AttachmentAudio:
		return &tele.Audio{File: file, Caption: caption, FileName: att.Name}
	case transport.AttachmentVideo:
		return &tele.Video{File: file, Caption: caption, FileName: att.Name}
	default:
		return &tele.Document{File: file, Caption: caption, FileName: att.Name}
	}
}

// rememberUpload records the file id Telegram assigned to a local upload.
func (a *Adapter) rememberUpload(att transport.AttachmentHandle, m *tele.Message) {
	if !att.Local || m == nil {
		return
	}
	var id string
	switch {
	case m.Photo != nil:
		id = m.Photo.FileID
	case m.Audio != nil:
		id = m.Audio.FileID
	case m.Video != nil:
		id = m.Video.FileID
	case m.Document != nil:
		id = m.Document.FileID
	}
	if id == "" {
		return
	}
	a.fidMu.Lock()
	defer a.fidMu.Unlock()
	if _, ok := a.fileIDs[att.Ref]; !ok {
		a.fidFIFO = append(a.fidFIFO, att.Ref)
		if len(a.fidFIFO) > fileIDCap {
			delete(a.fileIDs, a.fidFIFO[0])
			a.fidFIFO = a.fidFIFO[1:]
		}
	}
	a.fileIDs[att.Ref] = id
}

func (a *Adapter) fileID(localFile string) string {
	a.fidMu.Lock()
	defer a.fidMu.Unlock()
	return a.fileIDs[localFile]
}

// mapError turns telebot failures into transport errors.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return transport.RateLimited(op, err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var terr *tele.Error
	if errors.As(err, &terr) {
		switch {
		case terr.Code == 429:
			return transport.RateLimited(op, err, 0)
		case terr.Code >= 500:
			return transport.Retryable(op, err)
		case terr.Code >= 400:
			return transport.Fatal(op, err)
		}
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
		return transport.Retryable(op, err)
	}
	// Unstructured; let transport.Classify decide from the message.
	return err
}

// splitText splits s into chunks of at most limit runes, preferring
// newline boundaries.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid tiny chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
