// Package slack implements the chat transport on top of slack-go.
//
// Channel targets are "<channel id>" or "<channel id>/<thread ts>". A
// notification with attachments is delivered as file uploads whose first
// file carries the text as its initial comment.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/slack-go/slack"

	"roomrelay/internal/transport"
	logx "roomrelay/pkg/logx"
)

const Scheme = "slack"

type Config struct {
	Token string
	// APIURL overrides the Slack endpoint; used by tests.
	APIURL string
}

type Adapter struct {
	api *slack.Client
	log logx.Logger
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("slack token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	opts := []slack.Option{}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &Adapter{api: slack.New(cfg.Token, opts...), log: log.With(logx.String("comp", "slack"))}, nil
}

func (a *Adapter) Scheme() string { return Scheme }

// Start is a no-op: owner commands are only taken over Telegram.
func (a *Adapter) Start(context.Context, chan<- transport.Update) error { return nil }

func (a *Adapter) Stop(context.Context) error { return nil }

func parseTarget(ch transport.ChannelID) (channel, thread string, err error) {
	channel, thread, _ = strings.Cut(ch.Target(), "/")
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return "", "", transport.Fatal("target", fmt.Errorf("empty slack channel in %q", ch))
	}
	return channel, strings.TrimSpace(thread), nil
}

// UploadAttachment stages localFile; the upload is done by Send.
func (a *Adapter) UploadAttachment(ctx context.Context, ch transport.ChannelID, localFile string, kind transport.AttachmentKind) (transport.AttachmentHandle, error) {
	if err := ctx.Err(); err != nil {
		return transport.AttachmentHandle{}, err
	}
	if _, _, err := parseTarget(ch); err != nil {
		return transport.AttachmentHandle{}, err
	}
	if _, err := os.Stat(localFile); err != nil {
		return transport.AttachmentHandle{}, transport.Fatal("upload", err)
	}
	return transport.AttachmentHandle{Kind: kind, Ref: localFile, Name: filepath.Base(localFile), Local: true}, nil
}

func (a *Adapter) Send(ctx context.Context, ch transport.ChannelID, n transport.Notification) (transport.MessageRef, error) {
	channel, thread, err := parseTarget(ch)
	if err != nil {
		return transport.MessageRef{}, err
	}
	if len(n.Attachments) == 0 {
		opts := []slack.MsgOption{slack.MsgOptionText(n.Text, false)}
		if thread != "" {
			opts = append(opts, slack.MsgOptionTS(thread))
		}
		_, ts, err := a.api.PostMessageContext(ctx, channel, opts...)
		if err != nil {
			return transport.MessageRef{}, mapError("post", err)
		}
		return transport.MessageRef{Channel: ch, ID: ts}, nil
	}

	var ref transport.MessageRef
	for i, att := range n.Attachments {
		if !att.Local {
			return transport.MessageRef{}, transport.Fatal("upload", fmt.Errorf("slack cannot resend remote handle %q", att.Ref))
		}
		st, err := os.Stat(att.Ref)
		if err != nil {
			return transport.MessageRef{}, transport.Fatal("upload", err)
		}
		p := slack.UploadFileV2Parameters{
			File:            att.Ref,
			FileSize:        int(st.Size()),
			Filename:        att.Name,
			Title:           att.Name,
			Channel:         channel,
			ThreadTimestamp: thread,
		}
		if i == 0 {
			p.InitialComment = n.Text
		}
		f, err := a.api.UploadFileV2Context(ctx, p)
		if err != nil {
			if i > 0 {
				return ref, transport.Fatal("upload", err)
			}
			return transport.MessageRef{}, mapError("upload", err)
		}
		a.log.Debug("file uploaded", logx.String("channel", channel), logx.String("file", f.ID), logx.Int64("bytes", st.Size()))
		if i == 0 {
			ref = transport.MessageRef{Channel: ch, ID: f.ID}
		}
	}
	return ref, nil
}

// mapError turns slack-go failures into transport errors.
func mapError(op string, err error) error {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return transport.RateLimited(op, err, rl.RetryAfter)
	}
	var rt interface{ Retryable() bool }
	if errors.As(err, &rt) && rt.Retryable() {
		return transport.Retryable(op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
		return transport.Retryable(op, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "channel_not_found"), strings.Contains(msg, "not_in_channel"),
		strings.Contains(msg, "invalid_auth"), strings.Contains(msg, "is_archived"):
		return transport.Fatal(op, err)
	}
	return err
}
