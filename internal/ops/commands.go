// Package ops handles owner chat commands that drive the pipeline's ops
// surface: /stats, /cache_cleanup, /cache_clear, /cache_on and /cache_off.
package ops

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"roomrelay/internal/pipeline"
	"roomrelay/internal/transport"
	logx "roomrelay/pkg/logx"
)

// Pipeline is the part of the pipeline commands drive.
type Pipeline interface {
	Stats() pipeline.Stats
	CleanupExpiredCache(maxAgeMinutes int) int
	ClearAllCache() int
	SetCacheEnabled(on bool)
}

type Request struct {
	ID      string
	Channel transport.ChannelID
	FromID  string
	Command string
	Args    []string
	Log     logx.Logger
}

type Command struct {
	Name        string
	Aliases     []string
	Usage       string
	Description string
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Manager struct {
	pipe   Pipeline
	sender transport.Sender
	log    logx.Logger

	mu     sync.RWMutex
	owners map[string]struct{}
	cmds   map[string]*Command
	list   []*Command
}

func New(pipe Pipeline, sender transport.Sender, owners []string, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		pipe:   pipe,
		sender: sender,
		log:    log.With(logx.String("comp", "ops")),
		cmds:   map[string]*Command{},
	}
	m.SetOwners(owners)
	for _, c := range m.builtins() {
		m.register(c)
	}
	return m
}

// SetOwners replaces the ids allowed to run commands. Safe during hot reload.
func (m *Manager) SetOwners(owners []string) {
	set := make(map[string]struct{}, len(owners))
	for _, o := range owners {
		if o = strings.TrimSpace(o); o != "" {
			set[o] = struct{}{}
		}
	}
	m.mu.Lock()
	m.owners = set
	m.mu.Unlock()
}

func (m *Manager) isOwner(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.owners[id]
	return ok
}

func (m *Manager) register(c Command) {
	cp := c
	m.cmds[c.Name] = &cp
	for _, a := range c.Aliases {
		m.cmds[a] = &cp
	}
	m.list = append(m.list, &cp)
}

// Run handles updates until ctx is done or in is closed.
func (m *Manager) Run(ctx context.Context, in <-chan transport.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-in:
			if !ok {
				return
			}
			m.Handle(ctx, up)
		}
	}
}

// Handle runs one update if it is a known command and replies in its
// channel. It reports whether the update was a command.
func (m *Manager) Handle(ctx context.Context, up transport.Update) bool {
	name, args := parseCommand(up.Text)
	if name == "" {
		return false
	}
	m.mu.RLock()
	cmd := m.cmds[name]
	m.mu.RUnlock()
	if cmd == nil {
		return false
	}
	if !m.isOwner(up.FromID) {
		m.log.Warn("command from non-owner", logx.String("from_id", up.FromID), logx.String("cmd", name))
		m.reply(ctx, up.Channel, "unauthorized")
		return true
	}

	req := &Request{
		ID:      uuid.NewString()[:8],
		Channel: up.Channel,
		FromID:  up.FromID,
		Command: cmd.Name,
		Args:    args,
	}
	req.Log = m.log.With(
		logx.String("rid", req.ID),
		logx.String("channel", up.Channel.String()),
		logx.String("from_id", up.FromID),
		logx.String("cmd", cmd.Name),
	)
	final := Chain(cmd.Handle, MWPanicRecover(), MWRequestLog(), MWTimeout(cmd.Timeout))
	text, err := final(ctx, req)
	if err != nil {
		text = "error: " + err.Error()
	}
	if text != "" {
		m.reply(ctx, up.Channel, text)
	}
	return true
}

func (m *Manager) reply(ctx context.Context, ch transport.ChannelID, text string) {
	if m.sender == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := m.sender.Send(rctx, ch, transport.Notification{Text: text, Silent: true}); err != nil {
		m.log.Warn("command reply failed", logx.String("channel", ch.String()), logx.Err(err))
	}
}

// parseCommand splits "/name@bot a b" into ("name", [a b]).
func parseCommand(text string) (string, []string) {
	f := strings.Fields(strings.TrimSpace(text))
	if len(f) == 0 || !strings.HasPrefix(f[0], "/") {
		return "", nil
	}
	name := strings.TrimPrefix(f[0], "/")
	name, _, _ = strings.Cut(name, "@")
	return strings.ToLower(name), f[1:]
}

func (m *Manager) builtins() []Command {
	return []Command{
		{
			Name:        "stats",
			Description: "pipeline statistics",
			Usage:       "/stats",
			Handle: func(context.Context, *Request) (string, error) {
				return FormatStats(m.pipe.Stats()), nil
			},
		},
		{
			Name:        "cache_cleanup",
			Aliases:     []string{"cleanup"},
			Description: "remove cache entries idle longer than the given minutes (0 clears)",
			Usage:       "/cache_cleanup <minutes>",
			Handle: func(_ context.Context, r *Request) (string, error) {
				if len(r.Args) != 1 {
					return "", errors.New("usage: /cache_cleanup <minutes>")
				}
				n, err := strconv.Atoi(r.Args[0])
				if err != nil || n < 0 {
					return "", fmt.Errorf("invalid minutes %q", r.Args[0])
				}
				return fmt.Sprintf("removed %d cache entries", m.pipe.CleanupExpiredCache(n)), nil
			},
		},
		{
			Name:        "cache_clear",
			Description: "remove every cache entry",
			Usage:       "/cache_clear",
			Handle: func(context.Context, *Request) (string, error) {
				return fmt.Sprintf("cleared %d cache entries", m.pipe.ClearAllCache()), nil
			},
		},
		{
			Name:        "cache_on",
			Description: "enable the resource cache",
			Usage:       "/cache_on",
			Handle: func(context.Context, *Request) (string, error) {
				m.pipe.SetCacheEnabled(true)
				return "cache enabled", nil
			},
		},
		{
			Name:        "cache_off",
			Description: "disable and clear the resource cache",
			Usage:       "/cache_off",
			Handle: func(context.Context, *Request) (string, error) {
				m.pipe.SetCacheEnabled(false)
				return "cache disabled", nil
			},
		},
		{
			Name:        "help",
			Aliases:     []string{"h"},
			Description: "list commands",
			Usage:       "/help",
			Handle: func(context.Context, *Request) (string, error) {
				return m.helpText(), nil
			},
		},
	}
}

func (m *Manager) helpText() string {
	m.mu.RLock()
	cmds := append([]*Command(nil), m.list...)
	m.mu.RUnlock()
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range cmds {
		fmt.Fprintf(&b, "%s  %s\n", c.Usage, c.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatStats renders stats for a chat reply.
func FormatStats(st pipeline.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "processed: %d  failed: %d  degraded: %d\n", st.Processed, st.Failed, st.Degraded)
	fmt.Fprintf(&b, "bursts: %d  stale: %d  duplicates: %d\n", st.Bursts, st.StaleBursts, st.Duplicates)
	fmt.Fprintf(&b, "queue depth: %d  lanes: %d\n", st.QueueDepth, st.Lanes)
	fmt.Fprintf(&b, "cache: %d entries, hit rate %.1f%%", st.Cache.Entries, st.CacheHitRate*100)
	if !st.Cache.Enabled {
		b.WriteString(" (disabled)")
	}
	return b.String()
}
