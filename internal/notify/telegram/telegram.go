// Package telegram posts operator notifications to a Telegram chat: publish
// failures, finished logins and account check summaries. It also serves as
// the remote sink of the logging service.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"geopub/internal/eventbus"
	"geopub/internal/model"
	logx "geopub/pkg/logx"
)

var ErrQueueFull = errors.New("telegram: notification queue full")

// textLimit stays under Telegram's 4096 character message cap.
const textLimit = 4000

type Config struct {
	Token          string
	ChatID         int64
	ThreadID       int
	NotifyFailures bool
	// RatePerSec bounds outgoing messages. Telegram throttles a chat at
	// roughly one message per second.
	RatePerSec float64
	QueueSize  int
}

// Poster delivers one message to the operator chat.
type Poster interface {
	Post(ctx context.Context, text string) error
}

type botPoster struct {
	bot    *tele.Bot
	chat   *tele.Chat
	thread int
}

func (p *botPoster) Post(_ context.Context, text string) error {
	_, err := p.bot.Send(p.chat, text, &tele.SendOptions{ThreadID: p.thread, DisableWebPagePreview: true})
	return err
}

type Notifier struct {
	cfg     Config
	log     logx.Logger
	poster  Poster
	limiter *rate.Limiter
	queue   chan string
	dropped atomic.Uint64
}

// New builds a notifier backed by the Bot API. The bot is created offline
// so startup does not wait on Telegram.
func New(cfg Config, log logx.Logger) (*Notifier, error) {
	if strings.TrimSpace(cfg.Token) == "" || cfg.ChatID == 0 {
		return nil, errors.New("telegram: token and chat id are required")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return NewWithPoster(cfg, &botPoster{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, thread: cfg.ThreadID}, log), nil
}

func NewWithPoster(cfg Config, poster Poster, log logx.Logger) *Notifier {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	return &Notifier{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "telegram")),
		poster:  poster,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 3),
		queue:   make(chan string, cfg.QueueSize),
	}
}

// SendLog queues a rendered log line. It never blocks.
func (n *Notifier) SendLog(_ context.Context, text string) error {
	if !n.enqueue(text) {
		return ErrQueueFull
	}
	return nil
}

func (n *Notifier) enqueue(text string) bool {
	select {
	case n.queue <- text:
		return true
	default:
		n.dropped.Add(1)
		return false
	}
}

// Dropped counts messages discarded because the queue was full.
func (n *Notifier) Dropped() uint64 { return n.dropped.Load() }

// Run forwards bus events and queued log lines until ctx ends.
func (n *Notifier) Run(ctx context.Context, bus eventbus.Bus) error {
	events, unsub := bus.Subscribe(128)
	defer unsub()
	n.log.Info("telegram notifier started", logx.Int64("chat_id", n.cfg.ChatID))
	for {
		select {
		case <-ctx.Done():
			if d := n.dropped.Load(); d > 0 {
				n.log.Warn("telegram notifications dropped", logx.Uint64("count", d))
			}
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			text, send, err := n.Format(ev)
			if err != nil {
				n.log.Warn("event ignored", logx.Err(err))
				continue
			}
			if send {
				n.enqueue(text)
			}
		case text := <-n.queue:
			n.deliver(ctx, text)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, text string) {
	for _, chunk := range splitText(text, textLimit) {
		if err := n.limiter.Wait(ctx); err != nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := n.poster.Post(sctx, chunk)
		cancel()
		if err != nil {
			// Debug only: a Warn here would loop back through SendLog.
			n.log.Debug("telegram send failed", logx.Err(err))
			return
		}
	}
}

// Format renders an event for the operator chat. send is false for events
// that are not worth a message.
func (n *Notifier) Format(ev eventbus.Event) (text string, send bool, err error) {
	switch p := ev.Payload.(type) {
	case eventbus.PublishProgress:
		t := p.Task
		if !n.cfg.NotifyFailures || t.Status != model.TaskFailed || t.ErrorKind == string(model.KindCancelled) {
			return "", false, nil
		}
		return fmt.Sprintf("❌ Publish failed\nplatform: %s\naccount: %s\narticle: %s\nretries: %d\nerror: %s",
			nonEmpty(t.PlatformName, t.Platform), t.AccountName, t.ArticleTitle, t.RetryCount, t.Error), true, nil
	case eventbus.AuthComplete:
		icon := "⚠️"
		if p.Session.IsLoggedIn() {
			icon = "🔐"
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s Login %s\nplatform: %s\naccount: %s", icon, p.Session.State, p.Session.Platform, nonEmpty(p.Account.Name, fmt.Sprint(p.Session.AccountID)))
		if p.Session.Message != "" {
			fmt.Fprintf(&b, "\n%s", p.Session.Message)
		}
		return b.String(), true, nil
	case eventbus.AccountCheckComplete:
		return formatSummary(p.Summary), true, nil
	case eventbus.AccountCheckProgress, eventbus.TaskLifecycle:
		return "", false, nil
	default:
		return "", false, eventbus.UnknownPayloadError{Kind: ev.Kind, Payload: ev.Payload}
	}
}

const maxListed = 10

func formatSummary(s model.AccountCheckSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🩺 Account check: %d checked, %d valid, %d invalid", len(s.Results), s.Success, s.Failed)
	if len(s.Results) < s.Total {
		fmt.Fprintf(&b, " (interrupted, %d total)", s.Total)
	}
	listed := 0
	for _, r := range s.Results {
		if r.IsValid {
			continue
		}
		if listed == maxListed {
			fmt.Fprintf(&b, "\n… and %d more", s.Failed-listed)
			break
		}
		fmt.Fprintf(&b, "\n• %s / %s: %s", r.Platform, r.AccountName, nonEmpty(r.Message, r.StatusAfter.String()))
		listed++
	}
	return b.String()
}

func nonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

// splitText cuts s into chunks of at most limit runes, preferring line
// breaks in the last two thirds of each window.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for len(rs) > 0 {
		end := min(limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if chunk := strings.TrimRight(string(rs[:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		rs = rs[end:]
	}
	return out
}
