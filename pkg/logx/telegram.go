package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tgrelay/internal/transport"
	"tgrelay/pkg/tghtml"
)

// TextSender is the part of the destination transport the Telegram sink
// needs.
type TextSender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

const (
	tgBacklog    = 256
	tgMaxRunes   = 3500
	tgValueRunes = 600
	tgStackRunes = 900
)

// telegramSink mirrors log lines at or above a level to a chat. Writes never
// block: lines over the rate or beyond the backlog are dropped.
type telegramSink struct {
	sender TextSender
	queue  chan telegramLine

	mu       sync.Mutex
	to       transport.ChatTarget
	minLevel zerolog.Level
	limiter  *rate.Limiter

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

type telegramLine struct {
	to   transport.ChatTarget
	text string
}

func newTelegramSink(sender TextSender) *telegramSink {
	return &telegramSink{
		sender:   sender,
		queue:    make(chan telegramLine, tgBacklog),
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
	}
}

func (t *telegramSink) setTarget(chatID int64, threadID int) {
	t.mu.Lock()
	t.to.ChatID = chatID
	if threadID != 0 {
		t.to.ThreadID = threadID
	}
	t.mu.Unlock()
}

func (t *telegramSink) hasTarget() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.to.ChatID != 0
}

func (t *telegramSink) configure(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)
	t.mu.Lock()
	t.minLevel = ParseLevel(cfg.MinLevel, zerolog.WarnLevel)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ThreadID != 0 {
		t.to.ThreadID = cfg.ThreadID
	}
	t.mu.Unlock()

	if cfg.Enabled {
		t.startOnce.Do(t.start)
	}
}

func (t *telegramSink) start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancel = cancel
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ln := <-t.queue:
				if t.sender != nil {
					_, _ = t.sender.SendText(ctx, ln.to, ln.text, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
				}
			}
		}
	}()
}

func (t *telegramSink) close() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.InfoLevel, p)
}

func (t *telegramSink) WriteLevel(lvl zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	to, floor, lim := t.to, t.minLevel, t.limiter
	t.mu.Unlock()

	if to.ChatID == 0 || t.sender == nil || lvl < floor || !lim.Allow() {
		return len(p), nil
	}
	text := renderLine(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case t.queue <- telegramLine{to: to, text: text}:
	default:
	}
	return len(p), nil
}

// renderLine turns one zerolog JSON line into a short HTML message: a bold
// level tag and the message, then sorted key=value lines. Whole lines are
// dropped once the rune budget is spent so no tag is left open.
func renderLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		raw := strings.TrimSpace(string(p))
		if raw == "" {
			return ""
		}
		return tghtml.Esc(tghtml.TruncRunes(raw, tgMaxRunes)).String()
	}

	var head tghtml.H
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		head = tghtml.B(tghtml.Esc("["+strings.ToUpper(lvl)+"]")) + " "
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	head += tghtml.Esc(tghtml.TruncRunes(msg, tgValueRunes))

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.TimestampFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(head.String())
	budget := tgMaxRunes - utf8.RuneCountInString(b.String())
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		var line tghtml.H
		if k == "stack" {
			line = tghtml.Pre(tghtml.Esc(tghtml.TruncRunes(v, tgStackRunes)))
		} else {
			line = tghtml.Esc(k) + "=" + tghtml.Code(tghtml.Esc(tghtml.TruncRunes(v, tgValueRunes)))
		}
		n := utf8.RuneCountInString(line.String()) + 1
		if n > budget {
			b.WriteString("\n…")
			break
		}
		budget -= n
		b.WriteString("\n")
		b.WriteString(line.String())
	}
	return b.String()
}
