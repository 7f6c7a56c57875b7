// Package assembler turns inbound source messages into outbound queue items.
//
// One message yields at most one text item (header, optional reply quote,
// formatted body) followed by at most one media item. Failures are contained
// per message: they are logged and the listener moves on.
package assembler

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"tgrelay/internal/relay/format"
	"tgrelay/internal/relay/queue"
	"tgrelay/internal/storage"
	"tgrelay/internal/transport"
	logx "tgrelay/pkg/logx"
	"tgrelay/pkg/tghtml"
)

const (
	senderMark = "👤 "
	replyMark  = "↩️ "
	separator  = "──────────"
	unknown    = "Unknown"
)

// Enqueuer is the part of the delivery queue the assembler needs.
type Enqueuer interface {
	Enqueue(p queue.Payload) queue.Item
}

type Config struct {
	// DedupWindow suppresses a (chat, message) pair seen within the window.
	// Zero disables dedup; it also needs a store.
	DedupWindow time.Duration
}

type Assembler struct {
	q        Enqueuer
	resolver transport.Resolver
	dl       transport.Downloader
	store    storage.Store
	log      logx.Logger
	now      func() time.Time

	mu  sync.RWMutex
	cfg Config
}

// New wires an assembler. resolver, dl and store may be nil.
func New(q Enqueuer, resolver transport.Resolver, dl transport.Downloader, store storage.Store, cfg Config, log logx.Logger) *Assembler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Assembler{
		q:        q,
		resolver: resolver,
		dl:       dl,
		store:    store,
		log:      log.With(logx.String("comp", "relay.assembler")),
		now:      time.Now,
		cfg:      cfg,
	}
}

func (a *Assembler) Apply(cfg Config) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

func (a *Assembler) config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Handle assembles and enqueues the items for one message. It never returns
// an error and never lets a panic escape.
func (a *Assembler) Handle(ctx context.Context, msg *transport.Message) {
	if msg == nil {
		return
	}
	log := a.log.With(logx.Int64("chat", msg.ChatID), logx.Int("msg", msg.ID))
	stage := "dedup"
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while assembling message",
				logx.String("stage", stage),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()

	cfg := a.config()
	if a.seen(ctx, cfg, msg, log) {
		log.Debug("duplicate message skipped")
		return
	}

	stage = "sender"
	name, err := a.senderName(ctx, msg)
	if err != nil {
		log.Warn("sender lookup failed, message dropped", logx.Int64("sender", msg.SenderID), logx.Err(err))
		return
	}

	hasText := msg.Text != ""
	if hasText || msg.ReplyTo != nil {
		stage = "reply"
		quote := a.quote(ctx, msg, log)

		stage = "format"
		var b strings.Builder
		b.WriteString(quote.String())
		b.WriteString(Header(name).String())
		if hasText {
			b.WriteString("\n")
			b.WriteString(format.Format(msg.Text, msg.Spans))
		}
		a.q.Enqueue(queue.Text{Body: b.String(), HTML: true, DisablePreview: true})
	}

	if msg.Attachment != nil {
		stage = "media"
		a.media(ctx, msg.Attachment, log)
	}

	stage = "mark"
	a.mark(ctx, cfg, msg, log)
}

// DisplayName picks the best name for p: personal name, then username, then
// title, then "Unknown". The result is not escaped.
func DisplayName(p transport.Peer) string {
	if n := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName)); n != "" {
		return n
	}
	if u := strings.TrimSpace(p.Username); u != "" {
		return u
	}
	if t := strings.TrimSpace(p.Title); t != "" {
		return t
	}
	return unknown
}

// Header renders the sender line: 👤 [Name].
func Header(name string) tghtml.H {
	return tghtml.Raw(senderMark+"[") + tghtml.Esc(name) + tghtml.Raw("]")
}

// Quote renders the reply block placed above the header.
func Quote(name, formatted string) tghtml.H {
	var b strings.Builder
	b.WriteString(replyMark)
	b.WriteString(tghtml.B(tghtml.Raw("[") + tghtml.Esc(name) + tghtml.Raw("]")).String())
	b.WriteString("\n")
	b.WriteString(separator)
	b.WriteString("\n")
	b.WriteString(formatted)
	b.WriteString("\n")
	b.WriteString(separator)
	b.WriteString("\n")
	return tghtml.Raw(b.String())
}

// senderName resolves the display name when the message did not carry one.
// "Unknown" stands for a sender without name fields, not for a failed lookup.
func (a *Assembler) senderName(ctx context.Context, msg *transport.Message) (string, error) {
	p := msg.Sender
	if p.IsZero() && a.resolver != nil {
		rp, err := a.resolver.ResolveSender(ctx, msg)
		if err != nil {
			return "", err
		}
		p = rp
	}
	return DisplayName(p), nil
}

// quote returns the reply block, or "" when the message is not a reply, the
// original is gone, or the original carries no text.
func (a *Assembler) quote(ctx context.Context, msg *transport.Message, log logx.Logger) tghtml.H {
	if msg.ReplyTo == nil || a.resolver == nil {
		return ""
	}
	orig, err := a.resolver.ResolveReply(ctx, msg)
	if err != nil {
		log.Warn("reply lookup failed", logx.Int("reply_to", msg.ReplyTo.MessageID), logx.Err(err))
		return ""
	}
	if orig == nil || orig.Text == "" {
		return ""
	}
	name, err := a.senderName(ctx, orig)
	if err != nil {
		log.Warn("quoted sender lookup failed", logx.Int("reply_to", msg.ReplyTo.MessageID), logx.Err(err))
		return ""
	}
	return Quote(name, format.Format(orig.Text, orig.Spans))
}

func (a *Assembler) media(ctx context.Context, att *transport.Attachment, log logx.Logger) {
	if a.dl == nil {
		return
	}
	var mk func(transport.File) queue.Payload
	var fallbackName string
	switch att.Kind {
	case transport.AttachPhoto:
		mk, fallbackName = func(f transport.File) queue.Payload { return queue.Photo{File: f} }, "photo.jpg"
	case transport.AttachVideo:
		mk, fallbackName = func(f transport.File) queue.Payload { return queue.Video{File: f} }, "video.mp4"
	case transport.AttachSticker:
		mk, fallbackName = func(f transport.File) queue.Payload { return queue.Sticker{File: f} }, "sticker.webp"
	case transport.AttachDocument:
		mk, fallbackName = func(f transport.File) queue.Payload { return queue.Document{File: f} }, "file"
	default:
		log.Debug("attachment ignored", logx.String("kind", string(att.Kind)))
		return
	}

	data, err := a.dl.Download(ctx, att)
	if err != nil {
		log.Error("media download failed",
			logx.String("kind", string(att.Kind)),
			logx.Int64("size", att.Size),
			logx.Err(err),
		)
		return
	}
	if len(data) == 0 {
		return
	}
	name := strings.TrimSpace(att.Name)
	if name == "" {
		name = fallbackName
	}
	a.q.Enqueue(mk(transport.File{Name: name, MIME: att.MIME, Data: data}))
}

func (a *Assembler) seen(ctx context.Context, cfg Config, msg *transport.Message, log logx.Logger) bool {
	if a.store == nil || cfg.DedupWindow <= 0 {
		return false
	}
	until, ok, err := a.store.GetDedup(ctx, storage.DedupKey(msg.ChatID, msg.ID))
	if err != nil {
		log.Warn("dedup lookup failed", logx.Err(err))
		return false
	}
	return ok && until.After(a.now())
}

func (a *Assembler) mark(ctx context.Context, cfg Config, msg *transport.Message, log logx.Logger) {
	if a.store == nil || cfg.DedupWindow <= 0 {
		return
	}
	key := storage.DedupKey(msg.ChatID, msg.ID)
	if err := a.store.PutDedup(ctx, key, a.now().Add(cfg.DedupWindow)); err != nil {
		log.Warn("dedup write failed", logx.Err(err))
	}
}
