// Package bot is the destination side of the relay: a send-only Bot API
// client built on telebot.
//
// Every telebot error is classified here, and only here, into
// *transport.RateLimitedError or *transport.DeliveryError.
package bot

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"tgrelay/internal/transport"
	logx "tgrelay/pkg/logx"
)

type Config struct {
	Token string
	// Timeout bounds one HTTP round trip (uploads included). Default 60s.
	Timeout time.Duration
	// Offline skips the getMe token check on construction.
	Offline bool
	// URL overrides the Bot API endpoint (self-hosted bot API server).
	URL string
}

// api is the subset of *tele.Bot the sender uses.
type api interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Sender struct {
	log logx.Logger
	api api
	me  string

	// sleep waits between chunk retries; nil uses a timer.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates the sender. Unless cfg.Offline is set, telebot calls getMe, so a
// bad token fails here rather than on the first delivery.
func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("bot token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimSpace(cfg.URL),
		Token:   strings.TrimSpace(cfg.Token),
		Client:  &http.Client{Timeout: timeout},
		Offline: cfg.Offline,
		OnError: func(err error, _ tele.Context) {
			log.Warn("telebot error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, classifyError(err)
	}
	s := &Sender{log: log.With(logx.String("comp", "telegram.bot")), api: b}
	if b.Me != nil {
		s.me = b.Me.Username
		s.log.Info("destination bot ready", logx.String("username", b.Me.Username))
	}
	return s, nil
}

// Username is the bot's @username, empty when constructed offline.
func (s *Sender) Username() string { return s.me }

func (s *Sender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chunks := splitText(text, textLimit, opt.ParseMode)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	chat := &tele.Chat{ID: to.ChatID}
	var first transport.MessageRef
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := s.sendChunk(ctx, chat, chunk, sendOptions(to, opt), i > 0)
		if err != nil {
			return first, err
		}
		if i == 0 && msg != nil {
			first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// sendChunk sends one text chunk. Once part of a message is out, a throttled
// chunk is retried in place; handing the throttle to the caller would make it
// resend the earlier chunks. For the same reason a continuation chunk that is
// still throttled after maxChunkRetries is reported as a delivery failure.
func (s *Sender) sendChunk(ctx context.Context, chat *tele.Chat, chunk string, opt *tele.SendOptions, continuation bool) (*tele.Message, error) {
	for attempt := 0; ; attempt++ {
		msg, err := s.api.Send(chat, chunk, opt)
		if err == nil {
			return msg, nil
		}
		err = classifyError(err)
		rl, ok := transport.AsRateLimited(err)
		if !continuation || !ok {
			return nil, err
		}
		if attempt >= maxChunkRetries {
			return nil, &transport.DeliveryError{
				Code:    http.StatusTooManyRequests,
				Message: "message partially delivered: continuation chunk still throttled",
				Err:     rl.Err,
			}
		}
		wait := rl.RetryAfter
		if wait <= 0 {
			wait = time.Second
		}
		s.log.Warn("throttled mid-message, retrying chunk", logx.Duration("wait", wait), logx.Int("attempt", attempt+1))
		if err := s.wait(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (s *Sender) wait(ctx context.Context, d time.Duration) error {
	if s.sleep != nil {
		return s.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Sender) SendPhoto(ctx context.Context, to transport.ChatTarget, f transport.File, opt *transport.SendOptions) (transport.MessageRef, error) {
	return s.sendMedia(ctx, to, &tele.Photo{File: fromBytes(f)}, opt)
}

func (s *Sender) SendVideo(ctx context.Context, to transport.ChatTarget, f transport.File, opt *transport.SendOptions) (transport.MessageRef, error) {
	return s.sendMedia(ctx, to, &tele.Video{File: fromBytes(f), FileName: f.Name, MIME: f.MIME}, opt)
}

func (s *Sender) SendSticker(ctx context.Context, to transport.ChatTarget, f transport.File, opt *transport.SendOptions) (transport.MessageRef, error) {
	return s.sendMedia(ctx, to, &tele.Sticker{File: fromBytes(f)}, opt)
}

func (s *Sender) SendDocument(ctx context.Context, to transport.ChatTarget, f transport.File, opt *transport.SendOptions) (transport.MessageRef, error) {
	name := f.Name
	if name == "" {
		name = "file"
	}
	return s.sendMedia(ctx, to, &tele.Document{File: fromBytes(f), FileName: name, MIME: f.MIME}, opt)
}

func (s *Sender) sendMedia(ctx context.Context, to transport.ChatTarget, what interface{}, opt *transport.SendOptions) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	msg, err := s.api.Send(&tele.Chat{ID: to.ChatID}, what, sendOptions(to, opt))
	if err != nil {
		return transport.MessageRef{}, classifyError(err)
	}
	ref := transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}
	if msg != nil {
		ref.MessageID = msg.ID
	}
	return ref, nil
}

func sendOptions(to transport.ChatTarget, opt *transport.SendOptions) *tele.SendOptions {
	return &tele.SendOptions{
		ParseMode:             tele.ParseMode(opt.ParseMode),
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	}
}

func fromBytes(f transport.File) tele.File {
	return tele.FromReader(bytes.NewReader(f.Data))
}
