// Package mtproto is the source side of the relay: an MTProto user session
// (gotd/td) that observes new messages and resolves their references.
package mtproto

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tgrelay/internal/runtime/supervisor"
	"tgrelay/internal/transport"
	logx "tgrelay/pkg/logx"
)

// ErrUnauthorized means the session token is not (or no longer) logged in.
// Retrying cannot fix it.
var ErrUnauthorized = errors.New("source session is not authorized")

type Config struct {
	APIID       int
	APIHash     string
	Session     string
	SessionFile string

	// ConnectRetries bounds consecutive failed connection attempts. Default 5.
	ConnectRetries int
	// ConnectTimeout bounds one attempt until the session is usable. Default 30s.
	ConnectTimeout time.Duration
	// MaxDownload rejects larger attachments. Default 50 MiB (Bot API upload cap).
	MaxDownload int64
	// LogLevel is the zap level for the MTProto client. Default "warn".
	LogLevel string
}

func (c Config) withDefaults() Config {
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = 5
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.MaxDownload <= 0 {
		c.MaxDownload = 50 << 20
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "warn"
	}
	return c
}

// Source implements transport.Source, transport.Resolver and
// transport.Downloader over one user session.
type Source struct {
	cfg   Config
	log   logx.Logger
	zl    *zap.Logger
	cache *peerCache
	dl    *downloader.Downloader

	api       atomic.Pointer[tg.Client]
	failures  atomic.Int32
	connected atomic.Bool

	runMu   sync.Mutex
	sup     *supervisor.Supervisor
	out     chan<- transport.Update
	failed  chan error
	running bool
}

func New(cfg Config, log logx.Logger) (*Source, error) {
	cfg = cfg.withDefaults()
	if cfg.APIID <= 0 || strings.TrimSpace(cfg.APIHash) == "" {
		return nil, errors.New("api id and api hash are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	lvl, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("mtproto log level: %w", err)
	}
	zl := zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.Lock(os.Stderr),
		lvl,
	)).Named("mtproto")

	return &Source{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "telegram.source")),
		zl:     zl,
		cache:  newPeerCache(),
		dl:     downloader.NewDownloader(),
		failed: make(chan error, 1),
	}, nil
}

// Supervisor returns the session supervisor (nil if not started).
func (s *Source) Supervisor() *supervisor.Supervisor {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.sup
}

// Failed delivers the terminal error when an established session cannot be
// re-established within the retry budget.
func (s *Source) Failed() <-chan error { return s.failed }

// Connected reports whether the session is currently receiving updates.
func (s *Source) Connected() bool { return s.connected.Load() }

// Start connects and blocks until the session is receiving updates, or until
// ConnectRetries consecutive attempts have failed.
func (s *Source) Start(ctx context.Context, out chan<- transport.Update) error {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return nil
	}
	s.running = true
	s.out = out
	s.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(s.log))
	sup := s.sup
	s.runMu.Unlock()

	ready := make(chan error, 1)
	sup.Go("mtproto.session", func(ctx context.Context) error {
		return s.run(ctx, ready)
	})

	select {
	case err := <-ready:
		if err != nil {
			sup.Cancel()
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Source) Stop(ctx context.Context) error {
	s.runMu.Lock()
	sup := s.sup
	s.sup = nil
	s.running = false
	s.out = nil
	s.runMu.Unlock()
	if sup == nil {
		return nil
	}
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("source stop timed out", logx.Err(err))
	}
	s.api.Store(nil)
	return nil
}

func (s *Source) run(ctx context.Context, ready chan<- error) error {
	var once sync.Once
	signal := func(err error) { once.Do(func() { ready <- err }) }

	for {
		err := s.runOnce(ctx, func() {
			s.failures.Store(0)
			s.connected.Store(true)
			signal(nil)
		})
		s.connected.Store(false)
		if ctx.Err() != nil {
			signal(ctx.Err())
			return nil
		}
		if errors.Is(err, ErrUnauthorized) {
			signal(err)
			s.fail(err)
			return err
		}

		n := int(s.failures.Add(1))
		if n > s.cfg.ConnectRetries {
			err = fmt.Errorf("source session: giving up after %d attempts: %w", n, err)
			s.log.Error("source session failed", logx.Err(err))
			signal(err)
			s.fail(err)
			return err
		}
		wait := retryDelay(n)
		s.log.Warn("source session dropped, reconnecting",
			logx.Int("attempt", n),
			logx.Int("max", s.cfg.ConnectRetries),
			logx.Duration("wait", wait),
			logx.Err(err),
		)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			signal(ctx.Err())
			return nil
		case <-t.C:
		}
	}
}

func (s *Source) fail(err error) {
	select {
	case s.failed <- err:
	default:
	}
}

// runOnce runs one client lifetime. onReady fires once updates flow.
func (s *Source) runOnce(ctx context.Context, onReady func()) error {
	st, err := sessionStorage(ctx, s.cfg.Session, s.cfg.SessionFile)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		s.onMessage(ctx, e, u.Message)
		return nil
	})
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		s.onMessage(ctx, e, u.Message)
		return nil
	})

	gaps := updates.New(updates.Config{
		Handler: dispatcher,
		Logger:  s.zl.Named("updates"),
	})
	client := telegram.NewClient(s.cfg.APIID, s.cfg.APIHash, telegram.Options{
		SessionStorage: st,
		UpdateHandler:  gaps,
		Logger:         s.zl,
	})

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var up atomic.Bool
	watchdog := time.AfterFunc(s.cfg.ConnectTimeout, func() {
		if !up.Load() {
			cancel()
		}
	})
	defer watchdog.Stop()

	err = client.Run(attemptCtx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("auth status: %w", err)
		}
		if !status.Authorized {
			return ErrUnauthorized
		}
		self, err := client.Self(ctx)
		if err != nil {
			return fmt.Errorf("self: %w", err)
		}
		s.api.Store(client.API())

		return gaps.Run(ctx, client.API(), self.ID, updates.AuthOptions{
			OnStart: func(ctx context.Context) {
				up.Store(true)
				s.log.Info("source session connected",
					logx.Int64("user_id", self.ID),
					logx.String("username", self.Username),
				)
				onReady()
			},
		})
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !up.Load() && attemptCtx.Err() != nil {
		return fmt.Errorf("connect timed out after %s", s.cfg.ConnectTimeout)
	}
	if err == nil {
		err = errors.New("session ended")
	}
	return err
}

func (s *Source) onMessage(ctx context.Context, e tg.Entities, mc tg.MessageClass) {
	s.cache.addEntities(e)
	m, ok := mc.(*tg.Message)
	if !ok {
		return
	}
	msg := s.cache.convertMessage(m)

	s.runMu.Lock()
	out := s.out
	s.runMu.Unlock()
	if out == nil {
		return
	}
	select {
	case out <- transport.Update{Kind: transport.UpdateMessage, Message: msg}:
	case <-ctx.Done():
	}
}

// ResolveSender completes sender names from peers seen so far.
func (s *Source) ResolveSender(_ context.Context, m *transport.Message) (transport.Peer, error) {
	p := peerFromBotAPIID(m.SenderID)
	if p == nil {
		return transport.Peer{}, errors.New("message has no sender")
	}
	if peer, ok := s.cache.peer(p); ok {
		return peer, nil
	}
	return transport.Peer{}, fmt.Errorf("sender %d not seen yet", m.SenderID)
}

// ResolveReply fetches the message m replies to. It returns nil, nil when the
// original was deleted.
func (s *Source) ResolveReply(ctx context.Context, m *transport.Message) (*transport.Message, error) {
	if m.ReplyTo == nil {
		return nil, nil
	}
	api := s.api.Load()
	if api == nil {
		return nil, errors.New("source session not connected")
	}
	ids := []tg.InputMessageClass{&tg.InputMessageID{ID: m.ReplyTo.MessageID}}

	var (
		res tg.MessagesMessagesClass
		err error
	)
	switch p := peerFromBotAPIID(m.ChatID).(type) {
	case *tg.PeerChannel:
		ch, ok := s.cache.inputChannel(p.ChannelID)
		if !ok {
			return nil, fmt.Errorf("channel %d not seen yet", p.ChannelID)
		}
		res, err = api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{Channel: ch, ID: ids})
	case nil:
		return nil, errors.New("message has no chat")
	default:
		res, err = api.MessagesGetMessages(ctx, ids)
	}
	if err != nil {
		return nil, fmt.Errorf("get replied message: %w", err)
	}

	mod, ok := res.AsModified()
	if !ok {
		return nil, nil
	}
	s.cache.addUsers(mod.GetUsers())
	s.cache.addChats(mod.GetChats())
	for _, mc := range mod.GetMessages() {
		if orig, ok := mc.(*tg.Message); ok && orig.ID == m.ReplyTo.MessageID {
			return s.cache.convertMessage(orig), nil
		}
	}
	return nil, nil
}

// Download streams an attachment into memory.
func (s *Source) Download(ctx context.Context, a *transport.Attachment) ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	loc, ok := a.Ref.(tg.InputFileLocationClass)
	if !ok || loc == nil {
		return nil, nil
	}
	if a.Size > s.cfg.MaxDownload {
		return nil, fmt.Errorf("attachment too large: %d bytes (max %d)", a.Size, s.cfg.MaxDownload)
	}
	api := s.api.Load()
	if api == nil {
		return nil, errors.New("source session not connected")
	}
	w := &capWriter{max: s.cfg.MaxDownload}
	if _, err := s.dl.Download(api, loc).Stream(ctx, w); err != nil {
		return nil, fmt.Errorf("download %s: %w", a.Kind, err)
	}
	return w.buf.Bytes(), nil
}

var errTooLarge = errors.New("attachment exceeds download limit")

// capWriter stops a download whose declared size was missing or wrong.
type capWriter struct {
	buf bytes.Buffer
	max int64
}

func (w *capWriter) Write(p []byte) (int, error) {
	if int64(w.buf.Len()+len(p)) > w.max {
		return 0, errTooLarge
	}
	return w.buf.Write(p)
}

func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 5 {
		return 30 * time.Second
	}
	return time.Second << uint(attempt-1)
}
