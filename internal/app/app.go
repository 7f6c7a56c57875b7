// Package app wires the relay: the source session feeds the assembler, which
// fills the delivery queue drained by the destination bot.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tgrelay/internal/config"
	"tgrelay/internal/eventbus"
	"tgrelay/internal/observability/debug"
	"tgrelay/internal/relay/assembler"
	"tgrelay/internal/relay/queue"
	"tgrelay/internal/relay/stats"
	"tgrelay/internal/runtime/sdnotify"
	"tgrelay/internal/runtime/supervisor"
	"tgrelay/internal/storage"
	"tgrelay/internal/transport"
	"tgrelay/internal/transport/mtproto"
	"tgrelay/internal/transport/telegram/bot"
	logx "tgrelay/pkg/logx"
)

// ErrSourceLost is the fatal error when the source session cannot be
// re-established.
var ErrSourceLost = errors.New("source session lost")

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sourceChat int64
	source     *mtproto.Source
	sender     *bot.Sender
	queue      *queue.Queue
	asm        *assembler.Assembler
	reporter   *stats.Reporter
	recorder   *stats.Recorder
	debug      *debug.Server
	notify     *sdnotify.Notifier

	updates chan transport.Update

	// The audit recorder outlives the app context so items discarded by the
	// queue on Stop are still recorded.
	auditUnsub func()
	auditDone  chan struct{}
}

// NewApp loads and validates configuration and constructs every component.
// Nothing connects to the source session until Start.
func NewApp(cfgm *config.ConfigManager) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	srcChat, target, err := chats(cfg)
	if err != nil {
		return nil, err
	}
	qcfg, err := mapQueueConfig(cfg)
	if err != nil {
		return nil, err
	}
	acfg, err := mapAssemblerConfig(cfg)
	if err != nil {
		return nil, err
	}
	scfg, storeOn, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := stats.ParseSchedule(cfg.Relay.StatsSchedule); err != nil {
		return nil, fmt.Errorf("relay.stats_schedule: %w", err)
	}

	bootLog := logx.NewConsole("INFO")
	sender, err := bot.New(mapBotConfig(cfg), bootLog)
	if err != nil {
		return nil, fmt.Errorf("destination bot: %w", err)
	}

	// Enable the Telegram sink only after its target is set, so Apply does
	// not warn about a missing chat.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, sender)
	logSvc.SetTelegramTarget(groupLogTarget(cfg), cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	var store storage.Store
	if storeOn {
		st, err := storage.Open(scfg, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", scfg.Driver))
	}

	source, err := mtproto.New(mapSourceConfig(cfg), log)
	if err != nil {
		closeStore(store)
		return nil, fmt.Errorf("source session: %w", err)
	}

	bus := eventbus.New()
	q := queue.New(qcfg, sender, target, log, bus)
	asm := assembler.New(q, source, source, store, acfg, log)

	a := &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		sourceChat: srcChat,
		source:     source,
		sender:     sender,
		queue:      q,
		asm:        asm,
		recorder:   stats.NewRecorder(store, log),
		notify:     sdnotify.New(log),
		updates:    make(chan transport.Update, 256),
	}
	a.reporter = stats.NewReporter(cfg.Relay.StatsSchedule, q.Snapshot, store, log)
	a.debug = debug.New(mapDebugConfig(cfg), a.health, log)
	return a, nil
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings the relay up. It returns once the source session receives
// updates, or with an error when the session cannot be established.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	c := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	a.queue.Start(c)
	if err := a.reporter.Start(c); err != nil {
		return err
	}
	if a.store != nil {
		events, unsub := a.bus.Subscribe(256, queue.EventSent, queue.EventThrottled, queue.EventDropped)
		a.auditUnsub, a.auditDone = unsub, make(chan struct{})
		go func() {
			defer close(a.auditDone)
			a.recorder.Run(context.WithoutCancel(c), events)
		}()
	}
	a.debug.Start(c)

	a.notify.Status("connecting source session")
	if err := a.source.Start(c, a.updates); err != nil {
		return fmt.Errorf("source session: %w", err)
	}

	a.sup.Go("relay.listen", a.listen)
	a.sup.Go("source.watch", func(c context.Context) error {
		select {
		case <-c.Done():
			return nil
		case err := <-a.source.Failed():
			return fmt.Errorf("%w: %w", ErrSourceLost, err)
		}
	})
	reloads := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, reloads) })
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("sdnotify.watchdog", func(c context.Context) {
		a.notify.Watchdog(c, a.source.Connected)
	})

	a.notify.Ready()
	a.notify.Status("relaying")
	a.log.Info("relay started",
		logx.Int64("source_chat", a.sourceChat),
		logx.String("bot", a.sender.Username()),
	)
	return nil
}

// listen hands every message from the source chat to the assembler, one at a
// time and in arrival order.
func (a *App) listen(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-a.updates:
			if u.Kind != transport.UpdateMessage || u.Message == nil {
				continue
			}
			if u.Message.ChatID != a.sourceChat {
				continue
			}
			a.asm.Handle(ctx, u.Message)
		}
	}
}

type healthBody struct {
	Status       string                         `json:"status"`
	Connected    bool                           `json:"source_connected"`
	Queue        queue.Stats                    `json:"queue"`
	MissedEvents uint64                         `json:"missed_events"`
	Supervisors  map[string]supervisor.Snapshot `json:"supervisors"`
}

func (a *App) health() (any, bool) {
	b := healthBody{
		Status:       "ok",
		Connected:    a.source.Connected(),
		Queue:        a.queue.Snapshot(),
		MissedEvents: eventbus.Missed(a.bus),
		Supervisors:  map[string]supervisor.Snapshot{
			"app":    a.sup.Snapshot(),
			"source": a.source.Supervisor().Snapshot(),
			"queue":  a.queue.Supervisor().Snapshot(),
		},
	}
	ok := b.Connected && a.Err() == nil
	if !ok {
		b.Status = "degraded"
	}
	return b, ok
}

// Stop shuts components down in dependency order: the source first so no new
// messages arrive, then the queue (pending items are dropped), then the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		closeStore(a.store)
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()
	a.sup.Cancel()

	a.step(ctx, "source", 3*time.Second, a.source.Stop)
	a.step(ctx, "queue", 2*time.Second, a.queue.Stop)
	a.step(ctx, "audit", time.Second, a.stopAudit)
	a.step(ctx, "stats", time.Second, func(c context.Context) error { a.reporter.Stop(c); return nil })
	a.step(ctx, "debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if c.Err() != nil {
			return err
		}
		return nil
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and the caller's deadline. A
// step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

// stopAudit closes the recorder's subscription; Run returns once the
// buffered events are written.
func (a *App) stopAudit(ctx context.Context) error {
	if a.auditUnsub == nil {
		return nil
	}
	a.auditUnsub()
	select {
	case <-a.auditDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func closeStore(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}
