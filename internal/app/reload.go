package app

import (
	"context"
	"strings"

	"tgrelay/internal/config"
	logx "tgrelay/pkg/logx"
)

// reloadLoop applies hot-reloaded configuration. Credentials, chats and
// storage are read once at startup; changing them only logs a warning.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)

	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest config matters.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	a.notify.Reloading()
	defer a.notify.Ready()

	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if config.TransportChanged(prev, next) {
		a.log.Warn("telegram or storage settings changed; restart required for them to take effect")
	}

	a.logs.SetTelegramTarget(groupLogTarget(next), next.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(next))

	if qcfg, err := mapQueueConfig(next); err != nil {
		a.log.Warn("invalid relay config; keeping previous queue settings", logx.Err(err))
	} else {
		a.queue.Apply(qcfg)
	}
	if acfg, err := mapAssemblerConfig(next); err != nil {
		a.log.Warn("invalid relay config; keeping previous dedup window", logx.Err(err))
	} else {
		a.asm.Apply(acfg)
	}
	if err := a.reporter.Apply(next.Relay.StatsSchedule); err != nil {
		a.log.Warn("invalid stats schedule; keeping previous", logx.Err(err))
	}
	a.debug.Reconfigure(ctx, mapDebugConfig(next))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
