package app

import (
	"fmt"
	"strings"
	"time"

	"tgrelay/internal/config"
	"tgrelay/internal/observability/debug"
	"tgrelay/internal/relay/assembler"
	"tgrelay/internal/relay/queue"
	"tgrelay/internal/storage"
	"tgrelay/internal/transport"
	"tgrelay/internal/transport/mtproto"
	"tgrelay/internal/transport/telegram/bot"
	logx "tgrelay/pkg/logx"
)

// durationOr returns def only when raw is empty, so an explicit "0s" stays 0.
func durationOr(path, raw string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return config.ParseDurationField(path, raw)
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	pacing, err := durationOr("relay.pacing", cfg.Relay.Pacing, time.Second)
	if err != nil {
		return queue.Config{}, err
	}
	backoff, err := config.ParseDurationOrDefault("relay.default_backoff", cfg.Relay.DefaultBackoff, 5*time.Second)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		Pacing:         pacing,
		DefaultBackoff: backoff,
		MaxQueue:       cfg.Relay.MaxQueue,
	}, nil
}

func mapAssemblerConfig(cfg *config.Config) (assembler.Config, error) {
	window, err := config.ParseDurationField("relay.dedup_window", cfg.Relay.DedupWindow)
	if err != nil {
		return assembler.Config{}, err
	}
	return assembler.Config{DedupWindow: window}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDebugConfig(cfg *config.Config) debug.Config {
	d := cfg.Debug
	return debug.Config{
		Enabled:       d.Enabled,
		Addr:          d.Addr,
		Token:         d.Token,
		AllowInsecure: d.AllowInsecure,
		Pprof:         d.Pprof,
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapSourceConfig(cfg *config.Config) mtproto.Config {
	t := cfg.Telegram
	return mtproto.Config{
		APIID:          t.APIID,
		APIHash:        t.APIHash,
		Session:        t.Session,
		SessionFile:    t.SessionFile,
		ConnectRetries: t.ConnectRetries,
	}
}

func mapBotConfig(cfg *config.Config) bot.Config {
	return bot.Config{Token: cfg.Telegram.BotToken}
}

// chats returns the source chat id and the delivery target. Both were
// checked by config.Validate.
func chats(cfg *config.Config) (int64, transport.ChatTarget, error) {
	src, err := config.ParseChatID("telegram.source_chat", cfg.Telegram.SourceChat)
	if err != nil {
		return 0, transport.ChatTarget{}, err
	}
	dst, err := config.ParseChatID("telegram.target_chat", cfg.Telegram.TargetChat)
	if err != nil {
		return 0, transport.ChatTarget{}, err
	}
	return src, transport.ChatTarget{ChatID: dst, ThreadID: cfg.Telegram.TargetThread}, nil
}

// groupLogTarget is 0 when no log chat is configured.
func groupLogTarget(cfg *config.Config) int64 {
	id, err := config.ParseChatID("telegram.group_log", cfg.Telegram.GroupLog)
	if err != nil {
		return 0
	}
	return id
}
