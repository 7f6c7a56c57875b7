package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrMissing = errors.New("missing required setting")

const (
	DefaultPacing         = time.Second
	DefaultBackoff        = 5 * time.Second
	DefaultConnectRetries = 5
	DefaultStatsSchedule  = "@every 1h"
)

// ParseChatID parses a Bot API style chat id ("-1001234567890", "42").
func ParseChatID(path, raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("%w: %s", ErrMissing, path)
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid chat id %q", path, raw)
	}
	if id == 0 {
		return 0, fmt.Errorf("%s: chat id must be non-zero", path)
	}
	return id, nil
}

// Validate checks everything the relay needs before it connects anywhere.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	t := cfg.Telegram
	if t.APIID <= 0 {
		return fmt.Errorf("%w: telegram.api_id (TG_API_ID)", ErrMissing)
	}
	if strings.TrimSpace(t.APIHash) == "" {
		return fmt.Errorf("%w: telegram.api_hash (TG_API_HASH)", ErrMissing)
	}
	if strings.TrimSpace(t.Session) == "" && strings.TrimSpace(t.SessionFile) == "" {
		return fmt.Errorf("%w: telegram.session or telegram.session_file (TG_SESSION)", ErrMissing)
	}
	if strings.TrimSpace(t.BotToken) == "" {
		return fmt.Errorf("%w: telegram.bot_token (TG_BOT_TOKEN)", ErrMissing)
	}
	src, err := ParseChatID("telegram.source_chat", t.SourceChat)
	if err != nil {
		return err
	}
	dst, err := ParseChatID("telegram.target_chat", t.TargetChat)
	if err != nil {
		return err
	}
	if src == dst && t.TargetThread == 0 {
		return errors.New("telegram.source_chat and telegram.target_chat must differ")
	}
	if t.ConnectRetries < 0 {
		return fmt.Errorf("telegram.connect_retries must be >= 0")
	}
	if strings.TrimSpace(t.GroupLog) != "" {
		if _, err := ParseChatID("telegram.group_log", t.GroupLog); err != nil {
			return err
		}
	}

	if _, err := ParseDurationField("relay.pacing", cfg.Relay.Pacing); err != nil {
		return err
	}
	if _, err := ParseDurationField("relay.default_backoff", cfg.Relay.DefaultBackoff); err != nil {
		return err
	}
	if _, err := ParseDurationField("relay.dedup_window", cfg.Relay.DedupWindow); err != nil {
		return err
	}
	if spec := strings.TrimSpace(cfg.Relay.StatsSchedule); spec != "" && !strings.EqualFold(spec, "off") {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("relay.stats_schedule: %w", err)
		}
	}
	if cfg.Relay.MaxQueue < 0 {
		return fmt.Errorf("relay.max_queue must be >= 0")
	}
	if cfg.Logging.Telegram.RatePerSec < 0 {
		return fmt.Errorf("logging.telegram.rate_per_sec must be >= 0")
	}
	if s := cfg.Storage; s != nil {
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}
