package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE files into the process environment. Variables
// that are already set win over file values. Missing files are ignored so a
// plain ".env" default is always safe to pass.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

type envBinding struct {
	key string
	set func(c *Config, v string) error
}

func str(dst func(c *Config) *string) func(c *Config, v string) error {
	return func(c *Config, v string) error { *dst(c) = v; return nil }
}

func num(key string, dst func(c *Config) *int) func(c *Config, v string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", key, v)
		}
		*dst(c) = n
		return nil
	}
}

func storage(c *Config) *StorageConfig {
	if c.Storage == nil {
		c.Storage = &StorageConfig{}
	}
	return c.Storage
}

var envBindings = []envBinding{
	{"TG_API_ID", num("TG_API_ID", func(c *Config) *int { return &c.Telegram.APIID })},
	{"TG_API_HASH", str(func(c *Config) *string { return &c.Telegram.APIHash })},
	{"TG_SESSION", str(func(c *Config) *string { return &c.Telegram.Session })},
	{"TG_SESSION_FILE", str(func(c *Config) *string { return &c.Telegram.SessionFile })},
	{"TG_BOT_TOKEN", str(func(c *Config) *string { return &c.Telegram.BotToken })},
	{"TG_SOURCE_CHAT", str(func(c *Config) *string { return &c.Telegram.SourceChat })},
	{"TG_TARGET_CHAT", str(func(c *Config) *string { return &c.Telegram.TargetChat })},
	{"TG_TARGET_THREAD", num("TG_TARGET_THREAD", func(c *Config) *int { return &c.Telegram.TargetThread })},
	{"TG_CONNECT_RETRIES", num("TG_CONNECT_RETRIES", func(c *Config) *int { return &c.Telegram.ConnectRetries })},
	{"TG_GROUP_LOG", str(func(c *Config) *string { return &c.Telegram.GroupLog })},

	{"RELAY_PACING", str(func(c *Config) *string { return &c.Relay.Pacing })},
	{"RELAY_DEFAULT_BACKOFF", str(func(c *Config) *string { return &c.Relay.DefaultBackoff })},
	{"RELAY_MAX_QUEUE", num("RELAY_MAX_QUEUE", func(c *Config) *int { return &c.Relay.MaxQueue })},
	{"RELAY_DEDUP_WINDOW", str(func(c *Config) *string { return &c.Relay.DedupWindow })},
	{"RELAY_STATS_SCHEDULE", str(func(c *Config) *string { return &c.Relay.StatsSchedule })},

	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Logging.Level })},
	{"LOG_FILE", func(c *Config, v string) error {
		c.Logging.File.Path = v
		c.Logging.File.Enabled = strings.TrimSpace(v) != ""
		return nil
	}},

	{"STORAGE_DRIVER", str(func(c *Config) *string { return &storage(c).Driver })},
	{"STORAGE_PATH", str(func(c *Config) *string { return &storage(c).Path })},

	{"DEBUG_ADDR", func(c *Config, v string) error {
		c.Debug.Addr = v
		c.Debug.Enabled = strings.TrimSpace(v) != ""
		return nil
	}},
}

// ApplyEnv overlays environment variables on cfg. Unset variables leave the
// file value untouched; set-but-empty variables clear it.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if cfg == nil {
		return nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, b := range envBindings {
		v, ok := lookup(b.key)
		if !ok {
			continue
		}
		if err := b.set(cfg, v); err != nil {
			return err
		}
	}
	return nil
}
