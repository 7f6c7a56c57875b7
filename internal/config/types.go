package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Relay    RelayConfig    `json:"relay"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Debug    DebugConfig    `json:"debug,omitempty"`
}

// TelegramConfig holds both sides of the relay.
//
// The source side is an MTProto user session (api_id/api_hash + an existing
// string session); the destination side is a Bot API token. Chat ids use Bot
// API numbering (channels are -100<id>).
type TelegramConfig struct {
	APIID   int    `json:"api_id"`
	APIHash string `json:"api_hash"`
	// Session is a Telethon-format string session. SessionFile, when set, is
	// used instead and keeps the session across restarts.
	Session     string `json:"session,omitempty"`
	SessionFile string `json:"session_file,omitempty"`

	BotToken   string `json:"bot_token"`
	SourceChat string `json:"source_chat"`
	TargetChat string `json:"target_chat"`
	// TargetThread optionally posts into a forum topic of the target chat.
	TargetThread int `json:"target_thread,omitempty"`

	// ConnectRetries bounds how many times the source session reconnects
	// before startup is declared failed. Default 5.
	ConnectRetries int `json:"connect_retries,omitempty"`

	// GroupLog is the chat id that receives mirrored WARN+ logs.
	GroupLog string `json:"group_log,omitempty"`
}

// RelayConfig tunes the delivery queue and assembler.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - pacing: "1s"
//   - default_backoff: "5s" (used when the destination does not say how long to wait)
//   - max_queue: 0 (unbounded)
//   - dedup_window: "0s" (disabled; requires storage)
//   - stats_schedule: "@every 1h" ("off" disables)
type RelayConfig struct {
	Pacing         string `json:"pacing,omitempty"`
	DefaultBackoff string `json:"default_backoff,omitempty"`
	MaxQueue       int    `json:"max_queue,omitempty"`
	DedupWindow    string `json:"dedup_window,omitempty"`
	StatsSchedule  string `json:"stats_schedule,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the optional persistence layer (delivery audit and
// inbound dedup; message bodies are never stored).
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/tgrelay.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DebugConfig controls the optional health/debug HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
