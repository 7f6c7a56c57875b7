package config

import (
	"sort"
	"strings"

	logx "tgrelay/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens
// or sessions).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	// Telegram (never log credentials; only whether they changed)
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	credsChanged := ot.APIID != nt.APIID || ot.APIHash != nt.APIHash || ot.Session != nt.Session ||
		ot.SessionFile != nt.SessionFile || ot.BotToken != nt.BotToken
	if credsChanged ||
		strings.TrimSpace(ot.SourceChat) != strings.TrimSpace(nt.SourceChat) ||
		strings.TrimSpace(ot.TargetChat) != strings.TrimSpace(nt.TargetChat) ||
		ot.TargetThread != nt.TargetThread ||
		ot.ConnectRetries != nt.ConnectRetries ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.credentials_changed", credsChanged),
			logx.String("telegram.source_chat", strings.TrimSpace(nt.SourceChat)),
			logx.String("telegram.target_chat", strings.TrimSpace(nt.TargetChat)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
	}

	// Relay
	if oldCfg.Relay != newCfg.Relay {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.String("relay.pacing", strings.TrimSpace(newCfg.Relay.Pacing)),
			logx.String("relay.default_backoff", strings.TrimSpace(newCfg.Relay.DefaultBackoff)),
			logx.Int("relay.max_queue", newCfg.Relay.MaxQueue),
			logx.String("relay.stats_schedule", strings.TrimSpace(newCfg.Relay.StatsSchedule)),
		)
	}

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Debug server (never log token)
	od, nd := oldCfg.Debug, newCfg.Debug
	if od.Enabled != nd.Enabled || strings.TrimSpace(od.Addr) != strings.TrimSpace(nd.Addr) ||
		od.AllowInsecure != nd.AllowInsecure || od.Pprof != nd.Pprof ||
		(strings.TrimSpace(od.Token) != "") != (strings.TrimSpace(nd.Token) != "") {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nd.Enabled),
			logx.String("debug.addr", strings.TrimSpace(nd.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(nd.Token) != ""),
			logx.Bool("debug.pprof", nd.Pprof),
		)
	}

	// Storage (persistence). Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver = strings.TrimSpace(s.Driver)
		oBusy = strings.TrimSpace(s.BusyTimeout)
		oPathSet = strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver = strings.TrimSpace(s.Driver)
		nBusy = strings.TrimSpace(s.BusyTimeout)
		nPathSet = strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// TransportChanged reports whether a change touches settings that are only
// read at startup (credentials, chats, storage).
func TransportChanged(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil {
		return oldCfg != newCfg
	}
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	ot.GroupLog, nt.GroupLog = "", ""
	if ot != nt {
		return true
	}
	if (oldCfg.Storage == nil) != (newCfg.Storage == nil) {
		return true
	}
	return oldCfg.Storage != nil && *oldCfg.Storage != *newCfg.Storage
}
