package config

import (
	"strings"

	logx "trackbot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (tokens, API keys, passwords, DSNs)
// are only ever reported as "<name>_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || trim(ot.APIURL) != trim(nt.APIURL) ||
		trim(ot.GroupLog) != trim(nt.GroupLog) || trim(ot.Timeout) != trim(nt.Timeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", trim(nt.Token) != ""),
			logx.Bool("telegram.group_log_set", trim(nt.GroupLog) != ""),
			logx.String("telegram.timeout", trim(nt.Timeout)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	if oldCfg.Tracking != newCfg.Tracking {
		tr := newCfg.Tracking
		changed = append(changed, "tracking")
		attrs = append(attrs,
			logx.String("tracking.interval", trim(tr.Interval)),
			logx.String("tracking.cooldown", trim(tr.Cooldown)),
			logx.String("tracking.idle_wait", trim(tr.IdleWait)),
			logx.String("tracking.poll_timeout", trim(tr.PollTimeout)),
			logx.Int("tracking.fetch_limit", tr.FetchLimit),
		)
	}

	if oldCfg.Upstream != newCfg.Upstream {
		up := newCfg.Upstream
		changed = append(changed, "upstream")
		attrs = append(attrs,
			logx.String("upstream.base_url", trim(up.BaseURL)),
			logx.Bool("upstream.api_key_set", trim(up.APIKey) != ""),
			logx.Float64("upstream.rate_per_sec", up.RatePerSec),
			logx.Int("upstream.burst", up.Burst),
		)
	}

	on, nn := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if (oldCfg.Notifier == nil) != (newCfg.Notifier == nil) || on != nn {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nn.Enabled),
			logx.Int("notifier.workers", nn.Workers),
			logx.Int("notifier.queue_size", nn.QueueSize),
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
		)
	}

	ost, ns := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if (oldCfg.Storage == nil) != (newCfg.Storage == nil) || ost != ns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", trim(ns.Driver)),
			logx.String("storage.path", trim(ns.Path)),
			logx.Bool("storage.dsn_set", trim(ns.DSN) != ""),
			logx.Bool("storage.redis_set", ns.redis.Addr != ""),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		h := newCfg.HTTP
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", h.Enabled),
			logx.String("http.addr", trim(h.Addr)),
			logx.Bool("http.token_set", trim(h.Token) != ""),
			logx.Bool("http.pprof", h.Pprof),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		mt := newCfg.Maintenance
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", mt.Enabled),
			logx.String("maintenance.timezone", trim(mt.Timezone)),
			logx.String("maintenance.compact", trim(mt.Compact)),
			logx.String("maintenance.report", trim(mt.Report)),
		)
	}

	return changed, attrs
}

// RestartRequired reports the changed sections that are only applied at
// startup.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "telegram", "storage", "http", "maintenance":
			out = append(out, s)
		}
	}
	return out
}

func trim(s string) string { return strings.TrimSpace(s) }

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

// storageView flattens StorageConfig so it can be compared with ==.
type storageView struct {
	Driver, Path, DSN, BusyTimeout string
	MaxConns                       int
	redis                          RedisStorageConfig
}

func derefStorage(s *StorageConfig) storageView {
	if s == nil {
		return storageView{}
	}
	v := storageView{Driver: s.Driver, Path: s.Path, DSN: s.DSN, BusyTimeout: s.BusyTimeout, MaxConns: s.MaxConns}
	if s.Redis != nil {
		v.redis = *s.Redis
	}
	return v
}
