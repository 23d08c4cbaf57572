package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	logx "trackbot/pkg/logx"
)

var knownDrivers = map[string]bool{
	"": true, "none": true, "file": true,
	"sqlite": true, "sqlite3": true,
	"mysql":    true,
	"postgres": true, "postgresql": true, "pg": true,
	"redis": true,
}

// Validate checks the parts of cfg that can be judged without opening any
// connection. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			add(fmt.Errorf("%s: must be >= 0", path))
		}
	}

	// telegram
	dur("telegram.timeout", cfg.Telegram.Timeout)
	_, err := ParseChatID("telegram.group_log", cfg.Telegram.GroupLog)
	add(err)
	if u := strings.TrimSpace(cfg.Telegram.APIURL); u != "" {
		add(checkURL("telegram.api_url", u))
	}

	// logging
	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if !logx.ValidLevel(cfg.Logging.Chat.MinLevel) {
		add(fmt.Errorf("logging.chat.min_level: unknown level %q", cfg.Logging.Chat.MinLevel))
	}
	nonNeg("logging.chat.rate_per_sec", cfg.Logging.Chat.RatePerSec)
	if cfg.Logging.Chat.Enabled && strings.TrimSpace(cfg.Telegram.GroupLog) == "" {
		add(errors.New("logging.chat.enabled requires telegram.group_log"))
	}

	// tracking
	t := cfg.Tracking
	dur("tracking.interval", t.Interval)
	dur("tracking.cooldown", t.Cooldown)
	dur("tracking.idle_wait", t.IdleWait)
	dur("tracking.poll_timeout", t.PollTimeout)
	nonNeg("tracking.fetch_limit", t.FetchLimit)
	nonNeg("tracking.failure_threshold", t.FailureThreshold)

	// upstream
	u := cfg.Upstream
	if strings.TrimSpace(u.BaseURL) == "" {
		add(errors.New("upstream.base_url is required"))
	} else {
		add(checkURL("upstream.base_url", u.BaseURL))
	}
	dur("upstream.timeout", u.Timeout)
	if u.RatePerSec < 0 {
		add(errors.New("upstream.rate_per_sec: must be >= 0"))
	}
	nonNeg("upstream.burst", u.Burst)

	// notifier
	if n := cfg.Notifier; n != nil {
		nonNeg("notifier.workers", n.Workers)
		nonNeg("notifier.queue_size", n.QueueSize)
		nonNeg("notifier.rate_per_sec", n.RatePerSec)
		nonNeg("notifier.retry_max", n.RetryMax)
		nonNeg("notifier.dedup_max_entries", n.DedupMaxEntries)
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
	}

	// storage
	if s := cfg.Storage; s != nil {
		driver := strings.ToLower(strings.TrimSpace(s.Driver))
		switch {
		case !knownDrivers[driver]:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		case (driver == "sqlite" || driver == "sqlite3") && strings.TrimSpace(s.Path) == "":
			add(errors.New("storage.path is required when storage.driver=sqlite"))
		case (driver == "mysql" || driver == "postgres" || driver == "postgresql" || driver == "pg") && strings.TrimSpace(s.DSN) == "":
			add(fmt.Errorf("storage.dsn is required when storage.driver=%s", driver))
		case driver == "redis" && (s.Redis == nil || strings.TrimSpace(s.Redis.Addr) == ""):
			add(errors.New("storage.redis.addr is required when storage.driver=redis"))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
		nonNeg("storage.max_conns", s.MaxConns)
		if s.Redis != nil {
			nonNeg("storage.redis.db", s.Redis.DB)
		}
	}

	// http
	h := cfg.HTTP
	dur("http.read_timeout", h.ReadTimeout)
	dur("http.write_timeout", h.WriteTimeout)
	dur("http.idle_timeout", h.IdleTimeout)
	if h.Enabled && strings.TrimSpace(h.Addr) != "" {
		host, _, err := net.SplitHostPort(strings.TrimSpace(h.Addr))
		if err != nil {
			add(fmt.Errorf("http.addr: %w", err))
		} else if !isLoopbackHost(host) && strings.TrimSpace(h.Token) == "" && !h.AllowInsecure {
			add(errors.New("http.token is required for a non-loopback http.addr (or set http.allow_insecure)"))
		}
	}

	return errors.Join(errs...)
}

func checkURL(path, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s: must be an absolute http(s) URL", path)
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
