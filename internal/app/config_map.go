package app

import (
	"fmt"
	"strings"
	"time"

	"trackbot/internal/config"
	"trackbot/internal/httpapi"
	"trackbot/internal/maintenance"
	"trackbot/internal/notifier"
	"trackbot/internal/poller"
	"trackbot/internal/tracking"
	"trackbot/internal/transport/telegram"
	"trackbot/internal/upstream"
	logx "trackbot/pkg/logx"
)

func mapLoggingConfig(cfg *Config) logx.Config {
	chatID, _ := config.ParseChatID("telegram.group_log", cfg.Telegram.GroupLog)
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			// Without a bot there is nobody to forward to.
			Enabled:    cfg.Logging.Chat.Enabled && strings.TrimSpace(cfg.Telegram.Token) != "" && chatID != 0,
			ChatID:     chatID,
			ThreadID:   cfg.Logging.Chat.ThreadID,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

func mapTelegramConfig(cfg *Config) (telegram.Config, error) {
	timeout, err := parseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:   strings.TrimSpace(cfg.Telegram.Token),
		APIURL:  strings.TrimSpace(cfg.Telegram.APIURL),
		Timeout: timeout,
	}, nil
}

func mapTrackingConfig(cfg *Config) (tracking.Config, error) {
	interval, err := parseDurationOrDefault("tracking.interval", cfg.Tracking.Interval, tracking.DefaultInterval)
	if err != nil {
		return tracking.Config{}, err
	}
	cooldown := tracking.DefaultCooldown
	if strings.TrimSpace(cfg.Tracking.Cooldown) != "" {
		// "0s" is honored: pops are then spaced by the interval alone.
		if cooldown, err = parseDurationField("tracking.cooldown", cfg.Tracking.Cooldown); err != nil {
			return tracking.Config{}, err
		}
	}
	return tracking.Config{Interval: interval, Cooldown: cooldown}, nil
}

func mapPollerConfig(cfg *Config) (poller.Config, error) {
	t := cfg.Tracking
	idle, err := parseDurationOrDefault("tracking.idle_wait", t.IdleWait, poller.DefaultIdleWait)
	if err != nil {
		return poller.Config{}, err
	}
	timeout, err := parseDurationOrDefault("tracking.poll_timeout", t.PollTimeout, poller.DefaultPollTimeout)
	if err != nil {
		return poller.Config{}, err
	}
	if t.FetchLimit < 0 {
		return poller.Config{}, fmt.Errorf("tracking.fetch_limit must be >= 0")
	}
	if t.FailureThreshold < 0 {
		return poller.Config{}, fmt.Errorf("tracking.failure_threshold must be >= 0")
	}
	return poller.Config{
		IdleWait:         idle,
		PollTimeout:      timeout,
		FetchLimit:       t.FetchLimit,
		FailureThreshold: t.FailureThreshold,
	}, nil
}

func mapUpstreamConfig(cfg *Config) (upstream.Config, error) {
	u := cfg.Upstream
	timeout, err := parseDurationField("upstream.timeout", u.Timeout)
	if err != nil {
		return upstream.Config{}, err
	}
	if u.RatePerSec < 0 {
		return upstream.Config{}, fmt.Errorf("upstream.rate_per_sec must be >= 0")
	}
	return upstream.Config{
		BaseURL:    strings.TrimSpace(u.BaseURL),
		APIKey:     strings.TrimSpace(u.APIKey),
		UserAgent:  strings.TrimSpace(u.UserAgent),
		Timeout:    timeout,
		RatePerSec: u.RatePerSec,
		Burst:      u.Burst,
	}, nil
}

// mapNotifierConfig applies defaults for an omitted section and for zero
// fields; notifier.Service clamps the rest.
func mapNotifierConfig(cfg *Config) (notifier.Config, error) {
	out := notifier.DefaultConfig()
	if cfg == nil || cfg.Notifier == nil {
		return out, nil
	}
	n := cfg.Notifier
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: counts must be >= 0")
	}

	out.Enabled = n.Enabled
	if n.Workers > 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize > 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec > 0 {
		out.RatePerSec = n.RatePerSec
	}
	out.RetryMax = n.RetryMax
	if n.DedupMaxEntries > 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}
	out.PersistDedup = n.PersistDedup

	var err error
	if out.RetryBase, err = parseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = parseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if strings.TrimSpace(n.DedupWindow) != "" {
		// An explicit "0s" disables dedup.
		if out.DedupWindow, err = parseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
			return notifier.Config{}, err
		}
	}
	if out.RetryMaxDelay < out.RetryBase {
		return notifier.Config{}, fmt.Errorf("notifier.retry_max_delay must be >= notifier.retry_base")
	}
	return out, nil
}

func mapHTTPConfig(cfg *Config) (httpapi.Config, error) {
	h := cfg.HTTP
	read, err := parseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := parseDurationOrDefault("http.write_timeout", h.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := parseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	addr := strings.TrimSpace(h.Addr)
	if addr == "" {
		addr = httpapi.DefaultAddr
	}
	return httpapi.Config{
		Addr:          addr,
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapMaintenanceConfig(cfg *Config) (maintenance.Config, error) {
	m := cfg.Maintenance
	if err := maintenance.ValidateSpec(m.Compact); err != nil {
		return maintenance.Config{}, fmt.Errorf("maintenance.compact: %w", err)
	}
	if err := maintenance.ValidateSpec(m.Report); err != nil {
		return maintenance.Config{}, fmt.Errorf("maintenance.report: %w", err)
	}
	if tz := strings.TrimSpace(m.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return maintenance.Config{}, fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err)
		}
	}
	return maintenance.Config{
		Timezone: strings.TrimSpace(m.Timezone),
		Compact:  strings.TrimSpace(m.Compact),
		Report:   strings.TrimSpace(m.Report),
	}, nil
}

// validateMapped runs every mapper so a hot reload is rejected before any
// component sees it.
func validateMapped(cfg *Config) error {
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTrackingConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPollerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapUpstreamConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMaintenanceConfig(cfg); err != nil {
		return err
	}
	return nil
}

// ValidateConfig runs the static checks and every mapper, without opening
// storage or contacting any service.
func ValidateConfig(cfg *Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	return validateMapped(cfg)
}
