package config

// Config is the root of the configuration file (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1h").
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Tracking    TrackingConfig    `json:"tracking"`
	Upstream    UpstreamConfig    `json:"upstream"`
	Notifier    *NotifierConfig   `json:"notifier,omitempty"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	HTTP        HTTPConfig        `json:"http"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

// TelegramConfig configures the chat transport. With an empty token,
// notifications are written to the log instead.
type TelegramConfig struct {
	Token string `json:"token"`
	// APIURL overrides the Bot API endpoint.
	APIURL string `json:"api_url,omitempty"`
	// GroupLog is the chat id receiving forwarded log lines.
	GroupLog string `json:"group_log,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TrackingConfig controls the poll cadence.
//
// Defaults (when omitted):
//   - interval: "1h" (one full pass over every tracked key)
//   - cooldown: "5s" (minimum spacing between wakeups)
//   - idle_wait: "10s" (sleep when nothing is tracked)
//   - poll_timeout: "30s" (per-key fetch + notify budget)
//   - fetch_limit: 100
//   - failure_threshold: 5
type TrackingConfig struct {
	Interval         string `json:"interval,omitempty"`
	Cooldown         string `json:"cooldown,omitempty"`
	IdleWait         string `json:"idle_wait,omitempty"`
	PollTimeout      string `json:"poll_timeout,omitempty"`
	FetchLimit       int    `json:"fetch_limit,omitempty"`
	FailureThreshold int    `json:"failure_threshold,omitempty"`
}

// UpstreamConfig configures the API that is polled for new items.
type UpstreamConfig struct {
	BaseURL    string  `json:"base_url"`
	APIKey     string  `json:"api_key,omitempty"`
	UserAgent  string  `json:"user_agent,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
// If the whole section is omitted, the notifier runs with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig controls persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/trackbot.db" }
type StorageConfig struct {
	Driver      string              `json:"driver"`
	Path        string              `json:"path,omitempty"`
	DSN         string              `json:"dsn,omitempty"`
	BusyTimeout string              `json:"busy_timeout,omitempty"`
	MaxConns    int                 `json:"max_conns,omitempty"`
	Redis       *RedisStorageConfig `json:"redis,omitempty"`
}

type RedisStorageConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// HTTPConfig controls the admin HTTP server.
//
// Security note: a non-loopback Addr requires Token unless AllowInsecure is set.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// MaintenanceConfig schedules housekeeping jobs with cron specs (an optional
// leading seconds field is accepted). An empty spec disables that job.
type MaintenanceConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
	Compact  string `json:"compact,omitempty"`
	Report   string `json:"report,omitempty"`
}
