package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const minimalJSON = `{"upstream":{"base_url":"https://api.example.com"}}`

func TestDecodeJSONAndYAMLAgree(t *testing.T) {
	j, err := Decode("c.json", []byte(`{
		"upstream": {"base_url": "https://api.example.com", "rate_per_sec": 2.5},
		"tracking": {"interval": "30m", "cooldown": "2s"},
		"storage": {"driver": "redis", "redis": {"addr": "127.0.0.1:6379"}}
	}`))
	require.NoError(t, err)

	y, err := Decode("c.yaml", []byte(`
upstream:
  base_url: https://api.example.com
  rate_per_sec: 2.5
tracking:
  interval: 30m
  cooldown: 2s
storage:
  driver: redis
  redis:
    addr: 127.0.0.1:6379
`))
	require.NoError(t, err)
	require.Equal(t, j, y)
	require.Equal(t, Hash(j), Hash(y))
	require.NotZero(t, Hash(j))
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"upstream":{"base_url":"https://x"},"bogus":1}`))
	require.Error(t, err)

	_, err = Decode("c.yml", []byte("tracking:\n  intervall: 1h\n"))
	require.Error(t, err)

	_, err = Decode("c.json", []byte(minimalJSON+` {}`))
	require.ErrorContains(t, err, "trailing data")
}

func TestDecodeYAMLRejectsNonStringKeys(t *testing.T) {
	_, err := Decode("c.yaml", []byte("tracking:\n  1: x\n"))
	require.ErrorContains(t, err, `non-string key 1 under "tracking"`)

	cfg, err := Decode("c.yml", []byte(""))
	require.NoError(t, err)
	require.Equal(t, &Config{}, cfg)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Decode("c.json", []byte(minimalJSON))
		require.NoError(t, err)
		return cfg
	}
	require.NoError(t, Validate(base()))

	cases := map[string]func(c *Config){
		"missing base url":     func(c *Config) { c.Upstream.BaseURL = "" },
		"relative base url":    func(c *Config) { c.Upstream.BaseURL = "/api" },
		"bad interval":         func(c *Config) { c.Tracking.Interval = "soon" },
		"negative cooldown":    func(c *Config) { c.Tracking.Cooldown = "-1s" },
		"negative fetch limit": func(c *Config) { c.Tracking.FetchLimit = -1 },
		"bad level":            func(c *Config) { c.Logging.Level = "loud" },
		"bad group log":        func(c *Config) { c.Telegram.GroupLog = "@chat" },
		"chat log without group": func(c *Config) {
			c.Logging.Chat.Enabled = true
		},
		"unknown driver": func(c *Config) { c.Storage = &StorageConfig{Driver: "bolt"} },
		"sqlite no path": func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} },
		"mysql no dsn":   func(c *Config) { c.Storage = &StorageConfig{Driver: "mysql"} },
		"redis no addr":  func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} },
		"negative workers": func(c *Config) {
			c.Notifier = &NotifierConfig{Workers: -1}
		},
		"public http without token": func(c *Config) {
			c.HTTP = HTTPConfig{Enabled: true, Addr: "0.0.0.0:8080"}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(cfg)
			require.Error(t, Validate(cfg))
		})
	}

	cfg := base()
	cfg.HTTP = HTTPConfig{Enabled: true, Addr: "0.0.0.0:8080", Token: "t"}
	cfg.Storage = &StorageConfig{Driver: "postgres", DSN: "postgres://localhost/db"}
	require.NoError(t, Validate(cfg))
}

func TestParseHelpers(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, d)

	d, err = ParseDurationOrDefault("x", "250ms", 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, d)

	_, err = ParseDurationField("x", "-2s")
	require.Error(t, err)

	id, err := ParseChatID("x", " -100123 ")
	require.NoError(t, err)
	require.Equal(t, int64(-100123), id)
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	old := &Config{Telegram: TelegramConfig{Token: "aaa"}, Tracking: TrackingConfig{Interval: "1h"}}
	next := &Config{Telegram: TelegramConfig{Token: "bbb"}, Tracking: TrackingConfig{Interval: "30m"}}

	changed, _ := SummarizeConfigChange(old, next)
	require.Contains(t, changed, "telegram")
	require.Contains(t, changed, "tracking")
	require.NotContains(t, changed, "storage")
	require.Equal(t, []string{"telegram"}, RestartRequired(changed))

	changed, _ = SummarizeConfigChange(old, old)
	require.Empty(t, changed)
}

func TestManagerLoadAndWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(minimalJSON), 0o600))

	m := NewConfigManager(path)
	m.debounce = 20 * time.Millisecond
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	// Let the watcher register before writing.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`{"upstream":{"base_url":"https://api.example.com"},"tracking":{"interval":"10m"}}`), 0o600))
	select {
	case got := <-sub:
		require.Equal(t, "10m", got.Tracking.Interval)
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}

	// An invalid file keeps the previous config.
	require.NoError(t, os.WriteFile(path, []byte(`{"upstream":{"base_url":""}}`), 0o600))
	select {
	case <-sub:
		t.Fatal("invalid config published")
	case <-time.After(300 * time.Millisecond):
	}
	require.Equal(t, "10m", m.Get().Tracking.Interval)

	cancel()
	<-done
}

func TestManagerValidatorRejects(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("upstream:\n  base_url: https://a.example\n"), 0o600))

	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(context.Context, *Config) error { return os.ErrPermission })

	require.NoError(t, os.WriteFile(path, []byte("upstream:\n  base_url: https://b.example\n"), 0o600))
	require.False(t, m.reload(context.Background()))
	require.Equal(t, "https://a.example", m.Get().Upstream.BaseURL)

	m.SetValidator(nil)
	require.True(t, m.reload(context.Background()))
	require.False(t, m.reload(context.Background()))
	require.Equal(t, "https://b.example", m.Get().Upstream.BaseURL)
}
