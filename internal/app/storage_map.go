package app

import (
	"fmt"
	"strings"
	"time"

	"trackbot/internal/storage"
)

func mapStorageConfig(cfg *Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.TrimSpace(sc.Driver)
	if driver == "" || strings.EqualFold(driver, "none") {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	dsn := strings.TrimSpace(sc.DSN)
	if sc.MaxConns < 0 {
		return storage.Config{}, false, fmt.Errorf("storage.max_conns must be >= 0")
	}

	dl := strings.ToLower(driver)
	switch dl {
	case "file":
		if path == "" {
			path = "./data/subscriptions"
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	case "mysql", "postgres", "postgresql", "pg":
		if dsn == "" {
			return storage.Config{}, false, fmt.Errorf("storage.dsn is required when storage.driver=%s", dl)
		}
		if dl != "mysql" {
			dl = "postgres"
		}
		return storage.Config{Driver: dl, DSN: dsn, MaxConns: sc.MaxConns}, true, nil
	case "redis":
		if sc.Redis == nil || strings.TrimSpace(sc.Redis.Addr) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.redis.addr is required when storage.driver=redis")
		}
		return storage.Config{Driver: "redis", Redis: storage.RedisConfig{
			Addr:     strings.TrimSpace(sc.Redis.Addr),
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   strings.TrimSpace(sc.Redis.Prefix),
		}}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", driver)
	}
}
