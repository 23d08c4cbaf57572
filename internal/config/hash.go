package config

import (
	"encoding/json"

	"github.com/zeebo/xxh3"
)

// hashBytes returns a stable 64-bit hash of b. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return xxh3.Hash(b)
}

// Hash returns a content hash of cfg; equal configs hash equal regardless of
// the source file's formatting.
func Hash(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
