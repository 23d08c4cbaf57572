package tracking

import (
	"fmt"
	"strconv"
	"strings"
)

// Mode is the secondary discriminator of a subscription key (a game variant upstream).
type Mode uint8

const (
	ModeStandard Mode = iota
	ModeTaiko
	ModeCatch
	ModeMania
)

var modeNames = [...]string{"standard", "taiko", "catch", "mania"}

// Modes lists every known mode in key order.
func Modes() []Mode { return []Mode{ModeStandard, ModeTaiko, ModeCatch, ModeMania} }

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return "mode(" + strconv.Itoa(int(m)) + ")"
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool { return int(m) < len(modeNames) }

// ParseMode accepts a mode name ("taiko"), a short alias ("osu", "ctb", "fruits") or its number.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "standard", "std", "osu", "0":
		return ModeStandard, nil
	case "taiko", "1":
		return ModeTaiko, nil
	case "catch", "ctb", "fruits", "2":
		return ModeCatch, nil
	case "mania", "3":
		return ModeMania, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// ChannelID identifies a notification channel (a chat).
type ChannelID int64

// Key is the composite subscription key.
type Key struct {
	EntityID int64
	Mode     Mode
}

// KeyOf is shorthand for Key{EntityID: entity, Mode: mode}.
func KeyOf(entity int64, mode Mode) Key { return Key{EntityID: entity, Mode: mode} }

// Less orders keys by entity, then mode.
func (k Key) Less(o Key) bool {
	if k.EntityID != o.EntityID {
		return k.EntityID < o.EntityID
	}
	return k.Mode < o.Mode
}

func (k Key) String() string {
	return strconv.FormatInt(k.EntityID, 10) + "/" + k.Mode.String()
}
