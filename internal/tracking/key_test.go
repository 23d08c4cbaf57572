package tracking

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := map[string]Mode{
		"osu":      ModeStandard,
		"Standard": ModeStandard,
		"0":        ModeStandard,
		" taiko ":  ModeTaiko,
		"ctb":      ModeCatch,
		"fruits":   ModeCatch,
		"3":        ModeMania,
	}
	for in, want := range tests {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseMode("4")
	require.Error(t, err)
}

func TestModeString(t *testing.T) {
	require.Equal(t, "mania", ModeMania.String())
	require.Equal(t, "mode(9)", Mode(9).String())
	require.False(t, Mode(9).Valid())
	require.Equal(t, "42/taiko", KeyOf(42, ModeTaiko).String())
}

func TestKeyLess(t *testing.T) {
	require.True(t, KeyOf(1, ModeMania).Less(KeyOf(2, ModeStandard)))
	require.True(t, KeyOf(1, ModeStandard).Less(KeyOf(1, ModeTaiko)))
	require.False(t, KeyOf(1, ModeTaiko).Less(KeyOf(1, ModeTaiko)))
}
