package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"trackbot/internal/transport"
)

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &m))
	return m
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "poller"))

	log.Info("polled", Int("items", 3), Duration("took", 1500*time.Millisecond), Err(errors.New("boom")))
	m := lastLine(t, &buf)
	require.Equal(t, "info", m["level"])
	require.Equal(t, "polled", m["message"])
	require.Equal(t, "poller", m["comp"])
	require.EqualValues(t, 3, m["items"])
	require.Equal(t, "boom", m["err"])
	require.Contains(t, m["caller"], "logging_test.go")

	log.With(String("comp", "override")).Warn("x")
	require.Equal(t, "override", lastLine(t, &buf)["comp"])
}

func TestLevelFilterAndNop(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	require.Zero(t, buf.Len())
	require.False(t, log.Enabled(LevelInfo))
	require.True(t, log.Enabled(LevelError))

	var zero Logger
	require.True(t, zero.IsZero())
	zero.Error("no panic")
	require.False(t, Nop().IsZero())
}

func TestValidLevel(t *testing.T) {
	for _, s := range []string{"", "trace", "DEBUG", "info", "warning", "error"} {
		require.True(t, ValidLevel(s), s)
	}
	require.False(t, ValidLevel("verbose"))
}

func TestFormatChatLine(t *testing.T) {
	got := formatChatLine([]byte(`{"level":"warn","time":"x","message":"fetch failed","key":"7/mania","count":5}`))
	require.Equal(t, "[WARN] fetch failed\n- count=5\n- key=7/mania", got)
	require.Equal(t, "not json", formatChatLine([]byte("not json\n")))
	require.Len(t, truncate(strings.Repeat("a", 50), 20), 20)
}

type chatRecorder struct {
	mu   sync.Mutex
	msgs []string
	to   []transport.ChatTarget
}

func (r *chatRecorder) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
	r.to = append(r.to, to)
	return transport.MessageRef{}, nil
}

func (r *chatRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestServiceChatSinkAndFile(t *testing.T) {
	rec := &chatRecorder{}
	path := filepath.Join(t.TempDir(), "app.log")
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: path},
		Chat:  ChatConfig{Enabled: true, ChatID: -100, ThreadID: 4, MinLevel: "warn", RatePerSec: 100},
	}, rec)
	defer func() { _ = svc.Close() }()

	log.Info("quiet")
	log.Warn("loud", String("key", "v"))
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	require.True(t, strings.HasPrefix(rec.msgs[0], "[WARN] loud"))
	require.Equal(t, transport.ChatTarget{ChatID: -100, ThreadID: 4}, rec.to[0])
	rec.mu.Unlock()

	// Raising the level applies to loggers handed out earlier.
	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	log.Warn("after apply")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), `"quiet"`)
	require.NotContains(t, string(b), "after apply")
	require.Equal(t, 1, rec.count())
}
