package systemd

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "trackbot/pkg/logx"
)

func listenNotify(t *testing.T) *net.UnixConn {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", path)
	return conn
}

func read(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	buf := make([]byte, 256)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestNotifyStates(t *testing.T) {
	conn := listenNotify(t)

	Ready(logx.Nop())
	require.Equal(t, "READY=1", read(t, conn))

	done := Reloading(logx.Nop())
	require.Equal(t, "RELOADING=1", read(t, conn))
	done()
	require.Equal(t, "READY=1", read(t, conn))

	Status(logx.Nop(), "tracking 3 keys")
	require.Equal(t, "STATUS=tracking 3 keys", read(t, conn))

	Stopping(logx.Nop())
	require.Equal(t, "STOPPING=1", read(t, conn))
}

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	Ready(logx.Nop())
	require.Zero(t, WatchdogInterval())
}

func TestWatchdogSkipsWhenUnhealthy(t *testing.T) {
	conn := listenNotify(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthy := make(chan bool, 4)
	healthy <- false
	healthy <- true
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watchdog(ctx, 10*time.Millisecond, func() bool {
			select {
			case h := <-healthy:
				return h
			default:
				return true
			}
		}, logx.Nop())
	}()

	require.Equal(t, "WATCHDOG=1", read(t, conn))
	cancel()
	<-done
}
