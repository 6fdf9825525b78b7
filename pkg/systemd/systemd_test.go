package systemd

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestNotifyWithoutSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	sent, err := Ready()
	if err != nil || sent {
		t.Fatalf("Ready() = %v, %v; want false, nil", sent, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := Watchdog(ctx); err != nil {
		t.Fatalf("Watchdog: %v", err)
	}
}

func TestNotifySendsState(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram not available: %v", err)
	}
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", sock)

	cases := []struct {
		send func() (bool, error)
		want string
	}{
		{Ready, "READY=1"},
		{func() (bool, error) { return Status("idle") }, "STATUS=idle"},
		{Stopping, "STOPPING=1"},
	}
	buf := make([]byte, 256)
	for _, tc := range cases {
		sent, err := tc.send()
		if err != nil || !sent {
			t.Fatalf("send %q: %v, %v", tc.want, sent, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got := string(buf[:n]); got != tc.want {
			t.Fatalf("got %q, want %q", got, tc.want)
		}
	}
}
