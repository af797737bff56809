package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/courier/internal/account"
	"github.com/matheus3301/courier/internal/api"
	"github.com/matheus3301/courier/internal/lock"
	"github.com/matheus3301/courier/internal/remote/remotetest"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func startDaemon(t *testing.T) (*fxtest.App, *remotetest.Fake, string) {
	t.Helper()
	// Use a short path to avoid macOS 104-char Unix socket limit.
	tmpDir, err := os.MkdirTemp("/tmp", "courier-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	prev := account.Root
	account.Root = tmpDir
	t.Cleanup(func() { account.Root = prev })

	fake := remotetest.New()
	socketPath := filepath.Join(tmpDir, "d.sock")
	app := fxtest.New(t, Module(Params{
		Account:    "test",
		SocketPath: socketPath,
		LogLevel:   zapcore.WarnLevel,
		Channel:    fake,
		OwnerID:    "me",
	}))
	app.RequireStart()
	return app, fake, socketPath
}

func dial(t *testing.T, socketPath string) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestDaemonLifecycle(t *testing.T) {
	app, fake, socketPath := startDaemon(t)
	defer app.RequireStop()

	conn := dial(t, socketPath)
	client := api.NewClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := client.Call(ctx, "Status", nil)
	if err != nil {
		t.Fatalf("Status error = %v", err)
	}
	if got := st.Fields["account"].GetStringValue(); got != "test" {
		t.Errorf("account = %q, want test", got)
	}
	if got := st.Fields["owner_id"].GetStringValue(); got != "me" {
		t.Errorf("owner_id = %q, want me", got)
	}

	composed, err := client.Call(ctx, "Compose", map[string]any{
		"conversation_id": "conv",
		"client_id":       "c1",
		"body":            "hello",
	})
	if err != nil {
		t.Fatalf("Compose error = %v", err)
	}
	if got := composed.Fields["status"].GetStringValue(); got != "pending" {
		t.Errorf("composed status = %q, want pending", got)
	}

	// The session becomes ready against the fake and the queue sends.
	deadline := time.Now().Add(3 * time.Second)
	for {
		list, err := client.Call(ctx, "ListMessages", map[string]any{"conversation_id": "conv"})
		if err != nil {
			t.Fatalf("ListMessages error = %v", err)
		}
		msgs := list.Fields["messages"].GetListValue().GetValues()
		if len(msgs) != 1 {
			t.Fatalf("expected 1 message, got %d", len(msgs))
		}
		m := msgs[0].GetStructValue().Fields
		if m["status"].GetStringValue() == "sent" {
			if got := m["external_id"].GetStringValue(); got != "ext-c1" {
				t.Errorf("external_id = %q, want ext-c1", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message not sent, status %q", m["status"].GetStringValue())
		}
		time.Sleep(20 * time.Millisecond)
	}
	if n := len(fake.Sends()); n != 1 {
		t.Errorf("sends = %d, want 1", n)
	}
}

func TestHealthServing(t *testing.T) {
	app, _, socketPath := startDaemon(t)
	defer app.RequireStop()

	hc := healthpb.NewHealthClient(dial(t, socketPath))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: api.ServiceName})
		if err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("health = %v, err = %v", resp.GetStatus(), err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSecondDaemonRefused(t *testing.T) {
	app, _, _ := startDaemon(t)
	defer app.RequireStop()

	_, err := lock.Acquire(account.LockPath("test"), "test")
	var held *lock.HeldError
	if !errors.As(err, &held) {
		t.Fatalf("Acquire error = %v, want HeldError", err)
	}
	if held.Holder.PID != os.Getpid() {
		t.Errorf("holder pid = %d, want %d", held.Holder.PID, os.Getpid())
	}
}

func TestStopReleasesLock(t *testing.T) {
	app, _, socketPath := startDaemon(t)
	app.RequireStop()

	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket still present: %v", err)
	}
	l, err := lock.Acquire(account.LockPath("test"), "test")
	if err != nil {
		t.Fatalf("Acquire after stop error = %v", err)
	}
	_ = l.Release()
}
