package childdriver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeDriverScript writes a tiny shell script that behaves like a
// single-session WebDriver: after sleeping readyDelay seconds it binds the
// port passed via --port=N and answers every GET (including /status) with
// {"value":{"ready":true}}.
func fakeDriverScript(t *testing.T, readyDelay string) string {
	t.Helper()
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("fake driver script requires a POSIX shell")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "fake-driver.sh")
	script := `#!/bin/sh
port=""
for arg in "$@"; do
  case "$arg" in
    --port=*) port="${arg#--port=}" ;;
  esac
done
sleep "` + readyDelay + `"
exec python3 -c "
import http.server, socketserver, json
class H(http.server.BaseHTTPRequestHandler):
    def do_GET(self):
        self.send_response(200)
        self.send_header('Content-Type', 'application/json')
        self.end_headers()
        self.wfile.write(json.dumps({'value': {'ready': True}}).encode())
    def log_message(self, *a): pass
with socketserver.TCPServer(('127.0.0.1', $port), H) as httpd:
    httpd.serve_forever()
"
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fake driver script: %v", err)
	}
	return path
}

func TestSpawnBecomesReady(t *testing.T) {
	if _, err := os.Stat("/usr/bin/python3"); err != nil {
		t.Skip("python3 not available for fake driver script")
	}
	script := fakeDriverScript(t, "0")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	child, err := Spawn(ctx, script, freePort(t), nil, 3*time.Second, testLogger())
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}
	defer child.Shutdown()

	if !child.IsAlive() {
		t.Error("IsAlive() = false, want true right after spawn")
	}
}

func TestSpawnTimesOutWhenNeverReady(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// The script sleeps 10s before serving /status, so readiness must time out.
	script := fakeDriverScript(t, "10")
	_, err := Spawn(ctx, script, freePort(t), nil, 300*time.Millisecond, testLogger())
	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("Spawn() error = %v, want ErrStartupTimeout when the child never becomes ready", err)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	if _, err := os.Stat("/usr/bin/python3"); err != nil {
		t.Skip("python3 not available for fake driver script")
	}
	script := fakeDriverScript(t, "0")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	child, err := Spawn(ctx, script, freePort(t), nil, 3*time.Second, testLogger())
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}

	if err := child.Shutdown(); err != nil {
		t.Fatalf("first Shutdown() error: %v", err)
	}
	if err := child.Shutdown(); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
	if child.IsAlive() {
		t.Error("IsAlive() = true after Shutdown()")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("allocating a free port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}
