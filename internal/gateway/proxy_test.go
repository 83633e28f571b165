package gateway_test

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestHandleInvoke_HTTPTrigger_RoundTripsOverUnixSocket exercises
// proxyHTTPTrigger/forwardOverSocket end to end (spec.md §1's "hard
// part" and its testable property 8 / scenario S1): a real worker
// listens on a Unix-domain socket, and an HTTP-trigger invocation must
// forward the request body and surface the worker's response body and
// headers unchanged. The "worker" process itself only ever needs to
// emit the log records the gateway reacts to — the actual IPC socket is
// served by a real net/http server this test owns, exactly as a real
// worker's own HTTP listener would be.
func TestHandleInvoke_HTTPTrigger_RoundTripsOverUnixSocket(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "worker.sock")
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Echo", "1")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	})
	go http.Serve(ln, mux)

	script := writeScript(t, fmt.Sprintf(`
echo '{"level":"SYSTEM","type":"runtime-status","text":"ready","data":{"socketPath":%q}}'
echo '{"level":"SYSTEM","type":"triggers-parsed","text":"","data":{"triggerDefinitions":[{"name":"echo","kind":"http","region":"us-central1"}]}}'
sleep 0.3
exit 0
`, socketPath))
	s := newTestServer(t, script)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/demo-project/us-central1/echo", strings.NewReader("hello-world"))
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != "hello-world" {
		t.Errorf("body = %q, want hello-world", rr.Body.String())
	}
	if got := rr.Header().Get("X-Echo"); got != "1" {
		t.Errorf("X-Echo header = %q, want 1", got)
	}
}

// TestHandleInvoke_FatalMidInvocationWritesDiagnosticBody covers
// spec.md's scenario S4: a FATAL log arriving while the IPC leg is
// still in flight must win the race in proxyHTTPTrigger's run.Group,
// short-circuit the slow worker response, and surface the FATAL text
// as the outbound body with a 500 status instead of hanging for the
// worker's real (never-arriving-in-time) response. The worker-side
// process is killed by the FATAL record (internal/worker.Runtime's
// dispatch loop); TestRuntime_KillIsIdempotent in
// internal/worker/runtime_test.go already confirms that kill publishes
// exactly one synthetic "killed" record regardless of how many Kill
// paths race to trigger it.
func TestHandleInvoke_FatalMidInvocationWritesDiagnosticBody(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "worker.sock")
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// Slow enough that the FATAL record below always wins the race.
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	})
	go http.Serve(ln, mux)

	script := writeScript(t, fmt.Sprintf(`
echo '{"level":"SYSTEM","type":"runtime-status","text":"ready","data":{"socketPath":%q}}'
echo '{"level":"SYSTEM","type":"triggers-parsed","text":"","data":{"triggerDefinitions":[{"name":"crash","kind":"http","region":"us-central1"}]}}'
echo '{"level":"FATAL","type":"error","text":"boom: out of memory"}'
sleep 5
`, socketPath))
	s := newTestServer(t, script)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/demo-project/us-central1/crash", strings.NewReader("payload"))
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500, body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "boom: out of memory") {
		t.Errorf("body = %q, want it to contain the FATAL text", rr.Body.String())
	}
}
