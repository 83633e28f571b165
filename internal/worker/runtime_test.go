package worker_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fnrun/gateway/internal/logcodec"
	"github.com/fnrun/gateway/internal/spec"
	"github.com/fnrun/gateway/internal/worker"
)

// writeScript drops an executable shell script into a temp dir and
// returns its path, standing in for a worker's real entry point so
// these tests never depend on a Node.js install.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSpawn_ReadySignalsSocketPath(t *testing.T) {
	script := writeScript(t, `
echo '{"level":"SYSTEM","type":"runtime-status","text":"ready","data":{"socketPath":"/tmp/w.sock"}}'
sleep 0.2
`)
	rt, err := worker.Spawn(context.Background(), spec.RuntimeBundle{Cwd: "."}, worker.Options{
		NodeBinary: "/bin/sh",
		EntryPath:  script,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, err := rt.Ready(ctx)
	if err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if info.SocketPath != "/tmp/w.sock" {
		t.Errorf("socketPath = %q, want /tmp/w.sock", info.SocketPath)
	}
	if got := rt.Metadata()["socketPath"]; got != "/tmp/w.sock" {
		t.Errorf("Metadata()[socketPath] = %q", got)
	}
}

func TestSpawn_ExitBeforeReadyUnblocksReady(t *testing.T) {
	script := writeScript(t, `exit 0`)
	rt, err := worker.Spawn(context.Background(), spec.RuntimeBundle{Cwd: "."}, worker.Options{
		NodeBinary: "/bin/sh",
		EntryPath:  script,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := rt.Ready(ctx); err != worker.ErrWorkerExitedBeforeReady {
		t.Fatalf("Ready err = %v, want ErrWorkerExitedBeforeReady", err)
	}

	exitInfo, err := rt.Exit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if exitInfo.Code != 0 {
		t.Errorf("exit code = %d, want 0", exitInfo.Code)
	}
}

func TestSpawn_FatalLogKillsWorker(t *testing.T) {
	script := writeScript(t, `
echo '{"level":"FATAL","type":"log","text":"boom"}'
sleep 5
`)
	rt, err := worker.Spawn(context.Background(), spec.RuntimeBundle{Cwd: "."}, worker.Options{
		NodeBinary: "/bin/sh",
		EntryPath:  script,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := worker.WaitForLog(ctx, rt, logcodec.System, "runtime-status", func(r logcodec.LogRecord) bool {
		return r.Text == "killed"
	}); err != nil {
		t.Fatalf("expected synthetic killed record, got err: %v", err)
	}

	if _, err := rt.Exit(ctx); err != nil {
		t.Fatalf("worker did not exit after FATAL-triggered kill: %v", err)
	}
}

func TestRuntime_KillIsIdempotent(t *testing.T) {
	script := writeScript(t, `sleep 5`)
	rt, err := worker.Spawn(context.Background(), spec.RuntimeBundle{Cwd: "."}, worker.Options{
		NodeBinary: "/bin/sh",
		EntryPath:  script,
	})
	if err != nil {
		t.Fatal(err)
	}

	rt.Kill(nil)
	rt.Kill(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := rt.Exit(ctx); err != nil {
		t.Fatal(err)
	}

	killed := 0
	for _, rec := range worker.AllLogs(rt) {
		if rec.Level == logcodec.System && rec.Text == "killed" {
			killed++
		}
	}
	if killed != 1 {
		t.Errorf("killed records = %d, want exactly 1", killed)
	}
}

func TestWaitForLog_SeesRecordPublishedBeforeCall(t *testing.T) {
	script := writeScript(t, `
echo '{"level":"INFO","type":"log","text":"early"}'
sleep 0.3
`)
	rt, err := worker.Spawn(context.Background(), spec.RuntimeBundle{Cwd: "."}, worker.Options{
		NodeBinary: "/bin/sh",
		EntryPath:  script,
	})
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(150 * time.Millisecond) // let the line land before we wait on it

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, err := worker.WaitForLog(ctx, rt, logcodec.Info, "log", nil)
	if err != nil {
		t.Fatalf("WaitForLog: %v", err)
	}
	if rec.Text != "early" {
		t.Errorf("text = %q, want early", rec.Text)
	}
}
