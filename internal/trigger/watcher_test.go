package trigger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fnrun/gateway/internal/spec"
)

func TestIgnoredPath(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"/fn/index.js", false},
		{"/fn/node_modules/pkg/index.js", true},
		{"/fn/.git/HEAD", true},
		{"/fn/debug.log", true},
		{"/fn/src/handler.ts", false},
	}
	for _, c := range cases {
		if got := ignoredPath(c.path); got != c.want {
			t.Errorf("ignoredPath(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}

func TestWatcher_Run_DebouncesReloadOnFileChange(t *testing.T) {
	dir := t.TempDir()
	// Each diagnostic spawn appends one line here, outside the watched dir.
	spawnLog := filepath.Join(t.TempDir(), "spawns")
	script := writeScript(t, `
echo x >> `+spawnLog+`
echo '{"level":"SYSTEM","type":"triggers-parsed","text":"","data":{"triggerDefinitions":[]}}'
exit 0
`)

	l := New(Config{ProjectID: "demo-project", FunctionsDir: dir, NodeBinary: "/bin/sh", EntryPath: script}, nil, nil, nil)
	w := NewWatcher(l, dir, spec.Duration{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- w.Run(ctx) }()

	time.Sleep(200 * time.Millisecond) // let the immediate first load + watch setup settle

	if err := os.WriteFile(filepath.Join(dir, "index.js"), []byte("// changed"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Debounce window is 1s; give it room to fire, and check that Run
	// keeps running past it.
	select {
	case err := <-runDone:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(1500 * time.Millisecond):
	}

	cancel()
	<-runDone

	// The write's create and write events coalesce into one reload, so
	// exactly two diagnostic spawns ran: the immediate first load and it.
	data, err := os.ReadFile(spawnLog)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(data), "x"); got != 2 {
		t.Errorf("diagnostic spawns = %d, want 2 (first load plus one debounced reload)", got)
	}
}

func TestNewWatcher_DebounceWindow(t *testing.T) {
	l := New(Config{}, nil, nil, nil)

	w := NewWatcher(l, t.TempDir(), spec.Duration{}, nil)
	if w.debounce != defaultDebounceWindow {
		t.Errorf("zero spec.Duration: debounce = %v, want default %v", w.debounce, defaultDebounceWindow)
	}

	w = NewWatcher(l, t.TempDir(), spec.Duration{Duration: 50 * time.Millisecond}, nil)
	if w.debounce != 50*time.Millisecond {
		t.Errorf("explicit spec.Duration: debounce = %v, want 50ms", w.debounce)
	}
}
