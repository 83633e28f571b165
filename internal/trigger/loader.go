// Package trigger runs diagnostic worker cycles to discover a project's
// trigger definitions and registers newly discovered event triggers with
// sibling emulators.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fnrun/gateway/internal/logcodec"
	"github.com/fnrun/gateway/internal/registry"
	"github.com/fnrun/gateway/internal/sibling"
	"github.com/fnrun/gateway/internal/spec"
	"github.com/fnrun/gateway/internal/worker"
)

// Config is the fixed, per-project configuration a Loader spawns
// diagnostic workers with.
type Config struct {
	ProjectID    string
	FunctionsDir string
	NodeBinary   string
	EntryPath    string
}

// Loader owns the current trigger table and known-registration set for
// one project, and runs the diagnostic spawn cycle of spec §4.4.
type Loader struct {
	cfg       Config
	registrar *sibling.Registrar
	ports     registry.PortDirectory
	log       *slog.Logger

	// loadMu serializes the entire Load body (spawn, await, table swap,
	// register loop) per spec §5: concurrent reloads from other code
	// paths — the debounced watcher and a direct caller such as
	// handleEnumerate — must never interleave, since register/known.Add
	// below mutate shared registration state outside of mu's critical
	// section.
	loadMu sync.Mutex

	mu    sync.RWMutex
	table spec.Table
	known *spec.KnownSet
}

// New returns a Loader with an empty trigger table.
func New(cfg Config, registrar *sibling.Registrar, ports registry.PortDirectory, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	return &Loader{
		cfg:       cfg,
		registrar: registrar,
		ports:     ports,
		log:       log,
		table:     make(spec.Table),
		known:     spec.NewKnownSet(),
	}
}

// Table returns a snapshot pointer to the current trigger table. Readers
// share the snapshot for the duration of one invocation; the Loader never
// mutates a table in place, only swaps it wholesale.
func (l *Loader) Table() spec.Table {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.table
}

// triggersParsedData is the shape of a SYSTEM/triggers-parsed record's
// data field that the loader cares about.
type triggersParsedData struct {
	TriggerDefinitions []spec.TriggerDefinition `json:"triggerDefinitions"`
}

// Load spawns one diagnostic worker (empty trigger id), waits for its
// triggers-parsed record, and on success replaces the trigger table
// wholesale before registering any newly discovered event triggers with
// their sibling emulators. Loader errors are returned to the caller (who
// should log WARN and leave the previous table in place) rather than
// panicking or silently swallowing them.
func (l *Loader) Load(ctx context.Context) error {
	l.loadMu.Lock()
	defer l.loadMu.Unlock()

	bundle := spec.RuntimeBundle{
		ProjectID: l.cfg.ProjectID,
		Cwd:       l.cfg.FunctionsDir,
		TriggerID: "",
	}

	rt, err := worker.Spawn(ctx, bundle, worker.Options{
		NodeBinary: l.cfg.NodeBinary,
		EntryPath:  l.cfg.EntryPath,
	})
	if err != nil {
		return fmt.Errorf("trigger loader: spawn diagnostic worker: %w", err)
	}

	// The waiter is logically installed before the worker can possibly
	// emit triggers-parsed, matching spec §4.3's attach-before-emit
	// requirement; the underlying log is fully retained so this call
	// would find the record even if it were issued after emission.
	go l.forwardLogs(rt)

	rec, err := worker.WaitForLog(ctx, rt, logcodec.System, "triggers-parsed", nil)
	if err != nil {
		rt.Kill(nil)
		return fmt.Errorf("trigger loader: await triggers-parsed: %w", err)
	}

	var data triggersParsedData
	if raw, ok := rec.Data["triggerDefinitions"]; ok {
		b, err := json.Marshal(raw)
		if err == nil {
			json.Unmarshal(b, &data.TriggerDefinitions)
		}
	}

	next := make(spec.Table, len(data.TriggerDefinitions))
	for _, def := range data.TriggerDefinitions {
		next[def.Name] = def
	}

	l.mu.Lock()
	l.table = next
	known := l.known
	l.mu.Unlock()

	for _, name := range next.Diff(known) {
		l.register(ctx, next[name])
		known.Add(name)
	}

	return nil
}

// register handles one newly discovered trigger per the rules of §4.4:
// HTTP triggers are logged with their public URL, firestore triggers
// with a known sibling port are registered, everything else logs WARN
// and is left unsupported in the table.
func (l *Loader) register(ctx context.Context, def spec.TriggerDefinition) {
	switch {
	case def.Kind == spec.HTTPTrigger:
		l.log.Info("trigger discovered",
			"name", def.Name,
			"kind", "http",
			"url", fmt.Sprintf("http://localhost/%s/%s/%s", l.cfg.ProjectID, def.Region, def.Name))
	case def.Service == "firestore":
		port, ok := l.ports.SiblingPort("firestore")
		if !ok {
			l.log.Warn("unsupported service: firestore sibling port unknown", "name", def.Name)
			return
		}
		if err := l.registrar.Register(ctx, "localhost", port, l.cfg.ProjectID, def.Name, def.EventTrigger); err != nil {
			l.log.Warn("sibling registration failed", "name", def.Name, "error", err)
		}
	default:
		l.log.Warn("unsupported service", "name", def.Name, "service", def.Service)
	}
}

// forwardLogs routes a diagnostic worker's non-control log records to the
// display subsystem. The diagnostic worker exits on its own once it has
// reported its triggers; this goroutine exits with it.
func (l *Loader) forwardLogs(rt *worker.Runtime) {
	for rec := range worker.Follow(context.Background(), rt) {
		if rec.Level == logcodec.System {
			continue
		}
		l.log.Info("worker log", "level", rec.Level, "type", rec.Type, "text", rec.Text)
	}
}
