// Package gateway implements the external-facing HTTP server: routing,
// CORS, trigger enumeration, and the invocation proxy that binds a
// request to a freshly spawned worker.
package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/fnrun/gateway/internal/registry"
	"github.com/fnrun/gateway/internal/sibling"
	"github.com/fnrun/gateway/internal/spec"
	"github.com/fnrun/gateway/internal/trigger"
	"github.com/rs/cors"
)

// Config is the gateway's fixed startup configuration, matching the
// fields the teacher's cmd/rigd/main.go reads from flags/env.
type Config struct {
	Host         string
	Port         int
	ProjectID    string
	FunctionsDir string
	NodeBinary   string
	EntryPath    string
	// ReloadDebounce overrides the trailing-edge debounce window the
	// trigger watcher coalesces filesystem events into. Zero uses the
	// watcher's own default.
	ReloadDebounce spec.Duration
}

// Server is the gateway HTTP server. It owns the trigger table (via its
// Loader), the worker-facing invocation proxy, and the diagnostic
// operational event log, grounded on the teacher's Server
// (internal/server/server.go): an http.ServeMux built once in the
// constructor, a mutex-guarded map of live state (here: none beyond the
// Loader's own), and writeJSON/writeError helpers.
type Server struct {
	cfg    Config
	mux    *http.ServeMux
	loader *trigger.Loader
	ports  registry.PortDirectory
	opLog  *OperationalLog
	log    *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

// New builds a Server and registers all HTTP routes. It does not start
// listening — call Start for that.
func New(cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	ports := registry.NewInMemory()
	registrar := sibling.NewRegistrar()
	registrar.Log = log
	loader := trigger.New(trigger.Config{
		ProjectID:    cfg.ProjectID,
		FunctionsDir: cfg.FunctionsDir,
		NodeBinary:   cfg.NodeBinary,
		EntryPath:    cfg.EntryPath,
	}, registrar, ports, log)

	s := &Server{
		cfg:    cfg,
		mux:    http.NewServeMux(),
		loader: loader,
		ports:  ports,
		opLog:  NewOperationalLog(),
		log:    log,
	}
	s.routes()
	return s
}

// SetSiblingPort records the port a sibling emulator (e.g. "firestore")
// can be reached at. Called by the CLI shell once it knows its siblings'
// assigned ports.
func (s *Server) SetSiblingPort(service, port string) {
	s.ports.(*registry.InMemory).Set(service, port)
}

// Handler wraps the gateway's mux with the CORS policy of spec.md §4.6.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS", "POST"},
		AllowedHeaders: []string{"Origin", "X-Requested-With", "Content-Type", "Authorization", "Accept"},
	})
	return c.Handler(s.mux)
}

// Start begins listening on cfg.Host:cfg.Port and serving in a background
// goroutine. It does not block; use Stop to close the listener.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go http.Serve(ln, s.Handler())
	return nil
}

// Connect runs the first trigger load and installs the filesystem watcher,
// matching the CLI surface's connect() of spec.md §6. Blocks until ctx is
// cancelled; run it in its own goroutine.
func (s *Server) Connect(ctx context.Context) error {
	w := trigger.NewWatcher(s.loader, s.cfg.FunctionsDir, s.cfg.ReloadDebounce, s.log)
	return w.Run(ctx)
}

// Stop closes the listening socket. It does not await graceful drain —
// matching the teacher's httpSrv.Shutdown(ctx) being the caller's
// responsibility, not the core's (cmd/rigd/main.go).
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	s.ln = nil
	return err
}

// GetInfo returns the host/port from the gateway's configuration. With a
// configured port of 0 it returns 0, not the port the listener chose.
func (s *Server) GetInfo() (host string, port int) {
	return s.cfg.Host, s.cfg.Port
}

// GetTriggers returns the current trigger definitions.
func (s *Server) GetTriggers() []spec.TriggerDefinition {
	table := s.loader.Table()
	out := make([]spec.TriggerDefinition, 0, len(table))
	for _, def := range table {
		out = append(out, def)
	}
	return out
}
