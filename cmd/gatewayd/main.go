package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fnrun/gateway/internal/gateway"
	"github.com/fnrun/gateway/internal/spec"
)

func main() {
	host := flag.String("host", "127.0.0.1", "listen host")
	port := flag.Int("port", 8090, "listen port")
	projectID := flag.String("project", "demo-project", "default GCP-style project id")
	functionsDir := flag.String("functions-dir", ".", "directory containing the functions source tree")
	nodeBinary := flag.String("node-binary", "node", "interpreter used to run worker entry points")
	entryPath := flag.String("entry", "", "worker runtime entry script")
	siblings := flag.String("siblings", "", "comma-separated service=host:port pairs for sibling emulators, e.g. firestore=127.0.0.1:8080; only the port is used, siblings are contacted on localhost")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	reloadDebounce := flag.Duration("reload-debounce", time.Second, "trailing-edge idle window filesystem changes are coalesced into before a trigger reload (0 selects the watcher's built-in 1s default, not a disabled debounce)")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(log)

	if *entryPath == "" {
		if env := os.Getenv("FN_GATEWAY_ENTRY"); env != "" {
			*entryPath = env
		} else {
			fmt.Fprintln(os.Stderr, "gatewayd: -entry is required (or set FN_GATEWAY_ENTRY)")
			os.Exit(1)
		}
	}

	s := gateway.New(gateway.Config{
		Host:           *host,
		Port:           *port,
		ProjectID:      *projectID,
		FunctionsDir:   *functionsDir,
		NodeBinary:     *nodeBinary,
		EntryPath:      *entryPath,
		ReloadDebounce: spec.Duration{Duration: *reloadDebounce},
	}, log)

	for service, addr := range parseSiblings(*siblings) {
		parts := strings.SplitN(addr, ":", 2)
		if len(parts) != 2 {
			log.Warn("ignoring malformed sibling address", "service", service, "addr", addr)
			continue
		}
		s.SetSiblingPort(service, parts[1])
	}

	if err := s.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "gatewayd: listen: %v\n", err)
		os.Exit(1)
	}
	h, p := s.GetInfo()
	log.Info("gatewayd listening", "host", h, "port", p)

	ctx, cancel := context.WithCancel(context.Background())
	connectErr := make(chan error, 1)
	go func() { connectErr <- s.Connect(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig)
	case err := <-connectErr:
		if err != nil && err != context.Canceled {
			log.Error("trigger watcher stopped", "error", err)
		}
	}

	cancel()
	if err := s.Stop(); err != nil {
		log.Error("shutdown error", "error", err)
	}
}

// parseSiblings parses "svc1=host:port,svc2=host:port" into a map.
func parseSiblings(s string) map[string]string {
	out := make(map[string]string)
	if s == "" {
		return out
	}
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
