package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fnrun/gateway/internal/logcodec"
	"github.com/fnrun/gateway/internal/spec"
	"github.com/fnrun/gateway/internal/worker"
	"github.com/google/uuid"
	"github.com/matgreaves/run"
)

// triggersParsedData mirrors the shape trigger.Loader already parses out
// of a SYSTEM/triggers-parsed record, duplicated here since the loader's
// type is unexported: a flat array, not a per-invocation map.
type triggersParsedData struct {
	TriggerDefinitions []spec.TriggerDefinition `json:"triggerDefinitions"`
}

// handleInvoke implements the invocation proxy algorithm of spec.md §4.7
// for every developer-visible and sibling-internal route.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	triggerName := r.PathValue("triggerName")
	projectID := r.PathValue("projectId")
	if projectID == "" {
		projectID = s.cfg.ProjectID
	}

	body, err := drainBody(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read body: "+err.Error())
		return
	}
	bodyIsValidJSON := len(body) == 0 || json.Valid(body)

	invocationID := uuid.NewString()

	bundle := spec.RuntimeBundle{
		ProjectID: projectID,
		Cwd:       s.cfg.FunctionsDir,
		TriggerID: triggerName,
	}
	if len(body) > 0 && bodyIsValidJSON {
		bundle.Proto = json.RawMessage(body)
	}

	rt, err := worker.Spawn(r.Context(), bundle, worker.Options{
		NodeBinary: s.cfg.NodeBinary,
		EntryPath:  s.cfg.EntryPath,
	})
	if err != nil {
		s.log.Error("spawn failed", "trigger", triggerName, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("%w: %v", ErrSpawnFailed, err).Error())
		return
	}
	s.opLog.Publish(OperationalEvent{Type: EventWorkerSpawned, Trigger: triggerName})

	invokeCtx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.forwardInvocationLogs(invokeCtx, rt)

	// The triggers-parsed waiter is attached before awaiting ready, per
	// spec.md §4.3: worker initialization emits triggers-parsed during
	// startup and may do so before ready fires.
	parsedCh := make(chan logcodec.LogRecord, 1)
	parsedErrCh := make(chan error, 1)
	go func() {
		rec, err := worker.WaitForLog(invokeCtx, rt, logcodec.System, "triggers-parsed", nil)
		if err != nil {
			parsedErrCh <- err
			return
		}
		parsedCh <- rec
	}()

	if _, err := rt.Ready(invokeCtx); err != nil {
		s.log.Error("worker exited before ready", "trigger", triggerName, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("%w: %v", ErrWorkerExitedBeforeReady, err).Error())
		return
	}

	var parsed logcodec.LogRecord
	select {
	case parsed = <-parsedCh:
	case err := <-parsedErrCh:
		writeError(w, http.StatusInternalServerError, fmt.Errorf("%w: %v", ErrUnknownTrigger, err).Error())
		return
	case <-invokeCtx.Done():
		writeError(w, http.StatusInternalServerError, invokeCtx.Err().Error())
		return
	}

	def, ok := lookupInvocationTrigger(parsed, triggerName)
	if !ok {
		writeError(w, http.StatusInternalServerError, ErrUnknownTrigger.Error())
		return
	}

	if !def.Supported() {
		writeError(w, http.StatusInternalServerError, ErrUnsupportedTrigger.Error())
		return
	}

	service := "https"
	if def.Kind == spec.EventTrigger {
		service = def.Service
	}
	s.opLog.Publish(OperationalEvent{Type: EventInvocationStarted, Trigger: triggerName, Service: service})

	start := time.Now()
	var handlerErr error
	if def.Kind == spec.EventTrigger {
		if !bodyIsValidJSON {
			writeError(w, http.StatusBadRequest, ErrBadPayload.Error())
			handlerErr = ErrBadPayload
		} else {
			handlerErr = s.acknowledgeEventTrigger(invokeCtx, w, rt)
		}
	} else {
		handlerErr = s.proxyHTTPTrigger(invokeCtx, w, r, rt, body)
	}

	exitInfo, _ := rt.Exit(context.Background())
	evt := OperationalEvent{
		Type:     EventInvocationCompleted,
		Trigger:  triggerName,
		Service:  service,
		ExitCode: exitInfo.Code,
	}
	if handlerErr != nil {
		evt.Error = handlerErr.Error()
	}
	s.opLog.Publish(evt)
	s.opLog.Publish(OperationalEvent{Type: EventWorkerExited, Trigger: triggerName, ExitCode: exitInfo.Code})

	s.log.Debug("invocation complete", "id", invocationID, "trigger", triggerName, "duration", time.Since(start))
}

// lookupInvocationTrigger finds name within a triggers-parsed record's
// data.triggerDefinitions array, the same shape trigger.Loader parses.
func lookupInvocationTrigger(rec logcodec.LogRecord, name string) (spec.TriggerDefinition, bool) {
	raw, ok := rec.Data["triggerDefinitions"]
	if !ok {
		return spec.TriggerDefinition{}, false
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return spec.TriggerDefinition{}, false
	}
	var data triggersParsedData
	if err := json.Unmarshal(b, &data); err != nil {
		return spec.TriggerDefinition{}, false
	}
	for _, def := range data.TriggerDefinitions {
		if def.Name == name {
			return def, true
		}
	}
	return spec.TriggerDefinition{}, false
}

// acknowledgeEventTrigger waits for the worker to exit, then replies with
// the literal acknowledgement body of spec.md §4.7 step 6. A non-zero
// exit still ACKs — see spec.md §9's open question, resolved in
// DESIGN.md to match the source's undistinguishing behavior.
func (s *Server) acknowledgeEventTrigger(ctx context.Context, w http.ResponseWriter, rt *worker.Runtime) error {
	if _, err := rt.Exit(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
	return nil
}

// proxyHTTPTrigger opens a client connection over the IPC socket the
// worker announced in its ready record and forwards the request/response,
// grounded on internal/server/proxy/http.go's reverse-proxy pattern
// adapted to a unix socket dialer, and on runWithLifecycle's run.Group
// pattern (internal/server/lifecycle.go) for racing the IPC call against
// a concurrent watch for a FATAL worker log.
func (s *Server) proxyHTTPTrigger(ctx context.Context, w http.ResponseWriter, r *http.Request, rt *worker.Runtime, body []byte) error {
	info, err := rt.Ready(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return err
	}

	var headersOnce sync.Once
	writeHeaders := func(status int, header http.Header) {
		headersOnce.Do(func() {
			for k, vs := range header {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(status)
		})
	}

	group := run.Group{
		"ipc":   run.Func(func(ctx context.Context) error { return forwardOverSocket(ctx, w, r, info.SocketPath, body, writeHeaders) }),
		"fatal": run.Func(func(ctx context.Context) error { return watchFatal(ctx, rt, w, &headersOnce) }),
	}
	err = group.Run(ctx)
	if err == errFatalHandled || err == nil {
		return nil
	}
	writeHeaders(http.StatusBadGateway, nil)
	return fmt.Errorf("%w: %v", ErrIPCTransport, err)
}

// errFatalHandled signals that the FATAL watcher wrote the outbound
// diagnostic body and ended the response; it is not a real failure.
var errFatalHandled = fmt.Errorf("worker emitted FATAL")

// forwardOverSocket performs the actual worker-facing HTTP round trip.
func forwardOverSocket(ctx context.Context, w http.ResponseWriter, r *http.Request, socketPath string, body []byte, writeHeaders func(int, http.Header)) error {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	client := &http.Client{Transport: transport}

	req, err := http.NewRequestWithContext(ctx, r.Method, "http://unix"+r.URL.RequestURI(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = r.Header.Clone()

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	writeHeaders(status, resp.Header)

	fw := flushWriter{w}
	_, err = io.Copy(fw, resp.Body)
	return err
}

// watchFatal waits for a FATAL worker log and, if one arrives before the
// IPC leg finishes, writes the log text into the outbound body as a
// best-effort diagnostic before ending it — spec.md §7's FATAL behavior.
func watchFatal(ctx context.Context, rt *worker.Runtime, w http.ResponseWriter, headersOnce *sync.Once) error {
	rec, err := worker.WaitForLog(ctx, rt, logcodec.Fatal, "", nil)
	if err != nil {
		if err == worker.ErrNoMatchingLog {
			// The worker exited without ever emitting FATAL — a normal
			// outcome, not a failure. There is nothing left to watch
			// for, so wait out the race instead of returning now: a
			// nil return here would make run.Group treat us as the
			// side that finished first and cancel the still-in-flight
			// IPC leg, truncating a legitimate in-progress response.
			<-ctx.Done()
		}
		return ctx.Err()
	}
	headersOnce.Do(func() {
		w.WriteHeader(http.StatusInternalServerError)
	})
	io.WriteString(w, rec.Text)
	return errFatalHandled
}

// flushWriter flushes after every write when the underlying
// ResponseWriter supports it, so the worker's response streams to the
// client incrementally instead of buffering until the handler returns.
type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if flusher, ok := f.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return n, err
}

// forwardInvocationLogs routes a worker's non-control log records to the
// display subsystem for the duration of one invocation.
func (s *Server) forwardInvocationLogs(ctx context.Context, rt *worker.Runtime) {
	for rec := range worker.Follow(ctx, rt) {
		if rec.Level == logcodec.System {
			continue
		}
		s.log.Info("worker log", "level", rec.Level, "type", rec.Type, "text", rec.Text)
	}
}
