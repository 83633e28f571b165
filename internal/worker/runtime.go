// Package worker supervises one spawned worker process: it tees stdout
// and stderr through the log codec, exposes one-shot ready/exit signals,
// and enforces the FATAL-kills-worker contract of spec §4.2.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/fnrun/gateway/internal/logcodec"
	"github.com/fnrun/gateway/internal/spec"
	"github.com/matgreaves/run/onexit"
)

// Sentinel errors for the per-invocation failure modes of spec §7.
var (
	ErrSpawnFailed           = errors.New("worker: spawn failed")
	ErrWorkerExitedBeforeReady = errors.New("worker: exited before ready")
)

// ReadyInfo is the payload of the SYSTEM/runtime-status="ready" record.
type ReadyInfo struct {
	SocketPath string
}

// ExitInfo describes how a worker terminated.
type ExitInfo struct {
	Code     int
	Signaled bool
	Err      error // non-nil only for exec-layer failures, not normal non-zero exits
}

// Options configures a spawn beyond the bundle itself.
type Options struct {
	// NodeBinary is the interpreter used to run the worker entry point.
	NodeBinary string
	// EntryPath is the runtime entry script the worker executes.
	EntryPath string
	// Cached, when non-nil, is injected as the worker's triggersJson
	// argument to skip re-enumeration.
	Cached spec.CachedTriggers
	// ExtraEnv overrides/augments the inherited ambient environment.
	ExtraEnv map[string]string
}

// Runtime is the live handle on one spawned worker process. It is created
// by Spawn, owned exclusively by its caller, and destroyed when Exit
// fires or Kill is invoked, whichever happens first. A Runtime cannot be
// revived.
type Runtime struct {
	cmd *exec.Cmd

	log *eventStream

	readyOnce sync.Once
	readyCh   chan struct{}
	readyInfo ReadyInfo
	readyErr  error

	exitOnce sync.Once
	exitCh   chan struct{}
	exitInfo ExitInfo

	killOnce     sync.Once
	cancelOnexit func() error

	meta struct {
		sync.RWMutex
		m map[string]string
	}
}

// Spawn starts a worker process for bundle and begins supervising it.
// The worker inherits the ambient environment plus opts.ExtraEnv and the
// "node" key naming opts.NodeBinary; cwd is bundle.Cwd. Spawn returns as
// soon as the process has started — it does not wait for readiness.
func Spawn(ctx context.Context, bundle spec.RuntimeBundle, opts Options) (*Runtime, error) {
	bundleJSON, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("%w: encode bundle: %v", ErrSpawnFailed, err)
	}

	triggersArg := "[]"
	if opts.Cached != nil {
		triggersArg = string(opts.Cached)
	}

	cmd := exec.CommandContext(ctx, opts.NodeBinary, opts.EntryPath, string(bundleJSON), triggersArg)
	cmd.Dir = bundle.Cwd
	cmd.Env = buildEnv(opts.NodeBinary, opts.ExtraEnv, bundle.DisabledFeatures)
	// The worker leads its own process group so Kill also reaches any
	// children that inherited its stdout/stderr pipes.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	rt := &Runtime{
		cmd:     cmd,
		log:     newEventStream(),
		readyCh: make(chan struct{}),
		exitCh:  make(chan struct{}),
	}
	rt.meta.m = make(map[string]string)

	// Backup cleanup: if this process is killed ungracefully (SIGKILL,
	// OOM, CI timeout), the worker child doesn't become an orphan.
	if cmd.Process != nil {
		rt.cancelOnexit, _ = onexit.OnExitF("kill -TERM %d", cmd.Process.Pid)
	}

	central := make(chan logcodec.LogRecord, 64)
	var pipesDone sync.WaitGroup
	pipesDone.Add(2)
	go func() {
		defer pipesDone.Done()
		logcodec.New("stdout", central).Run(stdout)
	}()
	go func() {
		defer pipesDone.Done()
		logcodec.New("stderr", central).Run(stderr)
	}()
	go func() {
		pipesDone.Wait()
		close(central)
	}()

	dispatchDone := make(chan struct{})
	go func() {
		rt.dispatch(central)
		close(dispatchDone)
	}()
	go rt.awaitExit(&pipesDone, dispatchDone)

	return rt, nil
}

// dispatch is the Runtime's single serializing goroutine: it publishes
// every record read from the worker's pipes to rt.log and is the only
// place that reacts to FATAL records. The one other writer of rt.log is
// killLocked's synthetic "killed" record; rt.log has its own lock.
func (rt *Runtime) dispatch(central <-chan logcodec.LogRecord) {
	for rec := range central {
		rt.log.publish(rec)

		switch {
		case rec.Level == logcodec.System && rec.Type == "runtime-status" && rec.Text == "ready":
			socketPath, _ := rec.Data["socketPath"].(string)
			rt.readyOnce.Do(func() {
				rt.readyInfo = ReadyInfo{SocketPath: socketPath}
				rt.meta.Lock()
				rt.meta.m["socketPath"] = socketPath
				rt.meta.Unlock()
				close(rt.readyCh)
			})
		case rec.Level == logcodec.Fatal:
			rt.killLocked(syscall.SIGKILL)
		}
	}
}

// awaitExit waits for the process to terminate and records the result.
// It waits for pipesDone before calling cmd.Wait, since Wait is
// documented as unsafe to call before pipe reads obtained via
// StdoutPipe/StderrPipe have completed, and it waits for dispatchDone
// before closing exitCh, so that exitCh closing always means every log
// record the worker ever produced has already been published to rt.log —
// the invariant WaitForLog's NoMatchingLog fallback depends on.
func (rt *Runtime) awaitExit(pipesDone *sync.WaitGroup, dispatchDone <-chan struct{}) {
	pipesDone.Wait()
	err := rt.cmd.Wait()

	info := ExitInfo{}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		info.Code = 0
	case errors.As(err, &exitErr):
		info.Code = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			info.Signaled = status.Signaled()
		}
	default:
		info.Err = err
	}

	<-dispatchDone

	rt.exitOnce.Do(func() {
		rt.exitInfo = info
		close(rt.exitCh)
	})

	rt.readyOnce.Do(func() {
		rt.readyErr = ErrWorkerExitedBeforeReady
		close(rt.readyCh)
	})

	if rt.cancelOnexit != nil {
		rt.cancelOnexit()
	}
}

// Ready blocks until the worker announces its IPC socket, the worker
// exits first (ErrWorkerExitedBeforeReady), or ctx is cancelled.
func (rt *Runtime) Ready(ctx context.Context) (ReadyInfo, error) {
	select {
	case <-rt.readyCh:
		if rt.readyErr != nil {
			return ReadyInfo{}, rt.readyErr
		}
		return rt.readyInfo, nil
	case <-ctx.Done():
		return ReadyInfo{}, ctx.Err()
	}
}

// Exit blocks until the worker process terminates or ctx is cancelled.
func (rt *Runtime) Exit(ctx context.Context) (ExitInfo, error) {
	select {
	case <-rt.exitCh:
		return rt.exitInfo, nil
	case <-ctx.Done():
		return ExitInfo{}, ctx.Err()
	}
}

// Done reports whether the worker has already exited, without blocking.
func (rt *Runtime) Done() bool {
	select {
	case <-rt.exitCh:
		return true
	default:
		return false
	}
}

// Kill terminates the worker with the given signal (SIGKILL if nil) and
// emits a synthetic SYSTEM/runtime-status="killed" record. Idempotent
// and safe after the worker has already exited.
func (rt *Runtime) Kill(sig os.Signal) {
	if sig == nil {
		sig = syscall.SIGKILL
	}
	s, ok := sig.(syscall.Signal)
	if !ok {
		s = syscall.SIGKILL
	}
	rt.killLocked(s)
}

// killLocked performs the actual signal + synthetic-record emission,
// guarded so it runs at most once regardless of whether it was triggered
// by an explicit Kill() or a FATAL log observed by dispatch.
func (rt *Runtime) killLocked(sig syscall.Signal) {
	rt.killOnce.Do(func() {
		if rt.cmd.Process != nil {
			_ = syscall.Kill(-rt.cmd.Process.Pid, sig)
		}
		rt.log.publish(logcodec.LogRecord{
			Level:  logcodec.System,
			Type:   "runtime-status",
			Text:   "killed",
			Stream: "system",
		})
	})
}

// Metadata returns a snapshot of runtime metadata (currently just the
// announced IPC socket path, keyed "socketPath").
func (rt *Runtime) Metadata() map[string]string {
	rt.meta.RLock()
	defer rt.meta.RUnlock()
	out := make(map[string]string, len(rt.meta.m))
	for k, v := range rt.meta.m {
		out[k] = v
	}
	return out
}

// buildEnv merges the ambient environment with the node binary key and
// caller overrides, plus the disabled-feature flags joined as a single
// comma-separated value.
func buildEnv(nodeBinary string, extra map[string]string, disabled []string) []string {
	env := os.Environ()
	env = append(env, "node="+nodeBinary)
	if len(disabled) > 0 {
		env = append(env, "FN_DISABLED_FEATURES="+strings.Join(disabled, ","))
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
