package worker

import (
	"context"
	"errors"

	"github.com/fnrun/gateway/internal/logcodec"
)

// ErrNoMatchingLog is returned by WaitForLog when the worker exits
// without ever publishing a record that matches, per spec §4.3.
var ErrNoMatchingLog = errors.New("worker: no matching log record before exit")

// WaitForLog blocks until rt's log contains a record matching level, typ,
// and predicate (predicate may be nil to match any record of that
// level/type), rt exits without ever producing a match
// (ErrNoMatchingLog), or ctx is cancelled. Because the underlying
// eventStream retains full history, it does not matter whether the
// matching record was already published before this call or arrives
// later — there is no window in which a call installed "too late" misses
// a match.
func WaitForLog(ctx context.Context, rt *Runtime, level logcodec.Level, typ string, predicate func(logcodec.LogRecord) bool) (logcodec.LogRecord, error) {
	return rt.log.waitFor(ctx, rt.exitCh, func(rec logcodec.LogRecord) bool {
		if level != "" && rec.Level != level {
			return false
		}
		if typ != "" && rec.Type != typ {
			return false
		}
		if predicate != nil && !predicate(rec) {
			return false
		}
		return true
	})
}

// LogSince returns the records published at or after fromIndex, along
// with the cursor to pass on the next call, for incremental log
// forwarding.
func LogSince(rt *Runtime, fromIndex int) ([]logcodec.LogRecord, int) {
	return rt.log.since(fromIndex)
}

// AllLogs returns every record published on rt so far.
func AllLogs(rt *Runtime) []logcodec.LogRecord {
	return rt.log.all()
}

// Follow streams every record published on rt, starting from the
// beginning, closing the returned channel once rt has exited and all of
// its records have been delivered or ctx is cancelled. It is grounded on
// the teacher's EventLog.Subscribe replay-then-stream pattern, scoped to
// one Runtime instead of a process-wide log.
func Follow(ctx context.Context, rt *Runtime) <-chan logcodec.LogRecord {
	out := make(chan logcodec.LogRecord, 64)
	go func() {
		defer close(out)
		cursor := 0
		for {
			recs, next := rt.log.since(cursor)
			cursor = next
			for _, rec := range recs {
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
			if rt.Done() {
				return
			}
			select {
			case <-rt.log.notifyChan():
			case <-rt.exitCh:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
