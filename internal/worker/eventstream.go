package worker

import (
	"context"
	"sync"

	"github.com/fnrun/gateway/internal/logcodec"
)

// eventStream is a small append-only log of a single Runtime's parsed
// LogRecords, grounded on the teacher's EventLog (server/eventlog.go):
// a monotonic sequence counter, a replace-on-publish notify channel, and
// a scan-then-wait WaitFor. Unlike the teacher's EventLog it has no
// persistence or cross-environment scope — its lifetime is one Runtime.
type eventStream struct {
	mu      sync.RWMutex
	records []logcodec.LogRecord
	notify  chan struct{}
}

func newEventStream() *eventStream {
	return &eventStream{notify: make(chan struct{})}
}

// publish appends a record and wakes all waiters.
func (s *eventStream) publish(rec logcodec.LogRecord) {
	s.mu.Lock()
	s.records = append(s.records, rec)
	ch := s.notify
	s.notify = make(chan struct{})
	s.mu.Unlock()
	close(ch)
}

// waitFor scans existing records for a match, then blocks until a newly
// published record matches, done closes, or ctx is cancelled. Because
// every record is retained, a waiter installed at any point sees matches
// published before or after it started waiting — there is no lost-wakeup
// window. done signals that no further records will ever be published
// (the Runtime has exited); if it closes without a match ever being
// found, waitFor returns ErrNoMatchingLog, per spec's §4.3 "if no match
// ever arrives and the worker exits, the waiter resolves with failure
// NoMatchingLog." A final scan after done closes covers the case where a
// matching record was published in the same instant the worker exited.
func (s *eventStream) waitFor(ctx context.Context, done <-chan struct{}, match func(logcodec.LogRecord) bool) (logcodec.LogRecord, error) {
	cursor := 0
	scan := func() (logcodec.LogRecord, bool) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for ; cursor < len(s.records); cursor++ {
			if match(s.records[cursor]) {
				return s.records[cursor], true
			}
		}
		return logcodec.LogRecord{}, false
	}

	for {
		if rec, ok := scan(); ok {
			return rec, nil
		}
		s.mu.RLock()
		notify := s.notify
		s.mu.RUnlock()

		select {
		case <-notify:
		case <-done:
			if rec, ok := scan(); ok {
				return rec, nil
			}
			return logcodec.LogRecord{}, ErrNoMatchingLog
		case <-ctx.Done():
			return logcodec.LogRecord{}, ctx.Err()
		}
	}
}

// since returns records at index >= fromIndex, in order, and the new cursor.
func (s *eventStream) since(fromIndex int) ([]logcodec.LogRecord, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if fromIndex >= len(s.records) {
		return nil, fromIndex
	}
	out := make([]logcodec.LogRecord, len(s.records)-fromIndex)
	copy(out, s.records[fromIndex:])
	return out, len(s.records)
}

// notifyChan returns the current notify channel, for callers that need to
// wait for the next publish without re-scanning (see Follow).
func (s *eventStream) notifyChan() chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notify
}

// all returns a snapshot of every record published so far.
func (s *eventStream) all() []logcodec.LogRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]logcodec.LogRecord, len(s.records))
	copy(out, s.records)
	return out
}
