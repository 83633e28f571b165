// Package logcodec frames a worker's stdout/stderr byte streams into
// LogRecord values. Each stream is split on '\n'; a parse failure on a
// complete line is itself turned into a synthetic LogRecord rather than
// discarded, so a malformed worker never silently goes dark.
package logcodec

import (
	"bufio"
	"encoding/json"
	"io"
)

// Level is the severity/kind tag on a LogRecord.
type Level string

const (
	System Level = "SYSTEM"
	User   Level = "USER"
	Debug  Level = "DEBUG"
	Info   Level = "INFO"
	Warn   Level = "WARN"
	Fatal  Level = "FATAL"
)

// LogRecord is one parsed line from a worker pipe.
type LogRecord struct {
	Level Level                  `json:"level"`
	Type  string                 `json:"type"`
	Text  string                 `json:"text"`
	Data  map[string]interface{} `json:"data"`

	// Stream identifies which pipe produced the record ("stdout" or
	// "stderr"). Set by the codec, not carried on the wire.
	Stream string `json:"-"`

	// Raw holds the complete original line, so that unknown top-level
	// fields survive a parse/re-serialize round trip even though the
	// Go struct only names the fields this gateway inspects.
	Raw json.RawMessage `json:"-"`
}

// RuntimeParseError is the synthetic record type emitted when a line
// fails to parse as a LogRecord.
const RuntimeParseError = "runtime-parse-error"

// Codec frames one worker pipe into LogRecords. It is purely cooperative:
// Run blocks the calling goroutine (one per pipe) and never blocks on the
// consumer beyond the buffering the emit channel itself provides.
type Codec struct {
	stream string
	emit   chan<- LogRecord
}

// New returns a Codec for the named stream ("stdout" or "stderr") that
// writes parsed records to emit. The caller owns emit's lifetime.
func New(stream string, emit chan<- LogRecord) *Codec {
	return &Codec{stream: stream, emit: emit}
}

// Run reads r line by line until EOF or a read error, parsing each
// complete line as a LogRecord and sending it on the codec's emit
// channel. bufio.Scanner buffers partial trailing bytes internally and
// returns them as a final token on EOF, so a worker that dies mid-line
// still yields one last (likely malformed) record instead of losing the
// bytes outright. Run returns when r is exhausted; it does not close
// emit (the caller coordinates shutdown once all pipes for a Runtime
// have finished).
func (c *Codec) Run(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			rec = LogRecord{
				Level: System,
				Type:  RuntimeParseError,
				Text:  string(line),
				Data:  map[string]interface{}{"error": err.Error()},
			}
		}
		rec.Stream = c.stream
		c.emit <- rec
	}
}

func parseLine(line []byte) (LogRecord, error) {
	var rec LogRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return LogRecord{}, err
	}
	if rec.Level == "" {
		rec.Level = System
	}
	rec.Raw = append(json.RawMessage(nil), line...)
	return rec, nil
}
