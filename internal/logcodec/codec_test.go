package logcodec_test

import (
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/fnrun/gateway/internal/logcodec"
)

func TestRun_ParsesLines(t *testing.T) {
	input := `{"level":"INFO","type":"log","text":"hello"}` + "\n" +
		`{"level":"SYSTEM","type":"runtime-status","text":"ready","data":{"socketPath":"/tmp/w.sock"}}` + "\n"

	emit := make(chan logcodec.LogRecord, 4)
	c := logcodec.New("stdout", emit)
	c.Run(strings.NewReader(input))
	close(emit)

	var recs []logcodec.LogRecord
	for r := range emit {
		recs = append(recs, r)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Text != "hello" || recs[0].Stream != "stdout" {
		t.Errorf("record 0 = %+v", recs[0])
	}
	if recs[1].Data["socketPath"] != "/tmp/w.sock" {
		t.Errorf("record 1 data = %+v", recs[1].Data)
	}
}

func TestRun_PreservesOrderWithinStream(t *testing.T) {
	var input strings.Builder
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&input, `{"level":"INFO","type":"n","text":"%d"}`+"\n", i)
	}
	emit := make(chan logcodec.LogRecord, 64)
	c := logcodec.New("stdout", emit)
	c.Run(strings.NewReader(input.String()))
	close(emit)

	// Each line carries its own index as text, so every record must come
	// out in the position it was written.
	n := 0
	for rec := range emit {
		if want := strconv.Itoa(n); rec.Text != want {
			t.Fatalf("record %d text = %q, want %q", n, rec.Text, want)
		}
		n++
	}
	if n != 50 {
		t.Fatalf("got %d records, want 50", n)
	}
}

func TestRun_MalformedLineEmitsSyntheticRecord(t *testing.T) {
	input := "not json\n"
	emit := make(chan logcodec.LogRecord, 1)
	c := logcodec.New("stderr", emit)
	c.Run(strings.NewReader(input))
	close(emit)

	rec := <-emit
	if rec.Level != logcodec.System || rec.Type != logcodec.RuntimeParseError {
		t.Fatalf("got %+v, want synthetic parse-error record", rec)
	}
	if rec.Text != "not json" {
		t.Errorf("text = %q, want original line preserved", rec.Text)
	}
}

func TestRun_BlankLinesSkipped(t *testing.T) {
	input := "\n\n{\"level\":\"INFO\",\"type\":\"n\",\"text\":\"x\"}\n\n"
	emit := make(chan logcodec.LogRecord, 4)
	c := logcodec.New("stdout", emit)
	c.Run(strings.NewReader(input))
	close(emit)

	n := 0
	for range emit {
		n++
	}
	if n != 1 {
		t.Fatalf("got %d records, want 1", n)
	}
}
