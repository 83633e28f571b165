package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// writeSSEEvent formats and flushes a single SSE frame, grounded on the
// teacher's writeSSEEvent (internal/server/sse.go). The id field maps
// directly to Last-Event-ID, enabling reconnection without replay of
// events the client has already seen.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event OperationalEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
