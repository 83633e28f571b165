// Package sibling publishes event-trigger subscriptions to sibling
// emulators (currently firestore) via HTTP PUT.
package sibling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// defaultTimeout bounds one registration PUT so a wedged sibling cannot
// hang a reload indefinitely.
const defaultTimeout = 5 * time.Second

// Registrar issues the sibling registration PUT of spec.md §4.5.
type Registrar struct {
	Client *http.Client
	Log    *slog.Logger
}

// NewRegistrar returns a Registrar with a bounded-timeout HTTP client.
func NewRegistrar() *Registrar {
	return &Registrar{Client: &http.Client{Timeout: defaultTimeout}, Log: slog.Default()}
}

// registerBody is the wire shape PUT to the sibling.
type registerBody struct {
	EventTrigger json.RawMessage `json:"eventTrigger"`
}

// Register PUTs the event trigger for name to the sibling emulator at
// host:port. A literal `{}` response body is the positive
// acknowledgement. Any transport error is returned to the caller, which
// per spec logs WARN and continues the surrounding reload rather than
// aborting it; a non-`{}` body is treated as silent no-op, not an error.
func (r *Registrar) Register(ctx context.Context, host, port, projectID, name string, eventTrigger json.RawMessage) error {
	body, err := json.Marshal(registerBody{EventTrigger: eventTrigger})
	if err != nil {
		return fmt.Errorf("sibling register %q: encode body: %w", name, err)
	}

	url := fmt.Sprintf("http://%s:%s/emulator/v1/projects/%s/triggers/%s", host, port, projectID, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sibling register %q: build request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return fmt.Errorf("sibling register %q: %w", name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("sibling register %q: read response: %w", name, err)
	}

	if bytes.Equal(bytes.TrimSpace(respBody), []byte("{}")) {
		log := r.Log
		if log == nil {
			log = slog.Default()
		}
		log.Info("sibling registration succeeded", "trigger", name, "service", "firestore")
		return nil
	}
	// Non-{} bodies (including error pages) are not registration failures
	// per spec — they are simply not a success, so nothing further happens.
	return nil
}
