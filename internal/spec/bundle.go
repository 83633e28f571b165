package spec

import "encoding/json"

// RuntimeBundle is the per-invocation input handed to a worker at spawn
// time. It is serialized once and never mutated after spawn.
type RuntimeBundle struct {
	ProjectID string `json:"projectId"`
	Cwd       string `json:"cwd"`

	// TriggerID is the trigger to invoke. Empty means "diagnostic /
	// enumerate only" — the worker enumerates its triggers and exits
	// without executing any of them.
	TriggerID string `json:"triggerId"`

	// Proto is the opaque event payload for an event-trigger invocation.
	// The gateway sets it whenever the request body is non-empty valid
	// JSON, before it knows the trigger's kind, so HTTP invocations with
	// a JSON body carry it too. Nil for diagnostic runs and for empty or
	// non-JSON bodies.
	Proto json.RawMessage `json:"proto,omitempty"`

	// SiblingPorts maps emulator service name (e.g. "firestore") to the
	// host:port the worker should use to reach that sibling directly,
	// for workers that talk to siblings themselves rather than relying
	// on the gateway's registrar.
	SiblingPorts map[string]string `json:"siblingPorts,omitempty"`

	DisabledFeatures []string `json:"disabledFeatures,omitempty"`
}

// CachedTriggers, when non-nil, is a pre-serialized trigger list injected
// into a worker spawn to skip re-enumeration (the "cached-trigger fast
// path" of spec.md §4.2). It travels alongside, not inside, the bundle,
// since it is an optimization hint rather than invocation input.
type CachedTriggers []byte
