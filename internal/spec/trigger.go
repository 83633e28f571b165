// Package spec holds the wire types shared between the gateway and the
// worker processes it supervises: trigger definitions, the trigger table,
// and the runtime bundle handed to a worker at spawn time.
package spec

import "encoding/json"

// TriggerKind selects which of the two trigger shapes a definition carries.
type TriggerKind string

const (
	HTTPTrigger  TriggerKind = "http"
	EventTrigger TriggerKind = "event"
)

// Valid reports whether k is a recognised trigger kind.
func (k TriggerKind) Valid() bool {
	switch k {
	case HTTPTrigger, EventTrigger:
		return true
	}
	return false
}

// SupportedServices is the allow-list of event-trigger services the
// gateway knows how to register with a sibling emulator. A trigger whose
// Service is not in this set is retained in the TriggerTable but fails
// invocation with UnsupportedTrigger.
var SupportedServices = map[string]bool{
	"firestore": true,
}

// TriggerDefinition is the immutable descriptor of one user-authored
// function, as reported by a worker's triggers-parsed log record.
type TriggerDefinition struct {
	Name string      `json:"name"`
	Kind TriggerKind `json:"kind"`

	// Region applies to both kinds: event triggers need it for sibling
	// registration context, HTTP triggers need it to build the public URL.
	Region string `json:"region"`

	// Service and EventTrigger are populated for EventTrigger kind only.
	Service      string          `json:"service,omitempty"`
	EventTrigger json.RawMessage `json:"eventTrigger,omitempty"`

	// Labels is free-form metadata a worker may attach to a trigger.
	// Surfaced read-only; the gateway never inspects its contents.
	Labels map[string]string `json:"labels,omitempty"`
}

// Supported reports whether this definition can be invoked: HTTP triggers
// always are; event triggers require their service to be in the
// supported-services allow-list.
func (t TriggerDefinition) Supported() bool {
	if t.Kind == HTTPTrigger {
		return true
	}
	return SupportedServices[t.Service]
}

// Table is an immutable mapping from trigger name to definition, replaced
// wholesale by each successful reload. Unsupported definitions are kept —
// only invocation of them fails.
type Table map[string]TriggerDefinition

// Diff returns the trigger names in t that are not present in known.
func (t Table) Diff(known *KnownSet) []string {
	var out []string
	for name := range t {
		if !known.Has(name) {
			out = append(out, name)
		}
	}
	return out
}

// KnownSet tracks trigger names already registered with sibling emulators.
// It is monotonic over the lifetime of the process: names are only ever
// added, never removed, even across reloads that drop a trigger.
type KnownSet struct {
	names map[string]struct{}
}

// NewKnownSet returns an empty KnownSet.
func NewKnownSet() *KnownSet {
	return &KnownSet{names: make(map[string]struct{})}
}

// Has reports whether name has already been registered.
func (s *KnownSet) Has(name string) bool {
	_, ok := s.names[name]
	return ok
}

// Add marks name as registered. Idempotent.
func (s *KnownSet) Add(name string) {
	s.names[name] = struct{}{}
}
