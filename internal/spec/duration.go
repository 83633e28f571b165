package spec

import (
	"encoding/json"
	"time"
)

// Duration wraps time.Duration with JSON marshalling as a string (e.g.
// "5s", "250ms") instead of nanoseconds, for config fields such as the
// trigger-reload debounce window.
type Duration struct {
	time.Duration
}

// IsZero reports whether d is the zero duration. Used by encoding/json
// (Go 1.24+) to evaluate omitzero on struct fields.
func (d Duration) IsZero() bool {
	return d.Duration == 0
}

func (d Duration) MarshalJSON() ([]byte, error) {
	if d.Duration == 0 {
		return []byte(`""`), nil
	}
	return json.Marshal(d.Duration.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}
