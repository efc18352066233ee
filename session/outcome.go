package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/eljojo/hubsync/runtime"
)

// Outcome is the resolution of one request: success with Data, or Err
// wrapping runtime.ErrTimeout, runtime.ErrCancelled or a *runtime.RemoteError.
type Outcome struct {
	Target  string
	Field   string
	Data    json.RawMessage
	Err     error
	Elapsed time.Duration
}

// OK reports success.
func (o Outcome) OK() bool { return o.Err == nil }

// String asserts the payload is a JSON string.
func (o Outcome) String() (string, error) {
	var v string
	return v, o.assert(&v, "string")
}

// Bool asserts the payload is a JSON boolean.
func (o Outcome) Bool() (bool, error) {
	var v bool
	return v, o.assert(&v, "boolean")
}

// Number asserts the payload is a JSON number.
func (o Outcome) Number() (float64, error) {
	var v float64
	return v, o.assert(&v, "number")
}

// Decode asserts the payload fits v.
func (o Outcome) Decode(v any) error {
	return o.assert(v, fmt.Sprintf("%T", v))
}

func (o Outcome) assert(v any, shape string) error {
	if o.Err != nil {
		return o.Err
	}
	if len(o.Data) == 0 || string(o.Data) == "null" {
		return fmt.Errorf("%s/%s: want %s, got nothing: %w", o.Target, o.Field, shape, runtime.ErrTypeMismatch)
	}
	if err := json.Unmarshal(o.Data, v); err != nil {
		return fmt.Errorf("%s/%s: want %s: %v: %w", o.Target, o.Field, shape, err, runtime.ErrTypeMismatch)
	}
	return nil
}
