package state

import (
	"bytes"
	"encoding/json"
	"sync"
)

// Value is the capability an application object exposes to the tree.
//
// Set may block (a device write, a debounced save); the owning module stays
// locked while it runs.
type Value interface {
	Get() (json.RawMessage, error)
	Set(data json.RawMessage) error
}

// Factory creates the Value for an object that arrives from a remote tree
// and has no local counterpart yet. name is empty for ordered registers.
type Factory func(name string) Value

// RawValue holds an uninterpreted JSON payload. Hub-side mirrors use it for
// every object, since the hub has no domain code for node state.
type RawValue struct {
	mu   sync.RWMutex
	data json.RawMessage
}

// NewRawValue wraps data.
func NewRawValue(data json.RawMessage) *RawValue {
	return &RawValue{data: clone(data)}
}

// RawFactory builds RawValues.
func RawFactory(string) Value {
	return &RawValue{}
}

func (v *RawValue) Get() (json.RawMessage, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.data == nil {
		return json.RawMessage("null"), nil
	}
	return clone(v.data), nil
}

func (v *RawValue) Set(data json.RawMessage) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.data = clone(data)
	return nil
}

// JSONValue is a typed Value backed by a Go value.
type JSONValue[T any] struct {
	mu sync.RWMutex
	v  T
}

// NewJSONValue wraps v.
func NewJSONValue[T any](v T) *JSONValue[T] {
	return &JSONValue[T]{v: v}
}

// JSONFactory builds zero-valued JSONValues of type T.
func JSONFactory[T any]() Factory {
	return func(string) Value {
		var zero T
		return NewJSONValue(zero)
	}
}

// Load returns the current value.
func (j *JSONValue[T]) Load() T {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.v
}

func (j *JSONValue[T]) Get() (json.RawMessage, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return json.Marshal(j.v)
}

func (j *JSONValue[T]) Set(data json.RawMessage) error {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	j.mu.Lock()
	j.v = v
	j.mu.Unlock()
	return nil
}

func clone(data json.RawMessage) json.RawMessage {
	if data == nil {
		return nil
	}
	return append(json.RawMessage(nil), data...)
}

// samePayload compares two JSON documents ignoring insignificant whitespace.
func samePayload(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return false
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
