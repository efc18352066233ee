package runtime

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Mode says what a Message wants done with its target/field.
type Mode int

const (
	ModeGet Mode = iota // read a value
	ModeSet             // write a value
	ModeDel             // delete a value
	ModeAlc             // allocate a new value
	ModeRsp             // response to any of the above
	ModeEvt             // unsolicited event, never a response
)

var modeNames = []string{"GET", "SET", "DEL", "ALC", "RSP", "EVT"}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("MODE(%d)", int(m))
	}
	return modeNames[m]
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	return m >= ModeGet && m <= ModeEvt
}

// Message is the wire record exchanged between the hub and its nodes.
//
// Target names a logical endpoint (a module or a session-level service) and
// Field names an operation within it. A response carries the same target and
// field as the request it answers, in ModeRsp. Err present means failure.
//
// ID is the per-request correlation id. Legacy peers leave it empty and are
// correlated by target/field only.
type Message struct {
	ID     string          `json:"id,omitempty"`
	Target string          `json:"target"`
	Field  string          `json:"field"`
	Mode   Mode            `json:"mode"`
	Data   json.RawMessage `json:"data,omitempty"`
	Err    *string         `json:"err,omitempty"`
}

// NewMessage builds a message, serializing data as the payload.
//
// data may be nil, a json.RawMessage (used as-is) or any JSON-serializable value.
func NewMessage(target, field string, mode Mode, data any) (*Message, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s/%s payload: %w", target, field, err)
	}
	return &Message{Target: target, Field: field, Mode: mode, Data: raw}, nil
}

func marshalData(data any) (json.RawMessage, error) {
	switch d := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return d, nil
	default:
		return json.Marshal(d)
	}
}

// Failed reports whether the message carries an error.
func (m *Message) Failed() bool {
	return m.Err != nil
}

// Error returns the carried error string, or "" if there is none.
func (m *Message) Error() string {
	if m.Err == nil {
		return ""
	}
	return *m.Err
}

// Key is the legacy correlation key: target and field.
func (m *Message) Key() string {
	return CorrelationKey(m.Target, m.Field)
}

// CorrelationKey joins target and field the way legacy waiters are keyed.
func CorrelationKey(target, field string) string {
	return target + "/" + field
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s/%s: empty payload", m.Target, m.Field)
	}
	return json.Unmarshal(m.Data, v)
}

// Reply creates a successful response linked to the original.
func (m *Message) Reply(data any) (*Message, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s/%s reply: %w", m.Target, m.Field, err)
	}
	return &Message{ID: m.ID, Target: m.Target, Field: m.Field, Mode: ModeRsp, Data: raw}, nil
}

// Fail creates an error response linked to the original.
func (m *Message) Fail(err error) *Message {
	s := err.Error()
	return &Message{ID: m.ID, Target: m.Target, Field: m.Field, Mode: ModeRsp, Err: &s}
}

func (m *Message) String() string {
	if m.Failed() {
		return fmt.Sprintf("%s %s/%s err=%q", m.Mode, m.Target, m.Field, *m.Err)
	}
	return fmt.Sprintf("%s %s/%s (%d bytes)", m.Mode, m.Target, m.Field, len(m.Data))
}

// Encode serializes the message for a transport binding.
func Encode(m *Message) ([]byte, error) {
	if !m.Mode.Valid() {
		return nil, fmt.Errorf("encode %s/%s: invalid mode %d", m.Target, m.Field, int(m.Mode))
	}
	return json.Marshal(m)
}

// Decode parses a frame. Anything that isn't a well-formed record comes back
// as a *ParseError; callers log and drop those.
func Decode(frame []byte) (*Message, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil, &ParseError{Reason: "empty frame"}
	}

	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, &ParseError{Frame: frame, Reason: err.Error()}
	}
	if m.Target == "" {
		return nil, &ParseError{Frame: frame, Reason: "missing target"}
	}
	if !m.Mode.Valid() {
		return nil, &ParseError{Frame: frame, Reason: fmt.Sprintf("invalid mode %d", int(m.Mode))}
	}
	return &m, nil
}
