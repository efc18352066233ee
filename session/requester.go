package session

import (
	"encoding/json"
	"time"
)

// Requester binds a session to one target, the way domain layers talk to a
// remote module.
type Requester struct {
	session *Session
	target  string
}

// NewRequester binds s to target.
func NewRequester(s *Session, target string) *Requester {
	return &Requester{session: s, target: target}
}

func (r *Requester) Target() string { return r.target }

func (r *Requester) Request(field string, timeout time.Duration, data any) Outcome {
	return r.session.Request(r.target, field, timeout, data)
}

func (r *Requester) Set(field string, timeout time.Duration, data any) Outcome {
	return r.session.Set(r.target, field, timeout, data)
}

// On re-raises inbound events for this target named event; an empty event
// subscribes to all of them. The returned func unsubscribes.
func (r *Requester) On(event string, fn func(event string, data json.RawMessage)) func() {
	return r.session.on(r.target, event, fn)
}
