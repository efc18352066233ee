package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/eljojo/hubsync/runtime"
	"github.com/eljojo/hubsync/utilities"
)

// Request sends a GET and waits for its outcome.
func (s *Session) Request(target, field string, timeout time.Duration, data any) Outcome {
	return s.call(runtime.ModeGet, target, field, timeout, data)
}

// Set sends a SET and waits for its outcome.
func (s *Session) Set(target, field string, timeout time.Duration, data any) Outcome {
	return s.call(runtime.ModeSet, target, field, timeout, data)
}

// Delete sends a DEL and waits for its outcome.
func (s *Session) Delete(target, field string, timeout time.Duration, data any) Outcome {
	return s.call(runtime.ModeDel, target, field, timeout, data)
}

// Call sends a request in any request mode without waiting. The channel
// yields exactly one Outcome.
func (s *Session) Call(mode runtime.Mode, target, field string, timeout time.Duration, data any) <-chan Outcome {
	out := make(chan Outcome, 1)
	ticket, o, ok := s.send(mode, target, field, timeout, data)
	if !ok {
		out <- o
		return out
	}
	go func() { out <- s.await(ticket, o) }()
	return out
}

func (s *Session) call(mode runtime.Mode, target, field string, timeout time.Duration, data any) Outcome {
	ticket, o, ok := s.send(mode, target, field, timeout, data)
	if !ok {
		return o
	}
	return s.await(ticket, o)
}

// send registers the waiter before the message leaves, so no reply can
// arrive unobserved.
func (s *Session) send(mode runtime.Mode, target, field string, timeout time.Duration, data any) (*utilities.Ticket[*runtime.Message], Outcome, bool) {
	o := Outcome{Target: target, Field: field}
	if mode == runtime.ModeRsp || mode == runtime.ModeEvt || !mode.Valid() {
		o.Err = fmt.Errorf("%s/%s: %s is not a request mode", target, field, mode)
		return nil, s.record(o), false
	}
	msg, err := runtime.NewMessage(target, field, mode, data)
	if err != nil {
		o.Err = fmt.Errorf("%s/%s: %w", target, field, err)
		return nil, s.record(o), false
	}
	if timeout <= 0 {
		timeout = s.opts.DefaultTimeout
	}

	key := msg.Key()
	if s.opts.Correlation == CorrelateByID {
		msg.ID = uuid.NewString()
		key = msg.ID
	}

	ticket := s.calls.Expect(key, timeout)
	runtime.RPCPending.Inc()
	if err := s.binding.Send(msg); err != nil {
		ticket.Cancel(fmt.Errorf("%w: %w", runtime.ErrCancelled, err))
	}
	return ticket, o, true
}

func (s *Session) await(ticket *utilities.Ticket[*runtime.Message], o Outcome) Outcome {
	r := <-ticket.C()
	runtime.RPCPending.Dec()

	o.Elapsed = r.Elapsed
	switch {
	case r.Err != nil:
		o.Err = fmt.Errorf("%s/%s: %w", o.Target, o.Field, r.Err)
	case r.Response.Failed():
		o.Err = &runtime.RemoteError{Target: o.Target, Field: o.Field, Msg: r.Response.Error()}
	default:
		o.Data = r.Response.Data
	}
	if o.Err != nil {
		s.log.Debug("%s/%s failed after %v: %v", o.Target, o.Field, o.Elapsed, o.Err)
	}
	return s.record(o)
}

func (s *Session) record(o Outcome) Outcome {
	runtime.RPCOutcomes.WithLabelValues(runtime.OutcomeLabel(o.Err)).Inc()
	return o
}
