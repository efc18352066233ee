// Package session layers identity handshakes and request/response RPC on a
// transport.Binding.
//
// A Session owns its waiter table and every timer in it. Closing the session,
// locally or because the transport dropped, fails every pending request with
// runtime.ErrCancelled exactly once, before any offline callback runs.
//
// Inbound requests are handled on the binding's read goroutine, in the order
// the transport delivered them. Handlers and online callbacks must therefore
// never wait on an RPC over the same session.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/eljojo/hubsync/identity"
	"github.com/eljojo/hubsync/runtime"
	"github.com/eljojo/hubsync/transport"
	"github.com/eljojo/hubsync/utilities"
)

// DefaultTimeout applies when a request is made with timeout <= 0.
const DefaultTimeout = 5 * time.Second

// CorrelationMode decides how replies are matched to requests.
type CorrelationMode int

const (
	// CorrelateByID attaches a fresh id to every request and matches only
	// RSP messages carrying it.
	CorrelateByID CorrelationMode = iota
	// CorrelateLegacy matches on target/field alone, for peers that send no
	// ids. Any non-EVT message on a pending key resolves every waiter on it.
	CorrelateLegacy
)

func (m CorrelationMode) String() string {
	if m == CorrelateLegacy {
		return "legacy"
	}
	return "by-id"
}

// Options tune a Session.
type Options struct {
	Clock          clock.Clock
	Correlation    CorrelationMode
	DefaultTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = DefaultTimeout
	}
	return o
}

// State is a hub-side session state.
type State int

const (
	WaitingForIdentity State = iota
	Online
	Closed
)

func (s State) String() string {
	switch s {
	case WaitingForIdentity:
		return "WAITING_FOR_IDENTITY"
	case Online:
		return "ONLINE"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// HandlerFunc answers an inbound request. The returned value becomes the
// RSP data; a returned error becomes the RSP err.
type HandlerFunc func(msg *runtime.Message) (any, error)

// errReplied tells the dispatcher a handler already sent its own reply.
var errReplied = errors.New("reply already sent")

type eventSub struct {
	id    uint64
	event string
	fn    func(event string, data json.RawMessage)
}

// Session is one live connection between hub and node.
type Session struct {
	binding transport.Binding
	opts    Options
	calls   *utilities.Correlator[*runtime.Message]
	log     *runtime.ServiceLog

	mu        sync.RWMutex
	state     State
	peer      identity.Identity
	handlers  map[string]HandlerFunc
	events    map[string][]eventSub
	nextEvent uint64
	onClose   []func(*Session)
	connected time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(b transport.Binding, opts Options, log *runtime.ServiceLog) *Session {
	opts = opts.withDefaults()
	s := &Session{
		binding:   b,
		opts:      opts,
		calls:     utilities.NewCorrelator[*runtime.Message](opts.Clock),
		log:       log,
		handlers:  make(map[string]HandlerFunc),
		events:    make(map[string][]eventSub),
		connected: opts.Clock.Now(),
		done:      make(chan struct{}),
	}
	b.Subscribe(transport.AllTargets, s.receive)
	go func() {
		select {
		case <-b.Done():
			s.shutdown(b.Err())
		case <-s.done:
		}
	}()
	return s
}

// Identity returns the remote peer's identity once announced.
func (s *Session) Identity() identity.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peer
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// ConnectedAt is when the binding was accepted or dialed.
func (s *Session) ConnectedAt() time.Time { return s.connected }

func (s *Session) RemoteAddr() string { return s.binding.RemoteAddr() }

// Pending returns how many requests are waiting for a reply.
func (s *Session) Pending() int { return s.calls.Pending() }

// Done is closed once the session has shut down and cancelled its requests.
func (s *Session) Done() <-chan struct{} { return s.done }

// Handle routes inbound GET/SET/DEL/ALC messages for target to fn.
func (s *Session) Handle(target string, fn HandlerFunc) {
	s.mu.Lock()
	s.handlers[target] = fn
	s.mu.Unlock()
}

// OnClose registers fn to run after the session closes and its pending
// requests have been cancelled. On a closed session fn runs immediately.
func (s *Session) OnClose(fn func(*Session)) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		<-s.done
		fn(s)
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// Emit sends an event; events are never answered.
func (s *Session) Emit(target, event string, data any) error {
	msg, err := runtime.NewMessage(target, event, runtime.ModeEvt, data)
	if err != nil {
		return err
	}
	return s.binding.Send(msg)
}

// Close cancels every pending request and closes the binding.
func (s *Session) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = Closed
		callbacks := append(([]func(*Session))(nil), s.onClose...)
		s.mu.Unlock()

		if n := s.calls.CancelAll(runtime.ErrCancelled); n > 0 {
			s.log.Debug("cancelled %d pending requests", n)
		}
		_ = s.binding.Close()
		if cause != nil {
			s.log.Info("session closed: %v", cause)
		}
		close(s.done)

		for _, fn := range callbacks {
			fn(s)
		}
	})
}

// receive runs on the binding's read goroutine.
func (s *Session) receive(msg *runtime.Message) {
	if msg.Mode == runtime.ModeEvt {
		s.raise(msg)
		return
	}

	if s.opts.Correlation == CorrelateLegacy {
		if s.calls.Resolve(msg.Key(), msg) > 0 {
			return
		}
	} else if msg.Mode == runtime.ModeRsp && msg.ID != "" {
		if s.calls.Resolve(msg.ID, msg) > 0 {
			return
		}
	}

	if msg.Mode == runtime.ModeRsp {
		s.log.Debug("unsolicited reply %s", msg)
		return
	}
	s.serve(msg)
}

func (s *Session) serve(msg *runtime.Message) {
	s.mu.RLock()
	fn, ok := s.handlers[msg.Target]
	s.mu.RUnlock()

	var reply *runtime.Message
	if !ok {
		reply = msg.Fail(errors.New("unknown target"))
	} else {
		data, err := fn(msg)
		switch {
		case errors.Is(err, errReplied):
			return
		case err != nil:
			reply = msg.Fail(err)
		default:
			if reply, err = msg.Reply(data); err != nil {
				reply = msg.Fail(fmt.Errorf("encode reply: %w", err))
			}
		}
	}
	if err := s.binding.Send(reply); err != nil {
		s.log.Debug("reply %s: %v", reply, err)
	}
}

func (s *Session) raise(msg *runtime.Message) {
	s.mu.RLock()
	subs := append([]eventSub(nil), s.events[msg.Target]...)
	s.mu.RUnlock()

	for _, sub := range subs {
		if sub.event == "" || sub.event == msg.Field {
			sub.fn(msg.Field, msg.Data)
		}
	}
}

func (s *Session) on(target, event string, fn func(string, json.RawMessage)) func() {
	s.mu.Lock()
	s.nextEvent++
	id := s.nextEvent
	s.events[target] = append(s.events[target], eventSub{id: id, event: event, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.events[target]
		for i, sub := range subs {
			if sub.id == id {
				s.events[target] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}
