package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/eljojo/hubsync/messages"
	"github.com/eljojo/hubsync/runtime"
	"github.com/eljojo/hubsync/transport"
	"github.com/eljojo/hubsync/types"
)

// DefaultIdentityTimeout closes sessions that never announce.
const DefaultIdentityTimeout = 10 * time.Second

// HubOptions tune a Hub.
type HubOptions struct {
	Session         Options
	IdentityTimeout time.Duration
}

// HubHandlerFunc answers requests from ONLINE sessions.
type HubHandlerFunc func(s *Session, msg *runtime.Message) (any, error)

// Hub accepts bindings, runs the identity handshake and keeps the registry
// of ONLINE sessions. The first session to announce an identity wins; later
// duplicates are closed.
type Hub struct {
	opts     HubOptions
	sessions *xsync.MapOf[types.NodeID, *Session]
	log      *runtime.ServiceLog

	mu        sync.RWMutex
	handlers  map[string]HubHandlerFunc
	onOnline  []func(*Session)
	onOffline []func(*Session)
	accepted  map[*Session]struct{}
}

// NewHub creates a hub with no sessions.
func NewHub(opts HubOptions) *Hub {
	opts.Session = opts.Session.withDefaults()
	if opts.IdentityTimeout <= 0 {
		opts.IdentityTimeout = DefaultIdentityTimeout
	}
	return &Hub{
		opts:     opts,
		sessions: xsync.NewMapOf[types.NodeID, *Session](),
		log:      runtime.Log("hub"),
		handlers: make(map[string]HubHandlerFunc),
		accepted: make(map[*Session]struct{}),
	}
}

// Handle installs fn for target on every session, current and future. Only
// ONLINE sessions reach it.
func (h *Hub) Handle(target string, fn HubHandlerFunc) {
	h.mu.Lock()
	h.handlers[target] = fn
	accepted := make([]*Session, 0, len(h.accepted))
	for s := range h.accepted {
		accepted = append(accepted, s)
	}
	h.mu.Unlock()

	for _, s := range accepted {
		h.install(s, target, fn)
	}
}

// OnOnline runs fn on the session's read goroutine after the ack is sent
// and before any later message from that session is handled.
func (h *Hub) OnOnline(fn func(*Session)) {
	h.mu.Lock()
	h.onOnline = append(h.onOnline, fn)
	h.mu.Unlock()
}

// OnOffline runs fn after an ONLINE session closed and its pending requests
// were cancelled.
func (h *Hub) OnOffline(fn func(*Session)) {
	h.mu.Lock()
	h.onOffline = append(h.onOffline, fn)
	h.mu.Unlock()
}

// Accept starts the handshake on b. It is the accept callback for
// transport listeners.
func (h *Hub) Accept(b transport.Binding) *Session {
	s := newSession(b, h.opts.Session, h.log.With(b.RemoteAddr()))
	s.Handle(messages.TargetSession, func(msg *runtime.Message) (any, error) {
		return h.announce(s, msg)
	})

	h.mu.Lock()
	h.accepted[s] = struct{}{}
	handlers := make(map[string]HubHandlerFunc, len(h.handlers))
	for target, fn := range h.handlers {
		handlers[target] = fn
	}
	h.mu.Unlock()
	for target, fn := range handlers {
		h.install(s, target, fn)
	}

	timer := h.opts.Session.Clock.AfterFunc(h.opts.IdentityTimeout, func() {
		if s.State() == WaitingForIdentity {
			h.log.Warn("%s never announced an identity, closing", b.RemoteAddr())
			runtime.HandshakeResults.WithLabelValues("timeout").Inc()
			_ = s.Close()
		}
	})
	s.OnClose(func(s *Session) {
		timer.Stop()
		h.release(s)
	})

	b.Start()
	return s
}

func (h *Hub) install(s *Session, target string, fn HubHandlerFunc) {
	s.Handle(target, func(msg *runtime.Message) (any, error) {
		if s.State() != Online {
			return nil, errors.New("identity not announced")
		}
		return fn(s, msg)
	})
}

func (h *Hub) announce(s *Session, msg *runtime.Message) (any, error) {
	if msg.Field != messages.FieldIdentity {
		return nil, fmt.Errorf("unknown field %q", msg.Field)
	}
	if s.State() != WaitingForIdentity {
		return nil, errors.New("identity already announced")
	}

	var a messages.Announce
	if err := msg.Decode(&a); err != nil {
		runtime.HandshakeResults.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("bad announce: %w", err)
	}
	if err := a.Validate(); err != nil {
		runtime.HandshakeResults.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("bad announce: %w", err)
	}

	actual, loaded := h.sessions.LoadOrStore(a.ID, s)
	if loaded && actual != s {
		runtime.HandshakeResults.WithLabelValues("duplicate").Inc()
		h.log.Warn("%s from %s: %v, closing newcomer", a.Identity, s.RemoteAddr(), runtime.ErrDuplicateIdentity)
		_ = s.Close()
		return nil, errReplied
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		h.sessions.Compute(a.ID, func(current *Session, loaded bool) (*Session, bool) {
			return current, !loaded || current == s
		})
		return nil, errReplied
	}
	s.peer = a.Identity
	s.state = Online
	s.mu.Unlock()

	ack, err := msg.Reply(nil)
	if err != nil {
		return nil, err
	}
	if err := s.binding.Send(ack); err != nil {
		return nil, errReplied
	}

	runtime.HandshakeResults.WithLabelValues("online").Inc()
	runtime.SessionsOnline.WithLabelValues(a.Kind.String()).Inc()
	h.log.Info("%s online from %s (%s)", a.Identity, s.RemoteAddr(), a.Software)

	h.mu.RLock()
	callbacks := append(([]func(*Session))(nil), h.onOnline...)
	h.mu.RUnlock()
	for _, fn := range callbacks {
		fn(s)
	}
	return nil, errReplied
}

// release forgets a closed session. Only the registered session for an
// identity removes that identity, so a closed duplicate never evicts the
// winner.
func (h *Hub) release(s *Session) {
	h.mu.Lock()
	delete(h.accepted, s)
	h.mu.Unlock()

	id := s.Identity()
	if id.ID == "" {
		return
	}
	removed := false
	h.sessions.Compute(id.ID, func(current *Session, loaded bool) (*Session, bool) {
		removed = loaded && current == s
		return current, !loaded || removed
	})
	if !removed {
		return
	}

	runtime.SessionsOnline.WithLabelValues(id.Kind.String()).Dec()
	h.log.Info("%s offline", id)

	h.mu.RLock()
	callbacks := append(([]func(*Session))(nil), h.onOffline...)
	h.mu.RUnlock()
	for _, fn := range callbacks {
		fn(s)
	}
}

// Lookup returns the ONLINE session for id.
func (h *Hub) Lookup(id types.NodeID) (*Session, bool) {
	return h.sessions.Load(id)
}

// Sessions lists ONLINE sessions ordered by name.
func (h *Hub) Sessions() []*Session {
	var out []*Session
	h.sessions.Range(func(_ types.NodeID, s *Session) bool {
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity().Name < out[j].Identity().Name
	})
	return out
}

// Close closes every accepted session.
func (h *Hub) Close() error {
	h.mu.RLock()
	accepted := make([]*Session, 0, len(h.accepted))
	for s := range h.accepted {
		accepted = append(accepted, s)
	}
	h.mu.RUnlock()

	for _, s := range accepted {
		_ = s.Close()
	}
	return nil
}
