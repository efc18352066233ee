package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eljojo/hubsync/identity"
	"github.com/eljojo/hubsync/messages"
	"github.com/eljojo/hubsync/runtime"
	"github.com/eljojo/hubsync/transport"
)

// PeerState is the node-side connection state.
type PeerState int

const (
	Offline PeerState = iota
	Connecting
	AwaitAck
	PeerOnline
	Reconnecting
)

func (s PeerState) String() string {
	switch s {
	case Offline:
		return "OFFLINE"
	case Connecting:
		return "CONNECTING"
	case AwaitAck:
		return "AWAIT_ACK"
	case PeerOnline:
		return "ONLINE"
	case Reconnecting:
		return "RECONNECTING"
	default:
		return fmt.Sprintf("PeerState(%d)", int(s))
	}
}

// Dialer finds the hub and opens a binding to it. It is called again on
// every reconnect, so it is where rediscovery happens.
type Dialer func(ctx context.Context) (transport.Binding, error)

// PeerOptions tune a Peer.
type PeerOptions struct {
	Session    Options
	AckTimeout time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Software   string
}

func (o PeerOptions) withDefaults() PeerOptions {
	o.Session = o.Session.withDefaults()
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultTimeout
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 250 * time.Millisecond
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = 10 * time.Second
	}
	return o
}

// Peer keeps one node connected to the hub. The caller's state tree lives
// outside the Peer and survives every reconnect.
type Peer struct {
	self identity.Identity
	dial Dialer
	opts PeerOptions
	log  *runtime.ServiceLog

	mu        sync.RWMutex
	state     PeerState
	current   *Session
	handlers  map[string]HandlerFunc
	onState   []func(PeerState)
	onOnline  []func(*Session)
	onOffline []func(*Session)
}

// NewPeer creates an OFFLINE peer announcing self.
func NewPeer(self identity.Identity, dial Dialer, opts PeerOptions) *Peer {
	return &Peer{
		self:     self,
		dial:     dial,
		opts:     opts.withDefaults(),
		log:      runtime.Log("peer"),
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle installs fn for target on every session the peer opens.
func (p *Peer) Handle(target string, fn HandlerFunc) {
	p.mu.Lock()
	p.handlers[target] = fn
	s := p.current
	p.mu.Unlock()
	if s != nil {
		s.Handle(target, fn)
	}
}

func (p *Peer) OnState(fn func(PeerState)) {
	p.mu.Lock()
	p.onState = append(p.onState, fn)
	p.mu.Unlock()
}

// OnOnline runs fn on the Run goroutine each time the peer reaches ONLINE.
// It may issue RPCs on the session.
func (p *Peer) OnOnline(fn func(*Session)) {
	p.mu.Lock()
	p.onOnline = append(p.onOnline, fn)
	p.mu.Unlock()
}

// OnOffline runs fn after an ONLINE session dropped and its pending requests
// were cancelled.
func (p *Peer) OnOffline(fn func(*Session)) {
	p.mu.Lock()
	p.onOffline = append(p.onOffline, fn)
	p.mu.Unlock()
}

func (p *Peer) State() PeerState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Session returns the ONLINE session, or nil.
func (p *Peer) Session() *Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Run connects and keeps reconnecting until ctx is done.
func (p *Peer) Run(ctx context.Context) error {
	backoff := p.opts.MinBackoff
	wasOnline := false

	for {
		if ctx.Err() != nil {
			p.setState(Offline)
			return ctx.Err()
		}

		p.setState(Connecting)
		s, err := p.connect(ctx)
		if err != nil {
			p.log.Warn("connect: %v (retrying in %v)", err, backoff)
			if wasOnline {
				p.setState(Reconnecting)
			} else {
				p.setState(Offline)
			}
			if !p.sleep(ctx, backoff) {
				p.setState(Offline)
				return ctx.Err()
			}
			backoff = min(backoff*2, p.opts.MaxBackoff)
			continue
		}

		backoff = p.opts.MinBackoff
		wasOnline = true
		p.online(s)

		select {
		case <-s.Done():
			p.offline(s)
			p.setState(Reconnecting)
		case <-ctx.Done():
			_ = s.Close()
			p.offline(s)
			p.setState(Offline)
			return ctx.Err()
		}
	}
}

func (p *Peer) connect(ctx context.Context) (*Session, error) {
	b, err := p.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	s := newSession(b, p.opts.Session, p.log.With(b.RemoteAddr()))
	p.mu.RLock()
	for target, fn := range p.handlers {
		s.Handle(target, fn)
	}
	p.mu.RUnlock()
	b.Start()

	p.setState(AwaitAck)
	announce := messages.Announce{Identity: p.self, Software: p.opts.Software}
	out := s.Set(messages.TargetSession, messages.FieldIdentity, p.opts.AckTimeout, announce)
	if out.Err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("announce: %w", out.Err)
	}
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("announce: %w", runtime.ErrClosed)
	}
	s.state = Online
	s.mu.Unlock()
	return s, nil
}

func (p *Peer) online(s *Session) {
	p.mu.Lock()
	p.current = s
	callbacks := append(([]func(*Session))(nil), p.onOnline...)
	p.mu.Unlock()

	p.setState(PeerOnline)
	p.log.Info("online as %s via %s", p.self, s.RemoteAddr())
	for _, fn := range callbacks {
		fn(s)
	}
}

func (p *Peer) offline(s *Session) {
	p.mu.Lock()
	if p.current == s {
		p.current = nil
	}
	callbacks := append(([]func(*Session))(nil), p.onOffline...)
	p.mu.Unlock()

	p.log.Info("connection to hub lost")
	for _, fn := range callbacks {
		fn(s)
	}
}

func (p *Peer) setState(st PeerState) {
	p.mu.Lock()
	if p.state == st {
		p.mu.Unlock()
		return
	}
	p.state = st
	callbacks := append(([]func(PeerState))(nil), p.onState...)
	p.mu.Unlock()

	p.log.Debug("state %s", st)
	for _, fn := range callbacks {
		fn(st)
	}
}

func (p *Peer) sleep(ctx context.Context, d time.Duration) bool {
	t := p.opts.Session.Clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
