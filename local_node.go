package hubsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/eljojo/hubsync/diff"
	"github.com/eljojo/hubsync/discovery"
	"github.com/eljojo/hubsync/messages"
	"github.com/eljojo/hubsync/runtime"
	"github.com/eljojo/hubsync/session"
	"github.com/eljojo/hubsync/state"
	"github.com/eljojo/hubsync/transport"
)

// LocalNode keeps a node's tree in step with the hub. It resyncs on every
// connect and pushes local changes while online. Changes made while offline
// are settled by the next resync, where the hub's copy wins.
type LocalNode struct {
	cfg     NodeConfig
	tree    *state.Node
	peer    *session.Peer
	browser *discovery.Browser
	log     *runtime.ServiceLog

	mu      sync.Mutex
	pending map[string]state.Change
	order   []string
	resyncs int
	wake    chan struct{}
}

// NewLocalNode prepares tree for syncing. Nothing connects until Run.
func NewLocalNode(cfg NodeConfig, tree *state.Node) (*LocalNode, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	n := &LocalNode{
		cfg:     cfg,
		tree:    tree,
		log:     runtime.Log("node"),
		pending: make(map[string]state.Change),
		wake:    make(chan struct{}, 1),
	}
	if cfg.HubURL == "" && cfg.SocketPath == "" {
		n.browser = discovery.NewBrowser(cfg.MQTT)
	}
	n.peer = session.NewPeer(cfg.Identity, n.dial, session.PeerOptions{
		Session:    session.Options{Correlation: cfg.Correlation, DefaultTimeout: cfg.Timeout},
		AckTimeout: cfg.Timeout,
		MinBackoff: cfg.MinBackoff,
		MaxBackoff: cfg.MaxBackoff,
		Software:   cfg.Software,
	})
	n.peer.OnOnline(func(s *session.Session) {
		if err := n.resync(s); err != nil {
			n.log.Warn("resync: %v", err)
		}
	})
	tree.OnChange(n.queue)
	return n, nil
}

func (n *LocalNode) dial(ctx context.Context) (transport.Binding, error) {
	url := n.cfg.HubURL
	switch {
	case url != "":
	case n.cfg.SocketPath != "":
		conn, err := transport.DialUnix(ctx, n.cfg.SocketPath)
		if err != nil {
			return nil, err
		}
		return conn, nil
	default:
		lookup, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
		defer cancel()
		a, err := n.browser.Lookup(lookup, n.cfg.HubName)
		if err != nil {
			return nil, fmt.Errorf("discover hub %s: %w", n.cfg.HubName, err)
		}
		url = a.URL
	}
	conn, err := transport.DialWebsocket(ctx, url)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Run connects, and keeps reconnecting, until ctx is done.
func (n *LocalNode) Run(ctx context.Context) error {
	if n.browser != nil {
		if err := n.browser.Start(); err != nil {
			return err
		}
		defer n.browser.Stop()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.peer.Run(ctx) })
	g.Go(func() error {
		n.pushLoop(ctx)
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (n *LocalNode) Tree() *state.Node { return n.tree }

func (n *LocalNode) State() session.PeerState { return n.peer.State() }

// Handle serves requests the hub sends to target.
func (n *LocalNode) Handle(target string, fn session.HandlerFunc) {
	n.peer.Handle(target, fn)
}

// Resyncs counts completed resyncs.
func (n *LocalNode) Resyncs() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.resyncs
}

// Resync asks the hub for everything that differs and applies it.
func (n *LocalNode) Resync() error {
	s := n.peer.Session()
	if s == nil {
		return fmt.Errorf("resync: %w", runtime.ErrClosed)
	}
	return n.resync(s)
}

func (n *LocalNode) resync(s *session.Session) error {
	req := messages.NewDiffRequest(n.tree.Project())
	var resp messages.DiffResponse
	if err := s.Request(messages.TargetSync, messages.FieldDiff, n.cfg.Timeout, req).Decode(&resp); err != nil {
		return fmt.Errorf("diff: %w", err)
	}

	errs := []error{diff.Apply(n.tree, resp)}
	push := append([]string(nil), resp.Missing...)
	for _, e := range resp.Modules {
		if n.outgrew(e.Module) {
			push = append(push, e.Name)
		}
	}
	for _, name := range push {
		if err := n.pushModule(s, name); err != nil {
			errs = append(errs, err)
		}
	}

	if n.cfg.Verify {
		errs = append(errs, n.verify(s))
	}

	n.mu.Lock()
	n.resyncs++
	n.mu.Unlock()
	if resp.Empty() {
		n.log.Info("in sync with the hub")
	} else {
		n.log.Info("resynced: %d modules, %d registers, %d objects from the hub, %d modules pushed",
			len(resp.Modules), len(resp.Registers), len(resp.Objects), len(push))
	}
	return errors.Join(errs...)
}

// Verify fetches the hub's copy of this node's tree and reports every object
// whose version agrees with the local one while its payload does not.
func (n *LocalNode) Verify() error {
	s := n.peer.Session()
	if s == nil {
		return fmt.Errorf("verify: %w", runtime.ErrClosed)
	}
	return n.verify(s)
}

func (n *LocalNode) verify(s *session.Session) error {
	var export messages.Export
	if err := s.Request(messages.TargetSync, messages.FieldExport, n.cfg.Timeout, nil).Decode(&export); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	authority, err := state.NewMirror(export)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	return diff.CheckDrift(n.tree, authority)
}

// Emit raises event on target for the hub. It fails with ErrClosed while
// offline; events are not queued.
func (n *LocalNode) Emit(target, event string, data any) error {
	s := n.peer.Session()
	if s == nil {
		return fmt.Errorf("emit %s/%s: %w", target, event, runtime.ErrClosed)
	}
	return s.Emit(target, event, data)
}

// outgrew reports whether the local module declares a different set of
// registers than the hub's copy p. Restoring p cannot settle that, so the
// node's module is pushed after the hub's data was applied.
func (n *LocalNode) outgrew(p state.ModulePayload) bool {
	mod, err := n.tree.Module(p.Name)
	if err != nil {
		return false
	}
	registers := mod.Registers()
	if len(registers) != len(p.Registers) {
		return true
	}
	for _, r := range registers {
		if _, ok := p.Register(r.Name()); !ok {
			return true
		}
	}
	return false
}

// queue collects local changes; remote ones came from the hub already.
// Repeated changes to one object collapse into a single push.
func (n *LocalNode) queue(c state.Change) {
	if c.Remote {
		return
	}
	key := c.Module + "/" + c.Register + "/" + c.Key
	n.mu.Lock()
	if _, ok := n.pending[key]; !ok {
		n.order = append(n.order, key)
	}
	n.pending[key] = c
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *LocalNode) drain() []state.Change {
	n.mu.Lock()
	defer n.mu.Unlock()
	changes := make([]state.Change, 0, len(n.order))
	for _, key := range n.order {
		changes = append(changes, n.pending[key])
	}
	n.pending = make(map[string]state.Change)
	n.order = nil
	return changes
}

func (n *LocalNode) pushLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.wake:
		}

		changes := n.drain()
		s := n.peer.Session()
		if s == nil {
			n.log.Debug("offline, leaving %d changes to the next resync", len(changes))
			continue
		}
		for _, c := range changes {
			if err := n.push(s, c); err != nil {
				n.log.Warn("push %s %s/%s/%s: %v", c.Kind, c.Module, c.Register, c.Key, err)
			}
		}
	}
}

func (n *LocalNode) push(s *session.Session, c state.Change) error {
	switch c.Kind {
	case state.ObjectChanged:
		mod, err := n.tree.Module(c.Module)
		if err != nil {
			return err
		}
		p, err := mod.Object(c.Register, c.Key)
		if errors.Is(err, runtime.ErrObjectNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		push := messages.ObjectPush{Mod: c.Module, RegisterName: c.Register, Object: p}
		return s.Set(messages.TargetSync, messages.FieldObject, n.cfg.Timeout, push).Err
	case state.ObjectRemoved:
		removal := messages.ObjectRemoval{Mod: c.Module, RegisterName: c.Register, Key: c.Key}
		return s.Delete(messages.TargetSync, messages.FieldObject, n.cfg.Timeout, removal).Err
	default:
		return n.pushModule(s, c.Module)
	}
}

func (n *LocalNode) pushModule(s *session.Session, name string) error {
	mod, err := n.tree.Module(name)
	if err != nil {
		return err
	}
	p, err := mod.Export()
	if err != nil {
		return err
	}
	if out := s.Set(messages.TargetSync, messages.FieldModule, n.cfg.Timeout, p); out.Err != nil {
		return fmt.Errorf("push module %s: %w", name, out.Err)
	}
	return nil
}
