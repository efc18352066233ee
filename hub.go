// Package hubsync wires sessions, state trees and persistence into the two
// processes of a deployment: the hub, which keeps the authoritative copy of
// every node's tree, and the nodes that own those trees.
package hubsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/eljojo/hubsync/diff"
	"github.com/eljojo/hubsync/discovery"
	"github.com/eljojo/hubsync/messages"
	"github.com/eljojo/hubsync/runtime"
	"github.com/eljojo/hubsync/services/stash"
	"github.com/eljojo/hubsync/session"
	"github.com/eljojo/hubsync/state"
	"github.com/eljojo/hubsync/transport"
	"github.com/eljojo/hubsync/utilities"
)

// HubServer is the hub process: it accepts nodes, answers their diff
// requests from per-node authority mirrors and persists those mirrors.
type HubServer struct {
	cfg      HubConfig
	hub      *session.Hub
	store    *stash.Store
	stash    *stash.Service
	services *runtime.Group
	registry *prometheus.Registry
	log      *runtime.ServiceLog

	mu      sync.Mutex
	mirrors map[string]*state.Mirror

	evMu    sync.Mutex
	onEvent []func(NodeEvent)

	listener net.Listener
	server   *http.Server
}

// NewHubServer opens the authority store and prepares the session hub.
// Nothing listens until Listen.
func NewHubServer(cfg HubConfig) (*HubServer, error) {
	cfg = cfg.withDefaults()
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	if err := runtime.RegisterMetrics(registry); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	h := &HubServer{
		cfg:      cfg,
		store:    store,
		stash:    stash.NewService(store, stash.Options{Debounce: cfg.Debounce}),
		services: runtime.NewGroup("hub"),
		registry: registry,
		log:      runtime.Log("hub"),
		mirrors:  make(map[string]*state.Mirror),
		hub: session.NewHub(session.HubOptions{
			Session:         session.Options{Correlation: cfg.Correlation},
			IdentityTimeout: cfg.IdentityTimeout,
		}),
	}
	h.services.AddService(h.stash)
	h.hub.Handle(messages.TargetSync, h.handleSync)
	h.hub.OnOnline(h.nodeOnline)
	h.hub.OnOffline(func(s *session.Session) {
		h.log.Info("%s left after %v", s.Identity().Name, time.Since(s.ConnectedAt()).Round(time.Second))
	})
	return h, nil
}

func openStore(cfg HubConfig) (*stash.Store, error) {
	var enc *utilities.Encryptor
	if cfg.Secret != "" {
		var err error
		if enc, err = utilities.NewEncryptor([]byte(cfg.Secret)); err != nil {
			return nil, err
		}
	}
	if cfg.DataDir == "" {
		return stash.NewStore(stash.NewMemoryBackend(), enc), nil
	}
	backend, err := stash.OpenPebble(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.DataDir, err)
	}
	return stash.NewStore(backend, enc), nil
}

// Listen binds the HTTP listener and starts the background services.
func (h *HubServer) Listen() error {
	ln, err := net.Listen("tcp", h.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}
	h.listener = ln
	h.server = &http.Server{Handler: h.mux(), ReadHeaderTimeout: 10 * time.Second}
	h.log.Info("listening for nodes at %s", h.URL())

	if h.cfg.MQTT.Broker != "" {
		h.services.AddService(discovery.NewAnnouncer(h.cfg.MQTT, discovery.Announcement{Name: h.cfg.Name, URL: h.URL()}))
	}
	if err := h.services.Start(); err != nil {
		_ = ln.Close()
		return err
	}
	return nil
}

// Serve runs until ctx is done or a listener fails, then shuts down: open
// sessions are closed and dirty trees flushed.
func (h *HubServer) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := h.server.Serve(h.listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if h.cfg.SocketPath != "" {
		g.Go(func() error {
			return transport.ListenUnix(ctx, h.cfg.SocketPath, h.accept)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return h.shutdown()
	})
	return g.Wait()
}

// Run is Listen followed by Serve.
func (h *HubServer) Run(ctx context.Context) error {
	if err := h.Listen(); err != nil {
		return err
	}
	return h.Serve(ctx)
}

func (h *HubServer) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.server.Shutdown(ctx)
	_ = h.hub.Close()
	h.services.Stop()
	return errors.Join(err, h.store.Close())
}

// Addr is the bound HTTP address.
func (h *HubServer) Addr() string {
	return h.listener.Addr().String()
}

// URL is the websocket address nodes should dial.
func (h *HubServer) URL() string {
	if h.cfg.PublicURL != "" {
		return h.cfg.PublicURL
	}
	addr := h.listener.Addr().(*net.TCPAddr)
	host := addr.IP.String()
	if addr.IP.IsUnspecified() {
		host, _ = os.Hostname()
	}
	return fmt.Sprintf("ws://%s/ws", net.JoinHostPort(host, fmt.Sprint(addr.Port)))
}

// Hub exposes the session registry.
func (h *HubServer) Hub() *session.Hub { return h.hub }

func (h *HubServer) accept(b transport.Binding) {
	h.hub.Accept(b)
}

func (h *HubServer) nodeOnline(s *session.Session) {
	name := s.Identity().Name.String()
	if _, _, err := h.loadMirror(name, true); err != nil {
		h.log.Error("authority tree for %s: %v", name, err)
	}
	for _, target := range h.cfg.Watch {
		session.NewRequester(s, target).On("", func(event string, data json.RawMessage) {
			h.raise(NodeEvent{Node: name, Target: target, Event: event, Data: data})
		})
	}
}

// NodeEvent is an event a node raised on a watched target.
type NodeEvent struct {
	Node   string          `json:"node"`
	Target string          `json:"target"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// OnEvent runs fn for every event raised on a target in HubConfig.Watch.
// fn runs on the node's session goroutine and must not block on it.
func (h *HubServer) OnEvent(fn func(NodeEvent)) {
	h.evMu.Lock()
	h.onEvent = append(h.onEvent, fn)
	h.evMu.Unlock()
}

func (h *HubServer) raise(ev NodeEvent) {
	runtime.NodeEvents.WithLabelValues(ev.Target, ev.Event).Inc()
	h.log.Info("%s raised %s/%s %s", ev.Node, ev.Target, ev.Event, ev.Data)

	h.evMu.Lock()
	callbacks := append(([]func(NodeEvent))(nil), h.onEvent...)
	h.evMu.Unlock()
	for _, fn := range callbacks {
		fn(ev)
	}
}

// Requester binds target on the named node's ONLINE session, for issuing
// commands to it.
func (h *HubServer) Requester(name, target string) (*session.Requester, error) {
	for _, s := range h.hub.Sessions() {
		if s.Identity().Name.String() == name {
			return session.NewRequester(s, target), nil
		}
	}
	return nil, fmt.Errorf("%s: %w", name, runtime.ErrNodeOffline)
}

// Mirror returns the authority tree for a node, loading it from the store
// when needed. ok is false for nodes the hub has never seen.
func (h *HubServer) Mirror(name string) (*state.Mirror, bool) {
	m, ok, err := h.loadMirror(name, false)
	if err != nil {
		h.log.Error("authority tree for %s: %v", name, err)
		return nil, false
	}
	return m, ok
}

func (h *HubServer) loadMirror(name string, create bool) (*state.Mirror, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.mirrors[name]; ok {
		return m, true, nil
	}

	payloads, found, err := h.stash.Load(name)
	if err != nil {
		return nil, false, err
	}
	if !found && !create {
		return nil, false, nil
	}
	m, err := state.NewMirror(payloads)
	if err != nil {
		return nil, false, fmt.Errorf("rebuild %s: %w", name, err)
	}
	m.OnChange(func(state.Change) {
		h.stash.MarkDirty(name, m.Export)
	})
	h.mirrors[name] = m
	if found {
		h.log.Info("restored authority tree for %s (%d modules)", name, len(payloads))
	}
	return m, true, nil
}

func (h *HubServer) handleSync(s *session.Session, msg *runtime.Message) (any, error) {
	name := s.Identity().Name.String()
	mirror, _, err := h.loadMirror(name, true)
	if err != nil {
		return nil, err
	}

	switch {
	case msg.Field == messages.FieldDiff && msg.Mode == runtime.ModeGet:
		var req messages.DiffRequest
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		if err := req.Validate(); err != nil {
			return nil, err
		}
		resp, err := diff.Compute(mirror, req.Refs(), h.cfg.Policy)
		if err != nil {
			return nil, err
		}
		h.log.Debug("diff for %s: %d modules, %d registers, %d objects, %d missing",
			name, len(resp.Modules), len(resp.Registers), len(resp.Objects), len(resp.Missing))
		return resp, nil

	case msg.Field == messages.FieldModule && msg.Mode == runtime.ModeSet:
		var p messages.ModulePush
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		mod, err := mirror.Adopt(p)
		if err != nil {
			return nil, err
		}
		h.log.Info("%s pushed module %s", name, mod.Name())
		return mod.Version(), nil

	case msg.Field == messages.FieldObject && msg.Mode == runtime.ModeSet:
		var p messages.ObjectPush
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		mod, err := mirror.Module(p.Mod)
		if err != nil {
			return nil, err
		}
		if err := mod.ApplyObject(p.RegisterName, p.Object, true); err != nil {
			if errors.Is(err, runtime.ErrVersionDrift) {
				h.log.Error("%s: %v", name, err)
			}
			return nil, err
		}
		return mod.Version(), nil

	case msg.Field == messages.FieldExport && msg.Mode == runtime.ModeGet:
		modules, err := mirror.Export()
		if err != nil {
			return nil, err
		}
		if modules == nil {
			modules = messages.Export{}
		}
		return messages.Export(modules), nil

	case msg.Field == messages.FieldObject && msg.Mode == runtime.ModeDel:
		var p messages.ObjectRemoval
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		mod, err := mirror.Module(p.Mod)
		if err != nil {
			return nil, err
		}
		if err := mod.RemoveRemote(p.RegisterName, p.Key); err != nil && !errors.Is(err, runtime.ErrObjectNotFound) {
			return nil, err
		}
		return mod.Version(), nil
	}
	return nil, fmt.Errorf("unsupported %s %s/%s", msg.Mode, msg.Target, msg.Field)
}

// NodeStatus is one row of /api/nodes.
type NodeStatus struct {
	Name        string                   `json:"name"`
	ID          string                   `json:"id,omitempty"`
	Kind        string                   `json:"kind,omitempty"`
	Online      bool                     `json:"online"`
	Remote      string                   `json:"remote,omitempty"`
	ConnectedAt *time.Time               `json:"connected_at,omitempty"`
	Pending     int                      `json:"pending"`
	Modules     map[string]state.Version `json:"modules,omitempty"`
}

// Statuses lists every node the hub knows: online, loaded or stored.
func (h *HubServer) Statuses() []NodeStatus {
	byName := make(map[string]*NodeStatus)
	get := func(name string) *NodeStatus {
		if st, ok := byName[name]; ok {
			return st
		}
		st := &NodeStatus{Name: name}
		byName[name] = st
		return st
	}

	for _, s := range h.hub.Sessions() {
		id := s.Identity()
		connected := s.ConnectedAt()
		st := get(id.Name.String())
		st.ID = id.ID.String()
		st.Kind = id.Kind.String()
		st.Online = true
		st.Remote = s.RemoteAddr()
		st.ConnectedAt = &connected
		st.Pending = s.Pending()
	}

	h.mu.Lock()
	for name, m := range h.mirrors {
		st := get(name)
		st.Modules = make(map[string]state.Version)
		for _, ref := range m.Project() {
			st.Modules[ref.Name] = ref.Version
		}
	}
	h.mu.Unlock()

	if stored, err := h.store.Names(); err != nil {
		h.log.Warn("list stored trees: %v", err)
	} else {
		for _, name := range stored {
			get(name)
		}
	}

	out := make([]NodeStatus, 0, len(byName))
	for _, st := range byName {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
