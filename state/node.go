package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/eljojo/hubsync/runtime"
)

// ChangeKind classifies a Change.
type ChangeKind int

const (
	ObjectChanged ChangeKind = iota
	ObjectRemoved
	RegisterRestored
	ModuleRestored
)

func (k ChangeKind) String() string {
	switch k {
	case ObjectChanged:
		return "object-changed"
	case ObjectRemoved:
		return "object-removed"
	case RegisterRestored:
		return "register-restored"
	case ModuleRestored:
		return "module-restored"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// Change is emitted after a mutation has been applied and the lock released.
// Remote is set when the change came from another tree (restore, diff apply,
// push) rather than from local application code.
type Change struct {
	Module   string
	Register string
	Key      string
	Kind     ChangeKind
	Remote   bool
}

// Tree is anything that owns modules by name: a Node or a Mirror.
type Tree interface {
	Module(name string) (*Module, error)
	Export() ([]ModulePayload, error)
	Project() []ModuleRef
}

// Node owns a fixed set of modules declared at construction.
type Node struct {
	modules []*Module
	byName  map[string]*Module

	mu        sync.Mutex
	listeners []func(Change)
}

// NewNode builds a node over modules. Module names must be unique.
func NewNode(modules ...*Module) (*Node, error) {
	n := &Node{byName: make(map[string]*Module, len(modules))}
	for _, m := range modules {
		if _, dup := n.byName[m.name]; dup {
			return nil, fmt.Errorf("duplicate module %q", m.name)
		}
		n.modules = append(n.modules, m)
		n.byName[m.name] = m
		m.observe(n.emit)
	}
	return n, nil
}

// Module returns the named module or ErrModuleNotFound.
func (n *Node) Module(name string) (*Module, error) {
	m, ok := n.byName[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, runtime.ErrModuleNotFound)
	}
	return m, nil
}

// Modules lists modules in declaration order.
func (n *Node) Modules() []*Module {
	return append([]*Module(nil), n.modules...)
}

func (n *Node) Export() ([]ModulePayload, error) {
	return exportAll(n.modules)
}

func (n *Node) Project() []ModuleRef {
	return projectAll(n.modules)
}

// Restore applies module payloads with strategy. Payloads for modules this
// node does not declare are skipped with a warning.
func (n *Node) Restore(payloads []ModulePayload, strategy Strategy) error {
	var errs []error
	for _, p := range payloads {
		m, err := n.Module(p.Name)
		if err != nil {
			log.Warn("restore: %v", err)
			errs = append(errs, err)
			continue
		}
		if err := m.RestoreModule(p, strategy); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnChange subscribes fn to every change in every module.
func (n *Node) OnChange(fn func(Change)) {
	n.mu.Lock()
	n.listeners = append(n.listeners, fn)
	n.mu.Unlock()
}

func (n *Node) emit(c Change) {
	n.mu.Lock()
	listeners := append(([]func(Change))(nil), n.listeners...)
	n.mu.Unlock()
	for _, fn := range listeners {
		fn(c)
	}
}

func exportAll(modules []*Module) ([]ModulePayload, error) {
	out := make([]ModulePayload, 0, len(modules))
	for _, m := range modules {
		p, err := m.Export()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func projectAll(modules []*Module) []ModuleRef {
	out := make([]ModuleRef, 0, len(modules))
	for _, m := range modules {
		out = append(out, m.Project())
	}
	return out
}
