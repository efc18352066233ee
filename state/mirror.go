package state

import (
	"fmt"
	"sync"

	"github.com/eljojo/hubsync/runtime"
)

// Mirror is the authority's copy of one node's tree. Unlike a Node it grows:
// modules the authority has never seen are adopted on first push. Every
// object holds a RawValue.
type Mirror struct {
	mu      sync.RWMutex
	modules []*Module
	byName  map[string]*Module

	lmu       sync.Mutex
	listeners []func(Change)
}

// NewMirror rebuilds a mirror from stored payloads.
func NewMirror(payloads []ModulePayload) (*Mirror, error) {
	mr := &Mirror{byName: make(map[string]*Module, len(payloads))}
	for _, p := range payloads {
		if _, err := mr.Adopt(p); err != nil {
			return nil, err
		}
	}
	return mr, nil
}

func (mr *Mirror) Module(name string) (*Module, error) {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	m, ok := mr.byName[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, runtime.ErrModuleNotFound)
	}
	return m, nil
}

// Names lists adopted modules in adoption order.
func (mr *Mirror) Names() []string {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	names := make([]string, len(mr.modules))
	for i, m := range mr.modules {
		names[i] = m.name
	}
	return names
}

// Adopt replaces the named module with p, creating it if needed. Registers
// p introduces are added; registers it omits are dropped.
func (mr *Mirror) Adopt(p ModulePayload) (*Module, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("adopt: module without a name")
	}
	m, err := moduleFromPayload(p)
	if err != nil {
		return nil, fmt.Errorf("adopt %s: %w", p.Name, err)
	}
	m.observe(mr.emit)

	mr.mu.Lock()
	if _, ok := mr.byName[p.Name]; ok {
		for i, cur := range mr.modules {
			if cur.name == p.Name {
				mr.modules[i] = m
			}
		}
	} else {
		mr.modules = append(mr.modules, m)
	}
	mr.byName[p.Name] = m
	mr.mu.Unlock()

	mr.emit(Change{Module: p.Name, Kind: ModuleRestored, Remote: true})
	return m, nil
}

func (mr *Mirror) Export() ([]ModulePayload, error) {
	return exportAll(mr.snapshot())
}

func (mr *Mirror) Project() []ModuleRef {
	return projectAll(mr.snapshot())
}

// OnChange subscribes fn to every change in every adopted module.
func (mr *Mirror) OnChange(fn func(Change)) {
	mr.lmu.Lock()
	mr.listeners = append(mr.listeners, fn)
	mr.lmu.Unlock()
}

func (mr *Mirror) snapshot() []*Module {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return append([]*Module(nil), mr.modules...)
}

func (mr *Mirror) emit(c Change) {
	mr.lmu.Lock()
	listeners := append(([]func(Change))(nil), mr.listeners...)
	mr.lmu.Unlock()
	for _, fn := range listeners {
		fn(c)
	}
}
