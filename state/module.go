package state

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/eljojo/hubsync/runtime"
)

// Module is a named subtree of registers. It owns the lock for every register
// and object below it, and is the only place state can be mutated.
type Module struct {
	mu        sync.RWMutex
	name      string
	version   Version
	registers []*Register
	byName    map[string]*Register

	obsMu     sync.Mutex
	observers []func(Change)
}

// NewModule takes ownership of registers. A register can belong to only one
// module; duplicate register names panic, as they are a programming error.
func NewModule(name string, registers ...*Register) *Module {
	m := &Module{name: name, byName: make(map[string]*Register, len(registers))}
	for _, r := range registers {
		if r.owned {
			panic(fmt.Sprintf("state: register %s already belongs to a module", r.name))
		}
		if _, dup := m.byName[r.name]; dup {
			panic(fmt.Sprintf("state: module %s declares register %s twice", name, r.name))
		}
		r.owned = true
		r.mu = &m.mu
		m.registers = append(m.registers, r)
		m.byName[r.name] = r
	}
	m.refresh()
	return m
}

// moduleFromPayload builds a raw-valued module shaped like p.
func moduleFromPayload(p ModulePayload) (*Module, error) {
	registers := make([]*Register, 0, len(p.Registers))
	for _, rp := range p.Registers {
		kind := rp.Kind
		if kind == "" {
			kind = Keyed
		}
		registers = append(registers, newRegister(rp.Name, kind, RawFactory))
	}
	m := NewModule(p.Name, registers...)
	if err := m.restoreModule(p, Overwrite, true); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Module) Name() string { return m.name }

func (m *Module) Version() Version {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Register returns the named register.
func (m *Module) Register(name string) (*Register, error) {
	r, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", m.name, name, runtime.ErrRegisterNotFound)
	}
	return r, nil
}

// Registers lists registers in declaration order.
func (m *Module) Registers() []*Register {
	return append([]*Register(nil), m.registers...)
}

// Export returns the full payload subtree.
func (m *Module) Export() (ModulePayload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := ModulePayload{Name: m.name, Version: m.version, Registers: make([]RegisterPayload, 0, len(m.registers))}
	for _, r := range m.registers {
		p, err := r.export()
		if err != nil {
			return ModulePayload{}, fmt.Errorf("module %s: %w", m.name, err)
		}
		out.Registers = append(out.Registers, p)
	}
	return out, nil
}

// Project returns the reference-only subtree.
func (m *Module) Project() ModuleRef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := ModuleRef{Name: m.name, Version: m.version, Registers: make([]RegisterRef, 0, len(m.registers))}
	for _, r := range m.registers {
		out.Registers = append(out.Registers, r.project())
	}
	return out
}

// Object exports a single object.
func (m *Module) Object(register, key string) (ObjectPayload, error) {
	r, err := m.Register(register)
	if err != nil {
		return ObjectPayload{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := r.index[key]
	if !ok {
		return ObjectPayload{}, fmt.Errorf("%s/%s/%s: %w", m.name, register, key, runtime.ErrObjectNotFound)
	}
	return o.export()
}

// Add inserts value under a fresh identity and version. name is required for
// keyed registers and ignored for ordered ones.
func (m *Module) Add(register, name string, value Value) (ObjectRef, error) {
	r, err := m.Register(register)
	if err != nil {
		return ObjectRef{}, err
	}
	o := &Object{id: NewObjectID(), version: NewVersion(), value: value}
	if r.kind == Keyed {
		o.name = name
	}

	m.mu.Lock()
	if err := r.insert(o); err != nil {
		m.mu.Unlock()
		return ObjectRef{}, fmt.Errorf("%s/%s: %w", m.name, register, err)
	}
	m.touch(r)
	ref := o.ref()
	m.mu.Unlock()

	m.notify(Change{Module: m.name, Register: register, Key: r.keyOf(o), Kind: ObjectChanged})
	return ref, nil
}

// Set applies data to the object at key. The object's version, and with it
// the register and module versions, move only when the payload changes.
func (m *Module) Set(register, key string, data json.RawMessage) (Version, error) {
	r, err := m.Register(register)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	o, ok := r.index[key]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%s/%s/%s: %w", m.name, register, key, runtime.ErrObjectNotFound)
	}
	if current, err := o.value.Get(); err == nil && samePayload(current, data) {
		v := o.version
		m.mu.Unlock()
		return v, nil
	}
	if err := o.value.Set(data); err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("set %s/%s/%s: %w", m.name, register, key, err)
	}
	o.version = NewVersion()
	m.touch(r)
	v := o.version
	m.mu.Unlock()

	m.notify(Change{Module: m.name, Register: register, Key: key, Kind: ObjectChanged})
	return v, nil
}

// Touch regenerates the version of the object at key after its Value was
// changed in place by application code.
func (m *Module) Touch(register, key string) (Version, error) {
	r, err := m.Register(register)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	o, ok := r.index[key]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%s/%s/%s: %w", m.name, register, key, runtime.ErrObjectNotFound)
	}
	o.version = NewVersion()
	m.touch(r)
	v := o.version
	m.mu.Unlock()

	m.notify(Change{Module: m.name, Register: register, Key: key, Kind: ObjectChanged})
	return v, nil
}

// Remove evicts the object at key.
func (m *Module) Remove(register, key string) error {
	return m.remove(register, key, false)
}

func (m *Module) remove(register, key string, remote bool) error {
	r, err := m.Register(register)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if _, ok := r.remove(key); !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s/%s/%s: %w", m.name, register, key, runtime.ErrObjectNotFound)
	}
	m.touch(r)
	m.mu.Unlock()

	m.notify(Change{Module: m.name, Register: register, Key: key, Kind: ObjectRemoved, Remote: remote})
	return nil
}

// RemoveRemote evicts an object on behalf of a remote tree.
func (m *Module) RemoveRemote(register, key string) error {
	return m.remove(register, key, true)
}

// ApplyObject writes a single remote object, adopting its identity and
// version. add inserts when the key is unknown; an update for an unknown key
// inserts as well. An incoming version equal to the local one is a no-op
// unless the payloads differ, which is reported as ErrVersionDrift.
func (m *Module) ApplyObject(register string, p ObjectPayload, add bool) error {
	r, err := m.Register(register)
	if err != nil {
		return err
	}
	key := p.Key(r.kind)

	m.mu.Lock()
	o, exists := r.index[key]
	switch {
	case exists && o.version == p.Version:
		current, gerr := o.value.Get()
		m.mu.Unlock()
		if gerr == nil && !samePayload(current, p.Data) {
			return fmt.Errorf("%s/%s/%s at %s: %w", m.name, register, key, p.Version, runtime.ErrVersionDrift)
		}
		return nil
	case exists:
		if add {
			log.Debug("%s/%s: add for existing %q, updating", m.name, register, key)
		}
		err = m.update(r, o, p)
	default:
		if !add {
			log.Debug("%s/%s: update for unknown %q, inserting", m.name, register, key)
		}
		err = m.create(r, p)
	}
	m.touch(r)
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("%s/%s: %w", m.name, register, err)
	}
	m.notify(Change{Module: m.name, Register: register, Key: key, Kind: ObjectChanged, Remote: true})
	return nil
}

// update assigns the incoming identity and version, then the payload. A
// failed Set leaves the object under a fresh version so it can never be
// mistaken for the incoming one.
func (m *Module) update(r *Register, o *Object, p ObjectPayload) error {
	if p.ObjectID != "" && p.ObjectID != o.id {
		delete(r.index, r.keyOf(o))
		o.id = p.ObjectID
		r.index[r.keyOf(o)] = o
	}
	o.version = p.Version
	if err := o.value.Set(p.Data); err != nil {
		o.version = NewVersion()
		return fmt.Errorf("set %s: %w", o.describe(), err)
	}
	return nil
}

func (m *Module) create(r *Register, p ObjectPayload) error {
	o := &Object{id: p.ObjectID, version: p.Version, value: r.factory(p.Name)}
	if r.kind == Keyed {
		o.name = p.Name
	}
	if o.id == "" {
		o.id = NewObjectID()
	}
	if o.version == "" {
		o.version = NewVersion()
	}
	if err := o.value.Set(p.Data); err != nil {
		return fmt.Errorf("create %s: %w", o.describe(), err)
	}
	return r.insert(o)
}

// touch recomputes the fingerprints above a changed register. Callers hold
// the write lock.
func (m *Module) touch(r *Register) {
	r.refresh()
	m.refresh()
}

func (m *Module) refresh() {
	entries := make([]fingerprintEntry, len(m.registers))
	for i, r := range m.registers {
		entries[i] = fingerprintEntry{key: r.name, parts: []string{string(r.version)}}
	}
	m.version = fingerprint("module", entries)
}

func (m *Module) observe(fn func(Change)) {
	m.obsMu.Lock()
	m.observers = append(m.observers, fn)
	m.obsMu.Unlock()
}

func (m *Module) notify(c Change) {
	m.obsMu.Lock()
	observers := append(([]func(Change))(nil), m.observers...)
	m.obsMu.Unlock()
	for _, fn := range observers {
		fn(c)
	}
}
