package state

import (
	"errors"
	"fmt"
	"sync"
)

// Object is a leaf of state. It is owned by exactly one Register and has no
// public mutators; change it through its Module.
type Object struct {
	id      ObjectID
	name    string
	version Version
	value   Value
}

func (o *Object) ID() ObjectID     { return o.id }
func (o *Object) Name() string     { return o.name }
func (o *Object) Version() Version { return o.version }

func (o *Object) export() (ObjectPayload, error) {
	data, err := o.value.Get()
	if err != nil {
		return ObjectPayload{}, fmt.Errorf("get %s: %w", o.describe(), err)
	}
	return ObjectPayload{Name: o.name, ObjectID: o.id, Version: o.version, Data: data}, nil
}

func (o *Object) ref() ObjectRef {
	return ObjectRef{Name: o.name, ObjectID: o.id, Version: o.version}
}

func (o *Object) describe() string {
	if o.name != "" {
		return o.name
	}
	return string(o.id)
}

// Register is a keyed or ordered collection of Objects owned by one Module.
type Register struct {
	mu      *sync.RWMutex // the owning module's lock once attached
	name    string
	kind    RegisterKind
	version Version
	objects []*Object          // insertion order
	index   map[string]*Object // by key
	factory Factory
	owned   bool
}

// NewKeyedRegister creates a register addressing objects by unique name.
// factory builds values for unknown incoming objects; nil means RawFactory.
func NewKeyedRegister(name string, factory Factory) *Register {
	return newRegister(name, Keyed, factory)
}

// NewOrderedRegister creates a register addressing objects by ObjectID.
func NewOrderedRegister(name string, factory Factory) *Register {
	return newRegister(name, Ordered, factory)
}

func newRegister(name string, kind RegisterKind, factory Factory) *Register {
	if factory == nil {
		factory = RawFactory
	}
	r := &Register{
		mu:      &sync.RWMutex{},
		name:    name,
		kind:    kind,
		index:   make(map[string]*Object),
		factory: factory,
	}
	r.refresh()
	return r
}

func (r *Register) Name() string       { return r.name }
func (r *Register) Kind() RegisterKind { return r.kind }

func (r *Register) Version() Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

func (r *Register) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}

// Keys lists object keys in insertion order.
func (r *Register) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, len(r.objects))
	for i, o := range r.objects {
		keys[i] = r.keyOf(o)
	}
	return keys
}

// Lookup returns the reference projection of the object at key.
func (r *Register) Lookup(key string) (ObjectRef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.index[key]
	if !ok {
		return ObjectRef{}, false
	}
	return o.ref(), true
}

// Export returns the full payload subtree.
func (r *Register) Export() (RegisterPayload, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.export()
}

// Project returns the reference-only subtree.
func (r *Register) Project() RegisterRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.project()
}

func (r *Register) export() (RegisterPayload, error) {
	out := RegisterPayload{Name: r.name, Kind: r.kind, Version: r.version, Objects: make([]ObjectPayload, 0, len(r.objects))}
	for _, o := range r.objects {
		p, err := o.export()
		if err != nil {
			return RegisterPayload{}, fmt.Errorf("register %s: %w", r.name, err)
		}
		out.Objects = append(out.Objects, p)
	}
	return out, nil
}

func (r *Register) project() RegisterRef {
	out := RegisterRef{Name: r.name, Kind: r.kind, Version: r.version, Objects: make([]ObjectRef, 0, len(r.objects))}
	for _, o := range r.objects {
		out.Objects = append(out.Objects, o.ref())
	}
	return out
}

func (r *Register) keyOf(o *Object) string {
	if r.kind == Keyed {
		return o.name
	}
	return string(o.id)
}

// === mutation, only reachable through Module with the lock held ===

func (r *Register) insert(o *Object) error {
	if r.kind == Keyed && o.name == "" {
		return errors.New("keyed register needs a name")
	}
	key := r.keyOf(o)
	if _, exists := r.index[key]; exists {
		return fmt.Errorf("register %s already holds %q", r.name, key)
	}
	r.objects = append(r.objects, o)
	r.index[key] = o
	return nil
}

func (r *Register) remove(key string) (*Object, bool) {
	o, ok := r.index[key]
	if !ok {
		return nil, false
	}
	delete(r.index, key)
	for i, cur := range r.objects {
		if cur == o {
			r.objects = append(r.objects[:i:i], r.objects[i+1:]...)
			break
		}
	}
	return o, true
}

func (r *Register) clear() {
	r.objects = nil
	r.index = make(map[string]*Object)
}

// refresh recomputes the register fingerprint from its children.
func (r *Register) refresh() {
	entries := make([]fingerprintEntry, len(r.objects))
	for i, o := range r.objects {
		entries[i] = fingerprintEntry{key: r.keyOf(o), parts: []string{string(o.id), string(o.version)}}
	}
	r.version = fingerprint(string(r.kind), entries)
}
