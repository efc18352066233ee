package state

import (
	"errors"
	"fmt"

	"github.com/eljojo/hubsync/runtime"
)

var log = runtime.Log("state")

// Strategy governs how an incoming register payload is applied.
//
//	           remove local-only   update changed   insert incoming-only
//	Overwrite  all                 (full replace)   all
//	Sync       yes                 yes              yes
//	Merge      no                  yes              yes
//	Pick       no                  yes              no
type Strategy int

const (
	Overwrite Strategy = iota
	Sync
	Merge
	Pick
)

func (s Strategy) String() string {
	switch s {
	case Overwrite:
		return "OVERWRITE"
	case Sync:
		return "SYNC"
	case Merge:
		return "MERGE"
	case Pick:
		return "PICK"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

func (s Strategy) removes() bool { return s == Sync }
func (s Strategy) inserts() bool { return s == Sync || s == Merge }

// Restore reconciles one register against an incoming payload. The change
// is reported as local, so a node pushes the result to the hub.
func (m *Module) Restore(register string, p RegisterPayload, strategy Strategy) error {
	return m.restoreRegister(register, p, strategy, false)
}

// RestoreRemote is Restore for payloads that came from another tree.
func (m *Module) RestoreRemote(register string, p RegisterPayload, strategy Strategy) error {
	return m.restoreRegister(register, p, strategy, true)
}

func (m *Module) restoreRegister(register string, p RegisterPayload, strategy Strategy, remote bool) error {
	r, err := m.Register(register)
	if err != nil {
		return err
	}
	m.mu.Lock()
	err = m.restore(r, p, strategy)
	m.touch(r)
	m.mu.Unlock()

	m.notify(Change{Module: m.name, Register: register, Kind: RegisterRestored, Remote: remote})
	return err
}

// RestoreModule reconciles every register named in p. Registers p does not
// mention are left alone; registers this module does not know are skipped.
func (m *Module) RestoreModule(p ModulePayload, strategy Strategy) error {
	return m.restoreModule(p, strategy, false)
}

// RestoreModuleRemote is RestoreModule for payloads that came from another
// tree.
func (m *Module) RestoreModuleRemote(p ModulePayload, strategy Strategy) error {
	return m.restoreModule(p, strategy, true)
}

func (m *Module) restoreModule(p ModulePayload, strategy Strategy, remote bool) error {
	if p.Name != "" && p.Name != m.name {
		return fmt.Errorf("restore %s from payload for %s: %w", m.name, p.Name, runtime.ErrModuleNotFound)
	}
	var errs []error

	m.mu.Lock()
	for _, rp := range p.Registers {
		r, ok := m.byName[rp.Name]
		if !ok {
			log.Warn("%s: skipping unknown register %s", m.name, rp.Name)
			errs = append(errs, fmt.Errorf("%s/%s: %w", m.name, rp.Name, runtime.ErrRegisterNotFound))
			continue
		}
		if err := m.restore(r, rp, strategy); err != nil {
			errs = append(errs, err)
		}
		r.refresh()
	}
	m.refresh()
	m.mu.Unlock()

	m.notify(Change{Module: m.name, Kind: ModuleRestored, Remote: remote})
	return errors.Join(errs...)
}

// restore runs one strategy against r. Callers hold the write lock and
// refresh fingerprints afterwards.
func (m *Module) restore(r *Register, p RegisterPayload, strategy Strategy) error {
	if p.Kind != "" && p.Kind != r.kind {
		return fmt.Errorf("%s/%s: cannot restore %s payload into %s register", m.name, r.name, p.Kind, r.kind)
	}
	var errs []error
	fail := func(err error) {
		errs = append(errs, fmt.Errorf("%s/%s: %w", m.name, r.name, err))
	}

	if strategy == Overwrite {
		r.clear()
		for _, op := range p.Objects {
			if err := m.create(r, op); err != nil {
				fail(err)
			}
		}
		return errors.Join(errs...)
	}

	incoming := make(map[string]struct{}, len(p.Objects))
	for _, op := range p.Objects {
		incoming[op.Key(r.kind)] = struct{}{}
	}

	if strategy.removes() {
		for _, o := range append([]*Object(nil), r.objects...) {
			key := r.keyOf(o)
			if _, keep := incoming[key]; !keep {
				r.remove(key)
			}
		}
	}

	for _, op := range p.Objects {
		o, exists := r.index[op.Key(r.kind)]
		switch {
		case exists && o.version != op.Version:
			if err := m.update(r, o, op); err != nil {
				fail(err)
			}
		case exists:
		case strategy.inserts():
			if err := m.create(r, op); err != nil {
				fail(err)
			}
		}
	}
	return errors.Join(errs...)
}
