// Package diff computes and applies minimal-delta resynchronization between
// an authority tree and a node's references.
//
// The responder walks each requested module top-down and stops at the first
// level that diverges: a module whose version differs is sent whole, a
// register whose version differs is sent whole, and only below matching
// registers are individual objects compared. Objects that exist only in the
// reference are never reported at the leaf level; deletions travel with a
// whole register or module.
package diff

import (
	"errors"
	"fmt"

	"github.com/eljojo/hubsync/messages"
	"github.com/eljojo/hubsync/runtime"
	"github.com/eljojo/hubsync/state"
)

var log = runtime.Log("diff")

// FirstContactPolicy decides what happens when the authority has never seen
// a module the node asks about.
type FirstContactPolicy int

const (
	// FirstContactNodeWins lists the module as missing; the node then pushes
	// its copy and the authority adopts it.
	FirstContactNodeWins FirstContactPolicy = iota
	// FirstContactStrict emits nothing and logs ErrModuleNotFound; the node
	// keeps its local copy and does not push it.
	FirstContactStrict
)

func (p FirstContactPolicy) String() string {
	switch p {
	case FirstContactNodeWins:
		return "node-wins"
	case FirstContactStrict:
		return "strict"
	default:
		return fmt.Sprintf("FirstContactPolicy(%d)", int(p))
	}
}

// ParsePolicy maps a config string to a policy.
func ParsePolicy(s string) (FirstContactPolicy, error) {
	switch s {
	case "", "node-wins":
		return FirstContactNodeWins, nil
	case "strict":
		return FirstContactStrict, nil
	default:
		return 0, fmt.Errorf("unknown first-contact policy %q", s)
	}
}

// Compute answers a diff request against authority.
func Compute(authority state.Tree, refs []state.ModuleRef, policy FirstContactPolicy) (messages.DiffResponse, error) {
	resp := messages.DiffResponse{
		Modules:   []messages.ModuleEntry{},
		Registers: []messages.RegisterEntry{},
		Objects:   []messages.ObjectEntry{},
	}
	for _, ref := range refs {
		m, err := authority.Module(ref.Name)
		if err != nil {
			if policy == FirstContactNodeWins {
				resp.Missing = append(resp.Missing, ref.Name)
			} else {
				log.Warn("diff: %v", err)
			}
			continue
		}
		// one snapshot per module so versions and payloads agree
		snapshot, err := m.Export()
		if err != nil {
			return messages.DiffResponse{}, err
		}
		if snapshot.Version != ref.Version {
			resp.Modules = append(resp.Modules, messages.ModuleEntry{Name: snapshot.Name, Module: snapshot})
			runtime.DiffEntries.WithLabelValues("module").Inc()
			continue
		}
		for _, rr := range ref.Registers {
			compareRegister(&resp, snapshot, rr)
		}
	}
	return resp, nil
}

func compareRegister(resp *messages.DiffResponse, snapshot state.ModulePayload, rr state.RegisterRef) {
	reg, ok := snapshot.Register(rr.Name)
	if !ok {
		log.Warn("diff: %s/%s: %v", snapshot.Name, rr.Name, runtime.ErrRegisterNotFound)
		return
	}
	if reg.Version != rr.Version {
		resp.Registers = append(resp.Registers, messages.RegisterEntry{Mod: snapshot.Name, Register: reg})
		runtime.DiffEntries.WithLabelValues("register").Inc()
		return
	}

	known := make(map[string]state.Version, len(rr.Objects))
	for _, o := range rr.Objects {
		known[o.Key(reg.Kind)] = o.Version
	}
	for _, o := range reg.Objects {
		version, ok := known[o.Key(reg.Kind)]
		if ok && version == o.Version {
			continue
		}
		resp.Objects = append(resp.Objects, messages.ObjectEntry{
			Mod:          snapshot.Name,
			RegisterName: reg.Name,
			Object:       o,
			Add:          !ok,
			Name:         o.Name,
		})
		runtime.DiffEntries.WithLabelValues("object").Inc()
	}
}

// Apply runs a diff response against a node: whole modules and registers
// with Sync, single objects by direct insert or set. Entries for unknown
// subtrees are logged and skipped; the rest still apply.
func Apply(node state.Tree, resp messages.DiffResponse) error {
	var errs []error
	skip := func(err error) {
		log.Warn("apply: %v", err)
		errs = append(errs, err)
	}

	for _, e := range resp.Modules {
		m, err := node.Module(e.Name)
		if err != nil {
			skip(err)
			continue
		}
		if err := m.RestoreModuleRemote(e.Module, state.Sync); err != nil {
			skip(err)
		}
	}
	for _, e := range resp.Registers {
		m, err := node.Module(e.Mod)
		if err != nil {
			skip(err)
			continue
		}
		if err := m.RestoreRemote(e.Register.Name, e.Register, state.Sync); err != nil {
			skip(err)
		}
	}
	for _, e := range resp.Objects {
		m, err := node.Module(e.Mod)
		if err != nil {
			skip(err)
			continue
		}
		if err := m.ApplyObject(e.RegisterName, e.Object, e.Add); err != nil {
			skip(err)
		}
	}
	return errors.Join(errs...)
}

// CheckDrift exports every module both trees hold and reports objects whose
// versions agree while their payloads do not.
func CheckDrift(a, b state.Tree) error {
	ours, err := a.Export()
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range ours {
		m, err := b.Module(p.Name)
		if err != nil {
			continue
		}
		theirs, err := m.Export()
		if err != nil {
			return err
		}
		if err := state.CheckDrift(p, theirs); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Error("%v", err)
		return err
	}
	return nil
}
