package messages

import (
	"errors"

	"github.com/eljojo/hubsync/state"
)

// Sync targets and fields.
const (
	TargetSync  = "sync"
	FieldDiff   = "diff"
	FieldModule = "module"
	FieldObject = "object"
	FieldExport = "export"
)

// DiffRequest asks the authority to bring the caller's modules up to date.
//
// Target: sync/diff (GET)
// Flow: Node → Hub, on every transition to ONLINE
// Response: DiffResponse
type DiffRequest struct {
	Modules []DiffRequestModule `json:"modules"`
}

// DiffRequestModule is one module reference in a DiffRequest.
type DiffRequestModule struct {
	Name string          `json:"name"`
	Data state.ModuleRef `json:"data"`
}

// NewDiffRequest wraps local module references.
func NewDiffRequest(refs []state.ModuleRef) DiffRequest {
	req := DiffRequest{Modules: make([]DiffRequestModule, 0, len(refs))}
	for _, ref := range refs {
		req.Modules = append(req.Modules, DiffRequestModule{Name: ref.Name, Data: ref})
	}
	return req
}

// Refs unwraps the module references, defaulting each name from its wrapper.
func (r DiffRequest) Refs() []state.ModuleRef {
	refs := make([]state.ModuleRef, 0, len(r.Modules))
	for _, m := range r.Modules {
		ref := m.Data
		if ref.Name == "" {
			ref.Name = m.Name
		}
		refs = append(refs, ref)
	}
	return refs
}

// Validate checks if the payload is well-formed.
func (r *DiffRequest) Validate() error {
	for _, m := range r.Modules {
		if m.Name == "" && m.Data.Name == "" {
			return errors.New("module name required")
		}
	}
	return nil
}

// DiffResponse is the minimal delta: at most one granularity per diverging
// branch.
//
// Target: sync/diff (RSP)
// Flow: Hub → Node
//
// Version History:
//
//	v1: Initial version
//	v2: Missing lists modules the authority has never seen
type DiffResponse struct {
	Modules   []ModuleEntry   `json:"modules"`
	Registers []RegisterEntry `json:"registers"`
	Objects   []ObjectEntry   `json:"objects"`

	// Missing names requested modules the authority holds no copy of; the
	// node answers by pushing them with SET sync/module.
	Missing []string `json:"missing,omitempty"`
}

// Empty reports whether the response carries no entries at all.
func (r DiffResponse) Empty() bool {
	return len(r.Modules) == 0 && len(r.Registers) == 0 && len(r.Objects) == 0 && len(r.Missing) == 0
}

// ModuleEntry carries a whole module.
type ModuleEntry struct {
	Name   string              `json:"name"`
	Module state.ModulePayload `json:"module"`
}

// RegisterEntry carries a whole register.
type RegisterEntry struct {
	Mod      string                `json:"mod"`
	Register state.RegisterPayload `json:"register"`
}

// ObjectEntry carries a single object, flagged add when the reference did
// not hold it.
type ObjectEntry struct {
	Mod          string              `json:"mod"`
	RegisterName string              `json:"registerName"`
	Object       state.ObjectPayload `json:"object"`
	Add          bool                `json:"add"`
	Name         string              `json:"name,omitempty"`
}

// ObjectPush sends one locally changed object to the authority.
//
// Target: sync/object (SET)
// Flow: Node → Hub
// Response: empty RSP, or err when the module/register is unknown or the
// push would make equal versions disagree.
type ObjectPush struct {
	Mod          string              `json:"mod"`
	RegisterName string              `json:"registerName"`
	Object       state.ObjectPayload `json:"object"`
}

// Validate checks if the payload is well-formed.
func (p *ObjectPush) Validate() error {
	if p.Mod == "" || p.RegisterName == "" {
		return errors.New("mod and registerName required")
	}
	if p.Object.Version == "" {
		return errors.New("object version required")
	}
	return nil
}

// ObjectRemoval tells the authority a local object was removed.
//
// Target: sync/object (DEL)
// Flow: Node → Hub
// Response: empty RSP
type ObjectRemoval struct {
	Mod          string `json:"mod"`
	RegisterName string `json:"registerName"`
	Key          string `json:"key"`
}

// Validate checks if the payload is well-formed.
func (p *ObjectRemoval) Validate() error {
	if p.Mod == "" || p.RegisterName == "" || p.Key == "" {
		return errors.New("mod, registerName and key required")
	}
	return nil
}

// ModulePush replaces the authority's copy of one module wholesale. Sent
// after a diff lists the module as missing, after local restores, and when
// the node declares registers the authority's copy lacks (or the reverse).
//
// Target: sync/module (SET)
// Flow: Node → Hub
// Response: empty RSP
type ModulePush = state.ModulePayload

// Export is the authority's whole copy of the caller's tree. Nodes fetch it
// to look for objects whose versions agree while their payloads do not.
//
// Target: sync/export (GET)
// Flow: Node → Hub
// Response: Export
type Export = []state.ModulePayload
