package state

import "encoding/json"

// RegisterKind says how a register addresses its objects.
type RegisterKind string

const (
	// Keyed registers address objects by unique name; order is irrelevant.
	Keyed RegisterKind = "keyed"
	// Ordered registers address objects by ObjectID and keep insertion order.
	Ordered RegisterKind = "ordered"
)

// ObjectPayload is the full export of one object.
type ObjectPayload struct {
	Name     string          `json:"name,omitempty"`
	ObjectID ObjectID        `json:"objectId"`
	Version  Version         `json:"version"`
	Data     json.RawMessage `json:"data"`
}

// RegisterPayload is the full export of one register.
type RegisterPayload struct {
	Name    string          `json:"name"`
	Kind    RegisterKind    `json:"kind"`
	Version Version         `json:"version"`
	Objects []ObjectPayload `json:"objects"`
}

// ModulePayload is the full export of one module.
type ModulePayload struct {
	Name      string            `json:"name"`
	Version   Version           `json:"version"`
	Registers []RegisterPayload `json:"registers"`
}

// Register looks up a register payload by name.
func (p ModulePayload) Register(name string) (RegisterPayload, bool) {
	for _, r := range p.Registers {
		if r.Name == name {
			return r, true
		}
	}
	return RegisterPayload{}, false
}

// ObjectRef identifies an object and its version without its payload.
type ObjectRef struct {
	Name     string   `json:"name,omitempty"`
	ObjectID ObjectID `json:"objectId"`
	Version  Version  `json:"version"`
}

// RegisterRef is a register's reference projection.
type RegisterRef struct {
	Name    string       `json:"name"`
	Kind    RegisterKind `json:"kind"`
	Version Version      `json:"version"`
	Objects []ObjectRef  `json:"objects"`
}

// ModuleRef is a module's reference projection, used to ask "is my copy current?".
type ModuleRef struct {
	Name      string        `json:"name"`
	Version   Version       `json:"version"`
	Registers []RegisterRef `json:"registers,omitempty"`
}

// Key returns how a register of the given kind addresses this object.
func (p ObjectPayload) Key(kind RegisterKind) string {
	if kind == Keyed {
		return p.Name
	}
	return string(p.ObjectID)
}

// Ref strips the payload.
func (p ObjectPayload) Ref() ObjectRef {
	return ObjectRef{Name: p.Name, ObjectID: p.ObjectID, Version: p.Version}
}

// Key returns how a register of the given kind addresses this reference.
func (r ObjectRef) Key(kind RegisterKind) string {
	if kind == Keyed {
		return r.Name
	}
	return string(r.ObjectID)
}

// Ref strips the payloads.
func (p RegisterPayload) Ref() RegisterRef {
	objects := make([]ObjectRef, len(p.Objects))
	for i, o := range p.Objects {
		objects[i] = o.Ref()
	}
	return RegisterRef{Name: p.Name, Kind: p.Kind, Version: p.Version, Objects: objects}
}

// Ref strips the payloads.
func (p ModulePayload) Ref() ModuleRef {
	registers := make([]RegisterRef, len(p.Registers))
	for i, r := range p.Registers {
		registers[i] = r.Ref()
	}
	return ModuleRef{Name: p.Name, Version: p.Version, Registers: registers}
}
