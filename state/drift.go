package state

import (
	"errors"
	"fmt"

	"github.com/eljojo/hubsync/runtime"
)

// CheckDrift compares two exports of the same module and reports every object
// whose version matches while its payload does not. Equal versions are
// assumed to mean equal payloads everywhere else, so any hit is a bug in
// whatever produced one of the trees.
func CheckDrift(a, b ModulePayload) error {
	var errs []error
	for _, ra := range a.Registers {
		rb, ok := b.Register(ra.Name)
		if !ok {
			continue
		}
		kind := ra.Kind
		theirs := make(map[string]ObjectPayload, len(rb.Objects))
		for _, o := range rb.Objects {
			theirs[o.Key(kind)] = o
		}
		for _, o := range ra.Objects {
			other, ok := theirs[o.Key(kind)]
			if !ok || other.Version != o.Version {
				continue
			}
			if !samePayload(o.Data, other.Data) {
				errs = append(errs, fmt.Errorf("%s/%s/%s at %s: %w",
					a.Name, ra.Name, o.Key(kind), o.Version, runtime.ErrVersionDrift))
			}
		}
	}
	return errors.Join(errs...)
}
