// Package state is the versioned module → register → object tree every node
// owns and the hub mirrors.
//
// Object versions are opaque tokens regenerated whenever a payload changes.
// Register and module versions are fingerprints over their children's
// identities and versions, so they change whenever anything below them does
// and two trees holding the same objects carry the same versions on both ends
// of a session.
//
// All mutation goes through *Module; there is no way to change an object's
// payload without its version and every ancestor's version moving with it.
package state

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/oklog/ulid/v2"
)

// Version is an opaque token; equality is relied upon, not verified.
type Version string

// ObjectID is an object's permanent identity, never reused.
type ObjectID string

// NewObjectID returns a fresh object identity.
func NewObjectID() ObjectID {
	return ObjectID(ulid.Make().String())
}

// NewVersion returns a fresh version token.
func NewVersion() Version {
	return Version(ulid.Make().String())
}

type fingerprintEntry struct {
	key   string
	parts []string
}

// fingerprint hashes entries sorted by key, so ordering never matters.
func fingerprint(kind string, entries []fingerprintEntry) Version {
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	d := xxhash.New()
	_, _ = d.WriteString(kind)
	for _, e := range entries {
		_, _ = d.WriteString("\x1e")
		_, _ = d.WriteString(e.key)
		for _, p := range e.parts {
			_, _ = d.WriteString("\x1f")
			_, _ = d.WriteString(p)
		}
	}
	return Version(fmt.Sprintf("%016x", d.Sum64()))
}
