package messages

import (
	"github.com/eljojo/hubsync/identity"
)

// Session-level targets and fields.
const (
	TargetSession = "session"
	FieldIdentity = "identity"
)

// Announce is the identity-announce a peer sends right after connecting.
//
// Target: session/identity (SET)
// Flow: Node → Hub
// Response: empty RSP when accepted; the connection is closed when another
// session with the same ID is already online.
//
// Version History:
//
//	v1: Initial version
type Announce struct {
	identity.Identity

	// Software is the peer's build string, informational only
	Software string `json:"software,omitempty"`
}

// Validate checks if the payload is well-formed.
func (a *Announce) Validate() error {
	return a.Identity.Validate()
}
