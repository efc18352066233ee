package types

// NodeName is a type-safe wrapper for the user-chosen name of a node
type NodeName string

// NodeID is a type-safe wrapper for node identifiers (derived from machine + name)
type NodeID string

// Role tags what a node does on the network, e.g. "dsp" or "intercom-gateway".
type Role string

const (
	RoleHub     Role = "hub"
	RoleDSP     Role = "dsp"
	RoleGateway Role = "intercom-gateway"
	RoleTracker Role = "tracker"
	RoleDefault Role = RoleDSP
)

// String converts NodeName to string
func (n NodeName) String() string {
	return string(n)
}

// String converts NodeID to string
func (n NodeID) String() string {
	return string(n)
}

// String converts Role to string
func (r Role) String() string {
	return string(r)
}
