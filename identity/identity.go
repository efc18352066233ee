// Package identity derives the stable identity a node announces to the hub.
//
// ID = Base58(HKDF-SHA256(machine fingerprint, salt, "name:"+name))[:16 bytes]
//
// The ID is:
//   - Deterministic: same machine and name always produce the same ID
//   - Stable: survives restarts and reinstalls of the node software
//   - Distinct: two nodes with the same name on different machines differ
package identity

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/shirou/gopsutil/v3/host"
	"golang.org/x/crypto/hkdf"

	"github.com/eljojo/hubsync/types"
)

const idLen = 16

// Identity is what a peer announces during the session handshake.
type Identity struct {
	ID   types.NodeID   `json:"id"`
	Name types.NodeName `json:"name"`
	Kind types.Role     `json:"kind"`
}

// Validate checks the announce payload is well-formed.
func (i Identity) Validate() error {
	if i.ID == "" {
		return errors.New("id required")
	}
	if i.Name == "" {
		return errors.New("name required")
	}
	return nil
}

func (i Identity) String() string {
	return fmt.Sprintf("%s (%s, %s)", i.Name, i.ID, i.Kind)
}

// Derive computes the identity of name on the machine with the given fingerprint.
func Derive(fingerprint []byte, name types.NodeName, kind types.Role) Identity {
	r := hkdf.New(sha256.New, fingerprint, []byte("hubsync:identity:v1"), []byte("name:"+name.String()))

	id := make([]byte, idLen)
	if _, err := io.ReadFull(r, id); err != nil {
		// HKDF-SHA256 can produce up to 8160 bytes
		panic("hkdf failed: " + err.Error())
	}
	if kind == "" {
		kind = types.RoleDefault
	}
	return Identity{ID: types.NodeID(base58.Encode(id)), Name: name, Kind: kind}
}

// MachineFingerprint hashes stable facts about this machine: the OS host id,
// the short hostname and the MACs of physical interfaces.
func MachineFingerprint() ([]byte, error) {
	var fragments []string

	info, err := host.Info()
	if err == nil && info.HostID != "" {
		fragments = append(fragments, info.HostID)
	}
	if hostname, err := os.Hostname(); err == nil {
		fragments = append(fragments, ShortHostname(hostname))
	}
	fragments = append(fragments, hardwareAddrs()...)

	if len(fragments) == 0 {
		return nil, errors.New("no machine identifiers available")
	}
	sum := sha256.Sum256([]byte(strings.Join(fragments, "-")))
	return sum[:], nil
}

// ShortHostname strips the domain suffix from a hostname.
func ShortHostname(hostname string) string {
	return strings.Split(hostname, ".")[0]
}

func hardwareAddrs() []string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var macs []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.HardwareAddr.String() == "" {
			continue
		}
		// physical-ish interfaces only, so docker bridges don't change our identity
		name := iface.Name
		if strings.HasPrefix(name, "en") || strings.HasPrefix(name, "eth") || strings.HasPrefix(name, "wlan") {
			macs = append(macs, iface.HardwareAddr.String())
		}
	}
	sort.Strings(macs)
	return macs
}
