package mesh

import (
	"fmt"
)

// MAC is a 6-byte mesh radio address.
type MAC [6]byte

// String renders a MAC as colon-separated lowercase hex, e.g. "aa:bb:cc:dd:ee:ff".
func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// ParseMAC parses a colon-separated hex MAC string as rendered by String.
func ParseMAC(s string) (MAC, error) {
	var m MAC
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x", &m[0], &m[1], &m[2], &m[3], &m[4], &m[5])
	if err != nil || n != 6 {
		return MAC{}, fmt.Errorf("mesh: invalid mac %q", s)
	}
	return m, nil
}

// MeshID is the 6-byte identifier separating disjoint meshes on one channel.
type MeshID [6]byte

// Hex renders a MeshID as 12 lowercase hex digits, as used in topic names.
func (id MeshID) Hex() string {
	return fmt.Sprintf("%02x%02x%02x%02x%02x%02x", id[0], id[1], id[2], id[3], id[4], id[5])
}

// ParseMeshID parses a 12-digit hex string as rendered by Hex.
func ParseMeshID(s string) (MeshID, error) {
	var id MeshID
	n, err := fmt.Sscanf(s, "%02x%02x%02x%02x%02x%02x", &id[0], &id[1], &id[2], &id[3], &id[4], &id[5])
	if err != nil || n != 6 {
		return MeshID{}, fmt.Errorf("mesh: invalid mesh id %q", s)
	}
	return id, nil
}
