package models

import (
	"strings"
	"time"
)

// ActiveEndpoint is a verified HA resolution.
type ActiveEndpoint struct {
	Address    string    `json:"address"`
	VerifiedAt time.Time `json:"verified_at"`
}

// HARole is what a probed peer says about who is authoritative.
type HARole int

const (
	HARoleUnknown HARole = iota
	HARoleSelfActive
	HARolePeerActive
)

func (r HARole) String() string {
	switch r {
	case HARoleSelfActive:
		return "self-active"
	case HARolePeerActive:
		return "peer-active"
	default:
		return "unknown"
	}
}

// HAState is the gateway's high-availability report.
type HAState struct {
	Enabled    bool   `json:"enabled"`
	LocalState string `json:"local_state"`
	PeerState  string `json:"peer_state"`
}

// Role classifies the report. A gateway with HA disabled is its own authority.
func (s HAState) Role() HARole {
	if !s.Enabled {
		return HARoleSelfActive
	}
	local := strings.ToLower(strings.TrimSpace(s.LocalState))
	peer := strings.ToLower(strings.TrimSpace(s.PeerState))
	switch {
	case strings.HasPrefix(local, "active"):
		return HARoleSelfActive
	case strings.HasPrefix(peer, "active"):
		return HARolePeerActive
	default:
		return HARoleUnknown
	}
}

// RolePrimaryAdmin is the identity-store node role that accepts configuration writes.
const RolePrimaryAdmin = "PrimaryAdmin"

// NodeInfo is one identity-store deployment node.
type NodeInfo struct {
	Hostname  string   `json:"hostname"`
	FQDN      string   `json:"fqdn"`
	IPAddress string   `json:"ipAddress"`
	Roles     []string `json:"roles"`
	Status    string   `json:"nodeStatus"`
}

// HasRole reports whether the node carries the named role.
func (n NodeInfo) HasRole(role string) bool {
	for _, r := range n.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// Matches reports whether address names this node by IP, hostname or FQDN.
func (n NodeInfo) Matches(address string) bool {
	address = strings.TrimSpace(address)
	if address == "" {
		return false
	}
	return strings.EqualFold(address, n.IPAddress) ||
		strings.EqualFold(address, n.Hostname) ||
		strings.EqualFold(address, n.FQDN)
}

// IdentityRole classifies a node listing fetched from endpoint self, whose HA peer is peer.
func IdentityRole(nodes []NodeInfo, self, peer string) HARole {
	for _, n := range nodes {
		if !n.HasRole(RolePrimaryAdmin) {
			continue
		}
		switch {
		case n.Matches(self):
			return HARoleSelfActive
		case n.Matches(peer):
			return HARolePeerActive
		}
	}
	return HARoleUnknown
}
