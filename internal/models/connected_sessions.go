package models

import (
	"strings"
	"time"
)

// ConnectedSession is one gateway-reported session. It is an immutable snapshot of a
// single fetch; the gateway owns it.
type ConnectedSession struct {
	Username   string            `json:"username"`
	Hostname   string            `json:"client_hostname"`
	OS         string            `json:"client_os"`
	SourceIP   string            `json:"client_source_ip"`
	Region     string            `json:"client_region"`
	Raw        map[string]string `json:"raw,omitempty"`
	ObservedAt time.Time         `json:"observed_at"`
}

// Attributes returns the session in the identity store's custom-attribute vocabulary.
func (s ConnectedSession) Attributes(version string) SessionAttributes {
	return SessionAttributes{
		Hostname: s.Hostname,
		OS:       s.OS,
		SourceIP: s.SourceIP,
		Region:   s.Region,
		Version:  version,
	}
}

// NormalizeUsername returns the canonical cache key for a username.
func NormalizeUsername(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// GroupSessions groups a flat gateway listing by canonical username, keeping the gateway's order.
func GroupSessions(sessions []ConnectedSession) map[string][]ConnectedSession {
	grouped := make(map[string][]ConnectedSession, len(sessions))
	for _, s := range sessions {
		key := NormalizeUsername(s.Username)
		if key == "" {
			continue
		}
		grouped[key] = append(grouped[key], s)
	}
	return grouped
}
