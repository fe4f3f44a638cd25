package models

import (
	"strings"
	"time"
)

// Custom attribute names carried on identity-store records.
const (
	AttrHostname = "PaloAlto-Client-Hostname"
	AttrOS       = "PaloAlto-Client-OS"
	AttrSourceIP = "PaloAlto-Client-Source-IP"
	AttrRegion   = "PaloAlto-Client-Region"
	AttrVersion  = "PaloAlto-Client-Version"
)

const (
	// VersionSeparator marks a well-formed client version, which is the connected marker.
	VersionSeparator = "."
	// VersionUnknown is written when the engine marks a user connected without knowing the
	// client version. It must contain VersionSeparator.
	VersionUnknown = "0.0.0"
	// NotConnected is the version sentinel for a disconnected user.
	NotConnected = "N-A"
)

// SessionAttributes is the session view stored in an identity record's custom attributes.
type SessionAttributes struct {
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	SourceIP string `json:"source_ip"`
	Region   string `json:"region"`
	Version  string `json:"version"`
}

// DisconnectedAttributes are the sentinel values written for a user that is not connected.
func DisconnectedAttributes() SessionAttributes {
	return SessionAttributes{Version: NotConnected}
}

// AttributesFromCustom extracts the session view from a custom-attribute map.
func AttributesFromCustom(custom map[string]string) SessionAttributes {
	return SessionAttributes{
		Hostname: custom[AttrHostname],
		OS:       custom[AttrOS],
		SourceIP: custom[AttrSourceIP],
		Region:   custom[AttrRegion],
		Version:  custom[AttrVersion],
	}
}

// Custom renders the attributes as identity-store custom attributes.
func (a SessionAttributes) Custom() map[string]string {
	return map[string]string{
		AttrHostname: a.Hostname,
		AttrOS:       a.OS,
		AttrSourceIP: a.SourceIP,
		AttrRegion:   a.Region,
		AttrVersion:  a.Version,
	}
}

// Connected reports whether the version field is a well-formed version.
func (a SessionAttributes) Connected() bool {
	return strings.Contains(a.Version, VersionSeparator)
}

// SameEndpoint compares hostname, OS and source IP, case-insensitively after trimming.
// Region and version are ignored.
func (a SessionAttributes) SameEndpoint(b SessionAttributes) bool {
	return EqualFold(a.Hostname, b.Hostname) &&
		EqualFold(a.OS, b.OS) &&
		EqualFold(a.SourceIP, b.SourceIP)
}

// EqualFold compares two attribute values case-insensitively, ignoring surrounding space.
func EqualFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// IdentityRecord mirrors one identity-store user. The identity store owns it.
type IdentityRecord struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	CustomAttributes map[string]string `json:"custom_attributes,omitempty"`
	// FetchedAt is zero for records only seen in a bulk listing.
	FetchedAt time.Time `json:"fetched_at"`
}

// Key returns the record's canonical username.
func (r IdentityRecord) Key() string {
	return NormalizeUsername(r.Name)
}

// Attributes returns the session view of the record.
func (r IdentityRecord) Attributes() SessionAttributes {
	return AttributesFromCustom(r.CustomAttributes)
}

// Connected reports whether the record carries the connected marker.
func (r IdentityRecord) Connected() bool {
	return r.Attributes().Connected()
}

// Clone returns a deep copy of the record.
func (r IdentityRecord) Clone() IdentityRecord {
	out := r
	if r.CustomAttributes != nil {
		out.CustomAttributes = make(map[string]string, len(r.CustomAttributes))
		for k, v := range r.CustomAttributes {
			out.CustomAttributes[k] = v
		}
	}
	return out
}

// MergeAttributes overlays attrs onto the record's custom attributes field by field.
func (r *IdentityRecord) MergeAttributes(attrs map[string]string) {
	if r.CustomAttributes == nil {
		r.CustomAttributes = make(map[string]string, len(attrs))
	}
	for k, v := range attrs {
		r.CustomAttributes[k] = v
	}
}
