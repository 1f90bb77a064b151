package session

import (
	"crypto/sha256"
	"fmt"
	"net/netip"
)

// PrivacyFilter masks identifying fields of session snapshots before they
// leave the process. The zero value is a no-op filter.
type PrivacyFilter struct {
	MaskIPAddresses bool
	MaskLocations   bool
	MaskUserIDs     bool
	MaskSessionIDs  bool
}

// Apply returns a copy of the session with sensitive fields masked according
// to the filter configuration. The original is never modified.
func (f *PrivacyFilter) Apply(s ActiveSession) ActiveSession {
	masked := s
	masked.Session = *s.Session.Clone()

	if f.MaskIPAddresses && masked.IPAddress != "" {
		masked.IPAddress = maskIP(masked.IPAddress)
	}

	if f.MaskLocations {
		masked.Location = ""
	}

	if f.MaskUserIDs && masked.UserID != "" {
		masked.UserID = shortHash(masked.UserID)
	}

	if f.MaskSessionIDs && masked.ID != "" {
		masked.ID = shortHash(masked.ID)
	}

	return masked
}

// FilterSlice returns a new slice with masking applied to every entry. The
// original slice is not modified.
func (f *PrivacyFilter) FilterSlice(sessions []ActiveSession) []ActiveSession {
	result := make([]ActiveSession, 0, len(sessions))
	for _, s := range sessions {
		result = append(result, f.Apply(s))
	}
	return result
}

// ApplyRecord masks a persisted usage record the same way Apply masks a
// session.
func (f *PrivacyFilter) ApplyRecord(rec UsageRecord) UsageRecord {
	if f.MaskIPAddresses && rec.IPAddress != "" {
		rec.IPAddress = maskIP(rec.IPAddress)
	}
	if f.MaskLocations {
		rec.Location = ""
	}
	if f.MaskUserIDs && rec.UserID != "" {
		rec.UserID = shortHash(rec.UserID)
	}
	if f.MaskSessionIDs && rec.SessionID != "" {
		rec.SessionID = shortHash(rec.SessionID)
	}
	return rec
}

// IsNoop reports whether the filter does nothing.
func (f *PrivacyFilter) IsNoop() bool {
	return !f.MaskIPAddresses && !f.MaskLocations && !f.MaskUserIDs && !f.MaskSessionIDs
}

// maskIP keeps the network part of an address: the /24 of an IPv4 address
// or the /48 of an IPv6 one. Unparseable input is hashed.
func maskIP(addr string) string {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return shortHash(addr)
	}
	bits := 48
	if ip.Is4() || ip.Is4In6() {
		ip = ip.Unmap()
		bits = 24
	}
	prefix, err := ip.Prefix(bits)
	if err != nil {
		return shortHash(addr)
	}
	return prefix.Addr().String()
}

// shortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
