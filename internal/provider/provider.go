// SPDX-License-Identifier: AGPL-3.0-only

// Package provider defines the zone-scoped record capability every DNS
// backend implements, and the error taxonomy the reconciler relies on.
package provider

import (
	"context"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// Record is one RRset as seen by a provider: every value shares the owner
// name, type and TTL. A TTL of zero means the provider default.
type Record struct {
	FQDN   string
	Type   string
	TTL    int64
	Values []string
}

// Interface is implemented by every provider kind. A single instance may be
// invoked concurrently for distinct FQDNs.
type Interface interface {
	// List returns every record the provider holds within zone.
	List(ctx context.Context, zone string) ([]Record, error)
	// Upsert creates or replaces the RRset identified by rec.FQDN and rec.Type.
	Upsert(ctx context.Context, zone string, rec Record) error
	// Delete removes the RRset. Deleting an absent RRset is not an error.
	Delete(ctx context.Context, zone, fqdn, rrType string) error
}

// Factory builds a provider from its opaque options.
type Factory func(options map[string]string) (Interface, error)

// CanonicalName returns the lower-case, dot-less form of a domain name used
// for every comparison in this module.
func CanonicalName(name string) string {
	return strings.TrimSuffix(dns.CanonicalName(strings.TrimSpace(name)), ".")
}

// hostTypes carry a domain name in their value, which is compared
// case-insensitively and without a trailing dot.
var hostTypes = map[string]bool{
	"ALIAS": true,
	"CNAME": true,
	"NS":    true,
	"PTR":   true,
}

// CanonicalValue normalizes one record value for comparison.
func CanonicalValue(rrType, value string) string {
	value = strings.TrimSpace(value)
	switch {
	case hostTypes[rrType]:
		return CanonicalName(value)
	case rrType == "TXT":
		return Unquote(value)
	case rrType == "MX" || rrType == "SRV":
		fields := strings.Fields(value)
		if len(fields) > 0 {
			fields[len(fields)-1] = CanonicalName(fields[len(fields)-1])
		}
		return strings.Join(fields, " ")
	default:
		return value
	}
}

// CanonicalValues normalizes and sorts values, dropping duplicates.
func CanonicalValues(rrType string, values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		cv := CanonicalValue(rrType, v)
		if _, ok := seen[cv]; ok {
			continue
		}
		seen[cv] = struct{}{}
		out = append(out, cv)
	}
	sort.Strings(out)
	return out
}

// Unquote strips one level of surrounding double quotes.
func Unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// Find returns the record with the given name and type, if present.
func Find(records []Record, fqdn, rrType string) (Record, bool) {
	name := CanonicalName(fqdn)
	for _, r := range records {
		if r.Type == rrType && CanonicalName(r.FQDN) == name {
			return r, true
		}
	}
	return Record{}, false
}

// Converged reports whether actual already satisfies desired. A desired TTL
// of zero accepts whatever TTL the provider chose, and an actual TTL of zero
// means the provider does not honour requested TTLs for the record.
func Converged(desired, actual Record) bool {
	if desired.Type != actual.Type || CanonicalName(desired.FQDN) != CanonicalName(actual.FQDN) {
		return false
	}
	if desired.TTL != 0 && actual.TTL != 0 && desired.TTL != actual.TTL {
		return false
	}
	want := CanonicalValues(desired.Type, desired.Values)
	got := CanonicalValues(actual.Type, actual.Values)
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if want[i] != got[i] {
			return false
		}
	}
	return true
}

// ValidType reports whether rrType names a resource-record type known to the
// DNS wire protocol, or the provider-level ALIAS pseudo type.
func ValidType(rrType string) bool {
	if rrType == "ALIAS" {
		return true
	}
	_, ok := dns.StringToType[rrType]
	return ok
}
