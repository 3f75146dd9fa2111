// SPDX-License-Identifier: AGPL-3.0-only

// Package ownership records which Record resource owns a managed DNS record
// by keeping a TXT marker next to it in the provider.
package ownership

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/types"

	"github.com/RyanSquared/k8s-ares/internal/provider"
)

const (
	markerPrefix = "_ares-"
	tokenPrefix  = "ares-owner="
)

// ErrOwnershipConflict is returned when a name is held by another owner or
// by a record without any marker.
var ErrOwnershipConflict = errors.New("ownership conflict")

// Owner identifies the Record resource owning a managed record.
type Owner struct {
	Namespace string
	Name      string
	UID       types.UID
}

// String renders the owner as the marker value.
func (o Owner) String() string {
	return tokenPrefix + o.Namespace + "/" + o.Name + "/" + string(o.UID)
}

// ParseOwner decodes a marker value. TXT quoting is tolerated.
func ParseOwner(value string) (Owner, error) {
	v := provider.Unquote(strings.TrimSpace(value))
	if !strings.HasPrefix(v, tokenPrefix) {
		return Owner{}, fmt.Errorf("marker value %q lacks %q prefix", value, tokenPrefix)
	}
	parts := strings.Split(strings.TrimPrefix(v, tokenPrefix), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Owner{}, fmt.Errorf("marker value %q is not namespace/name/uid", value)
	}
	return Owner{Namespace: parts[0], Name: parts[1], UID: types.UID(parts[2])}, nil
}

// MarkerName returns the name of the TXT record carrying ownership of the
// (fqdn, rrType) pair. Wildcard owners keep the marker at their parent.
func MarkerName(fqdn, rrType string) string {
	name := provider.CanonicalName(fqdn)
	label := markerPrefix + strings.ToLower(rrType)
	if rest, ok := strings.CutPrefix(name, "*."); ok {
		return label + "-wildcard." + rest
	}
	return label + "." + name
}

// IsMarker reports whether rec is an ownership marker rather than a managed
// record.
func IsMarker(rec provider.Record) bool {
	return rec.Type == "TXT" && strings.HasPrefix(provider.CanonicalName(rec.FQDN), markerPrefix)
}

// Lookup finds the marker for (fqdn, rrType) in an already listed zone.
// A marker that does not parse is reported as a foreign owner.
func Lookup(records []provider.Record, fqdn, rrType string) (*Owner, error) {
	rec, ok := provider.Find(records, MarkerName(fqdn, rrType), "TXT")
	if !ok || len(rec.Values) == 0 {
		return nil, nil
	}
	owner, err := ParseOwner(rec.Values[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOwnershipConflict, MarkerName(fqdn, rrType), err)
	}
	return &owner, nil
}

// Tracker reads, claims and releases markers within one provider zone.
type Tracker struct {
	Provider provider.Interface
	Zone     string
	// TTL of marker records; zero leaves the provider default.
	TTL int64
}

// Read returns the current owner of (fqdn, rrType), or nil when unowned.
func (t *Tracker) Read(ctx context.Context, fqdn, rrType string) (*Owner, error) {
	records, err := t.Provider.List(ctx, t.Zone)
	if err != nil {
		return nil, err
	}
	return Lookup(records, fqdn, rrType)
}

// Claim writes the marker for owner. It refuses to overwrite a marker held
// by a different owner, and reads the marker back after writing it: when a
// concurrent writer got there last, the claim fails and the name stays with
// whoever the marker names.
func (t *Tracker) Claim(ctx context.Context, fqdn, rrType string, owner Owner) error {
	current, err := t.Read(ctx, fqdn, rrType)
	if err != nil {
		return err
	}
	if current != nil && *current == owner {
		return nil
	}
	if current != nil {
		return conflict(fqdn, rrType, current)
	}
	if err := t.write(ctx, fqdn, rrType, owner); err != nil {
		return err
	}

	current, err = t.Read(ctx, fqdn, rrType)
	switch {
	case err != nil:
		return err
	case current == nil:
		return fmt.Errorf("marker %s is not visible after writing it", MarkerName(fqdn, rrType))
	case *current != owner:
		return conflict(fqdn, rrType, current)
	}
	return nil
}

func conflict(fqdn, rrType string, current *Owner) error {
	return fmt.Errorf("%w: %s %s is owned by %s/%s", ErrOwnershipConflict, fqdn, rrType, current.Namespace, current.Name)
}

func (t *Tracker) write(ctx context.Context, fqdn, rrType string, owner Owner) error {
	return t.Provider.Upsert(ctx, t.Zone, provider.Record{
		FQDN:   MarkerName(fqdn, rrType),
		Type:   "TXT",
		TTL:    t.TTL,
		Values: []string{owner.String()},
	})
}

// Release deletes the marker. It must only be called once the managed
// record itself is gone.
func (t *Tracker) Release(ctx context.Context, fqdn, rrType string) error {
	return t.Provider.Delete(ctx, t.Zone, MarkerName(fqdn, rrType), "TXT")
}
