// SPDX-License-Identifier: AGPL-3.0-only

// Package providertest provides an in-memory provider for tests.
package providertest

import (
	"context"
	"sort"
	"sync"

	"github.com/RyanSquared/k8s-ares/internal/provider"
)

// Call records one mutating invocation.
type Call struct {
	Op     string
	Zone   string
	FQDN   string
	Type   string
	TTL    int64
	Values []string
}

// Fake keeps records in memory and records every mutating call.
type Fake struct {
	mu      sync.Mutex
	records map[key]provider.Record
	calls   []Call

	ListErr   error
	UpsertErr error
	DeleteErr error
}

type key struct{ fqdn, rrType string }

var _ provider.Interface = (*Fake)(nil)

// New returns a fake seeded with records.
func New(records ...provider.Record) *Fake {
	f := &Fake{records: map[key]provider.Record{}}
	for _, r := range records {
		f.records[key{provider.CanonicalName(r.FQDN), r.Type}] = r
	}
	return f
}

func (f *Fake) List(_ context.Context, zone string) ([]provider.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := make([]provider.Record, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FQDN == out[j].FQDN {
			return out[i].Type < out[j].Type
		}
		return out[i].FQDN < out[j].FQDN
	})
	return out, nil
}

func (f *Fake) Upsert(_ context.Context, zone string, rec provider.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{
		Op: "upsert", Zone: zone, FQDN: rec.FQDN, Type: rec.Type, TTL: rec.TTL,
		Values: append([]string(nil), rec.Values...),
	})
	if f.UpsertErr != nil {
		return f.UpsertErr
	}
	f.records[key{provider.CanonicalName(rec.FQDN), rec.Type}] = rec
	return nil
}

func (f *Fake) Delete(_ context.Context, zone, fqdn, rrType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "delete", Zone: zone, FQDN: fqdn, Type: rrType})
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	delete(f.records, key{provider.CanonicalName(fqdn), rrType})
	return nil
}

// Calls returns a copy of the mutating calls seen so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// ResetCalls forgets recorded calls but keeps state.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Get returns the stored record for fqdn and type.
func (f *Fake) Get(fqdn, rrType string) (provider.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[key{provider.CanonicalName(fqdn), rrType}]
	return r, ok
}
