// SPDX-License-Identifier: AGPL-3.0-only

// Package router maps record names onto the provider configured for the
// longest matching domain suffix.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"github.com/RyanSquared/k8s-ares/internal/config"
	"github.com/RyanSquared/k8s-ares/internal/provider"
)

// ErrNoProviderConfigured is returned when no selector is a suffix of the
// requested name.
var ErrNoProviderConfigured = errors.New("no provider configured")

// Route is the outcome of routing one FQDN.
type Route struct {
	// Zone is the selector that matched.
	Zone string
	// Kind is the provider kind of the matched entry.
	Kind     string
	Provider provider.Interface
}

type entry struct {
	suffix string
	labels int
	route  Route
}

// Router is immutable once built and safe for concurrent use.
type Router struct {
	entries []entry
}

// New builds a router over already constructed providers, one per config
// entry. Equal-length selectors claiming the same suffix are rejected.
func New(cfg *config.Config, providers []provider.Interface) (*Router, error) {
	if len(providers) != len(cfg.Providers) {
		return nil, fmt.Errorf("have %d providers for %d config entries", len(providers), len(cfg.Providers))
	}
	r := &Router{}
	owners := map[string]int{}
	for i, pc := range cfg.Providers {
		for _, sel := range pc.Selector {
			suffix := provider.CanonicalName(sel)
			if prev, ok := owners[suffix]; ok {
				if prev == i {
					return nil, fmt.Errorf("selector %q is repeated in providers[%d]", suffix, i)
				}
				return nil, fmt.Errorf("selector %q is declared by providers[%d] and providers[%d]", suffix, prev, i)
			}
			owners[suffix] = i
			r.entries = append(r.entries, entry{
				suffix: suffix,
				labels: dns.CountLabel(dns.Fqdn(suffix)),
				route:  Route{Zone: suffix, Kind: pc.Provider, Provider: providers[i]},
			})
		}
	}
	return r, nil
}

// Build constructs one provider per config entry using factories keyed by
// provider kind, then builds a router over them. Construction runs
// concurrently since factories may contact their backend.
func Build(ctx context.Context, cfg *config.Config, factories map[string]provider.Factory) (*Router, error) {
	providers := make([]provider.Interface, len(cfg.Providers))
	g, _ := errgroup.WithContext(ctx)
	for i, pc := range cfg.Providers {
		factory, ok := factories[pc.Provider]
		if !ok {
			return nil, fmt.Errorf("providers[%d]: unsupported provider kind %q", i, pc.Provider)
		}
		g.Go(func() error {
			p, err := factory(pc.ProviderOptions)
			if err != nil {
				return fmt.Errorf("providers[%d] (%s): %w", i, pc.Provider, err)
			}
			providers[i] = provider.Instrument(pc.Provider, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return New(cfg, providers)
}

// Route returns the provider entry whose selector is the longest suffix of
// fqdn. Matching is label-aware and case-insensitive.
func (r *Router) Route(fqdn string) (Route, error) {
	name := dns.Fqdn(provider.CanonicalName(fqdn))
	best := -1
	for i, e := range r.entries {
		if !dns.IsSubDomain(dns.Fqdn(e.suffix), name) {
			continue
		}
		if best < 0 || e.labels > r.entries[best].labels {
			best = i
		}
	}
	if best < 0 {
		return Route{}, fmt.Errorf("%w for %q", ErrNoProviderConfigured, fqdn)
	}
	return r.entries[best].route, nil
}

// Zones lists every configured selector.
func (r *Router) Zones() []string {
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.suffix)
	}
	return out
}
