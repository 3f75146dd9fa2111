// SPDX-License-Identifier: AGPL-3.0-only

// Package cloudflare implements the provider interface on the Cloudflare v4
// API.
package cloudflare

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cloudflare/cloudflare-go/v6"
	"github.com/cloudflare/cloudflare-go/v6/dns"
	"github.com/cloudflare/cloudflare-go/v6/option"
	"github.com/cloudflare/cloudflare-go/v6/zones"
	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	mdns "github.com/miekg/dns"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/RyanSquared/k8s-ares/internal/provider"
)

const (
	// automaticTTL asks Cloudflare to pick the TTL.
	automaticTTL = 1

	recordComment = "managed by ares"
)

// Options are decoded from providerOptions.
type Options struct {
	APIToken   string
	Email      string
	APIKey     string
	BaseURL    string
	Proxied    bool
	MaxRetries *int
}

// ParseOptions validates the opaque option map of a cloudflare entry.
func ParseOptions(opts map[string]string) (Options, error) {
	o := Options{
		APIToken: opts["apiToken"],
		Email:    opts["email"],
		APIKey:   opts["apiKey"],
		BaseURL:  opts["baseURL"],
	}
	switch {
	case o.APIToken != "" && (o.Email != "" || o.APIKey != ""):
		return Options{}, errors.New("apiToken is mutually exclusive with email and apiKey")
	case o.APIToken == "" && (o.Email == "" || o.APIKey == ""):
		return Options{}, errors.New("apiToken or email and apiKey are required")
	}
	if v, ok := opts["proxied"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Options{}, fmt.Errorf("proxied: %w", err)
		}
		o.Proxied = b
	}
	if v, ok := opts["maxRetries"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Options{}, fmt.Errorf("maxRetries must be a non-negative integer, got %q", v)
		}
		o.MaxRetries = &n
	}
	return o, nil
}

// Provider talks to one Cloudflare account. Zone IDs are looked up lazily and
// cached for the lifetime of the process.
type Provider struct {
	client  *cloudflare.Client
	proxied bool
	log     logr.Logger

	mu      sync.Mutex
	zoneIDs map[string]string
}

var _ provider.Interface = (*Provider)(nil)

// New is the provider.Factory for cloudflare entries.
func New(opts map[string]string) (provider.Interface, error) {
	o, err := ParseOptions(opts)
	if err != nil {
		return nil, err
	}
	return NewWithOptions(o), nil
}

// NewWithOptions builds a provider from parsed options.
func NewWithOptions(o Options) *Provider {
	var reqOpts []option.RequestOption
	if o.APIToken != "" {
		reqOpts = append(reqOpts, option.WithAPIToken(o.APIToken))
	} else {
		reqOpts = append(reqOpts, option.WithAPIEmail(o.Email), option.WithAPIKey(o.APIKey))
	}
	if o.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(o.BaseURL))
	}
	if o.MaxRetries != nil {
		reqOpts = append(reqOpts, option.WithMaxRetries(*o.MaxRetries))
	}
	return &Provider{
		client:  cloudflare.NewClient(reqOpts...),
		proxied: o.Proxied,
		log:     ctrl.Log.WithName("provider").WithName("cloudflare"),
		zoneIDs: map[string]string{},
	}
}

// zoneID resolves the Cloudflare zone serving zone, walking up parent
// domains so a selector may name a subdomain of the account zone.
func (p *Provider) zoneID(ctx context.Context, zone string) (string, error) {
	zone = provider.CanonicalName(zone)

	p.mu.Lock()
	id, ok := p.zoneIDs[zone]
	p.mu.Unlock()
	if ok {
		return id, nil
	}

	labels := strings.Split(zone, ".")
	for i := 0; i+1 < len(labels); i++ {
		candidate := strings.Join(labels[i:], ".")
		page, err := p.client.Zones.List(ctx, zones.ZoneListParams{
			Name: cloudflare.F(candidate),
		})
		if err != nil {
			return "", classify("list zones", err)
		}
		if len(page.Result) == 0 {
			continue
		}
		id = page.Result[0].ID
		p.log.V(1).Info("resolved zone", "zone", zone, "cloudflareZone", candidate, "zoneID", id)

		p.mu.Lock()
		p.zoneIDs[zone] = id
		p.mu.Unlock()
		return id, nil
	}
	return "", provider.Permanent("list zones", fmt.Errorf("no cloudflare zone serves %q", zone))
}

func (p *Provider) List(ctx context.Context, zone string) ([]provider.Record, error) {
	id, err := p.zoneID(ctx, zone)
	if err != nil {
		return nil, err
	}

	iter := p.client.DNS.Records.ListAutoPaging(ctx, dns.RecordListParams{
		ZoneID: cloudflare.F(id),
	})
	var raw []dns.RecordResponse
	for iter.Next() {
		raw = append(raw, iter.Current())
	}
	if err := iter.Err(); err != nil {
		return nil, classify("list records", err)
	}
	return group(raw, zone), nil
}

// group folds Cloudflare's one-value-per-record model into RRsets within
// zone.
func group(raw []dns.RecordResponse, zone string) []provider.Record {
	zoneName := provider.CanonicalName(zone)
	index := map[string]int{}
	var out []provider.Record
	for _, r := range raw {
		name := provider.CanonicalName(r.Name)
		if name != zoneName && !strings.HasSuffix(name, "."+zoneName) {
			continue
		}
		typ := string(r.Type)
		k := name + "/" + typ
		i, ok := index[k]
		if !ok {
			i = len(out)
			index[k] = i
			out = append(out, provider.Record{FQDN: name, Type: typ, TTL: reportedTTL(r)})
		}
		out[i].Values = append(out[i].Values, recordValue(r))
	}
	return out
}

// reportedTTL is zero for proxied records: Cloudflare answers them with its
// own TTL and reports 1 whatever was requested.
func reportedTTL(r dns.RecordResponse) int64 {
	if r.Proxied {
		return 0
	}
	return int64(r.TTL)
}

// recordValue renders a record in presentation format. Cloudflare keeps the
// MX and SRV priority outside of content.
func recordValue(r dns.RecordResponse) string {
	switch string(r.Type) {
	case "MX", "SRV":
		return fmt.Sprintf("%d %s", int64(r.Priority), r.Content)
	}
	return r.Content
}

func proxiable(rrType string) bool {
	switch rrType {
	case "A", "AAAA", "CNAME":
		return true
	}
	return false
}

func (p *Provider) existing(ctx context.Context, zoneID, fqdn, rrType string) ([]dns.RecordResponse, error) {
	page, err := p.client.DNS.Records.List(ctx, dns.RecordListParams{
		ZoneID: cloudflare.F(zoneID),
		Name: cloudflare.F(dns.RecordListParamsName{
			Exact: cloudflare.F(fqdn),
		}),
		Type: cloudflare.F(dns.RecordListParamsType(rrType)),
	})
	if err != nil {
		return nil, classify("list records", err)
	}
	var out []dns.RecordResponse
	for _, r := range page.Result {
		if provider.CanonicalName(r.Name) == fqdn && string(r.Type) == rrType {
			out = append(out, r)
		}
	}
	return out, nil
}

// Upsert converges the RRset to rec: matching records are kept, stale ones
// are edited in place where possible, and surplus ones are deleted.
func (p *Provider) Upsert(ctx context.Context, zone string, rec provider.Record) error {
	id, err := p.zoneID(ctx, zone)
	if err != nil {
		return err
	}
	fqdn := provider.CanonicalName(rec.FQDN)
	current, err := p.existing(ctx, id, fqdn, rec.Type)
	if err != nil {
		return err
	}

	ttl := rec.TTL
	if ttl <= 0 || (p.proxied && proxiable(rec.Type)) {
		ttl = automaticTTL
	}

	pending := map[string]bool{}
	var order []string
	for _, v := range rec.Values {
		cv := provider.CanonicalValue(rec.Type, v)
		if !pending[cv] {
			pending[cv] = true
			order = append(order, v)
		}
	}

	var merr *multierror.Error
	var stale []dns.RecordResponse
	for _, r := range current {
		cv := provider.CanonicalValue(rec.Type, recordValue(r))
		if !pending[cv] {
			stale = append(stale, r)
			continue
		}
		delete(pending, cv)
		if ttl != automaticTTL && !r.Proxied && int64(r.TTL) != ttl {
			if err := p.edit(ctx, id, r.ID, fqdn, rec.Type, recordValue(r), ttl); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
	}

	for _, v := range order {
		if !pending[provider.CanonicalValue(rec.Type, v)] {
			continue
		}
		if len(stale) > 0 {
			r := stale[0]
			stale = stale[1:]
			if err := p.edit(ctx, id, r.ID, fqdn, rec.Type, v, ttl); err != nil {
				merr = multierror.Append(merr, err)
			}
			continue
		}
		if err := p.create(ctx, id, fqdn, rec.Type, v, ttl); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	for _, r := range stale {
		if err := p.remove(ctx, id, r.ID); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return aggregate("upsert", merr)
}

func (p *Provider) Delete(ctx context.Context, zone, fqdn, rrType string) error {
	id, err := p.zoneID(ctx, zone)
	if err != nil {
		return err
	}
	current, err := p.existing(ctx, id, provider.CanonicalName(fqdn), rrType)
	if err != nil {
		return err
	}
	var merr *multierror.Error
	for _, r := range current {
		if err := p.remove(ctx, id, r.ID); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return aggregate("delete", merr)
}

func (p *Provider) create(ctx context.Context, zoneID, fqdn, rrType, value string, ttl int64) error {
	body, err := p.recordParam(fqdn, rrType, value, ttl)
	if err != nil {
		return err
	}
	_, err = p.client.DNS.Records.New(ctx, dns.RecordNewParams{
		ZoneID: cloudflare.F(zoneID),
		Body:   body.(dns.RecordNewParamsBodyUnion),
	})
	if err != nil {
		return classify("create record", err)
	}
	p.log.V(1).Info("created record", "fqdn", fqdn, "type", rrType, "value", value)
	return nil
}

func (p *Provider) edit(ctx context.Context, zoneID, recordID, fqdn, rrType, value string, ttl int64) error {
	body, err := p.recordParam(fqdn, rrType, value, ttl)
	if err != nil {
		return err
	}
	_, err = p.client.DNS.Records.Edit(ctx, recordID, dns.RecordEditParams{
		ZoneID: cloudflare.F(zoneID),
		Body:   body.(dns.RecordEditParamsBodyUnion),
	})
	if err != nil {
		return classify("edit record", err)
	}
	p.log.V(1).Info("edited record", "fqdn", fqdn, "type", rrType, "value", value)
	return nil
}

func (p *Provider) remove(ctx context.Context, zoneID, recordID string) error {
	_, err := p.client.DNS.Records.Delete(ctx, recordID, dns.RecordDeleteParams{
		ZoneID: cloudflare.F(zoneID),
	})
	if err != nil {
		var apiErr *cloudflare.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			return nil
		}
		return classify("delete record", err)
	}
	p.log.V(1).Info("deleted record", "recordID", recordID)
	return nil
}

// recordParam builds the typed request body for one record value. The
// result satisfies both the create and the edit body unions.
func (p *Provider) recordParam(fqdn, rrType, value string, ttl int64) (any, error) {
	t := dns.TTL(ttl)
	name := cloudflare.F(fqdn)
	comment := cloudflare.F(recordComment)

	switch rrType {
	case "A":
		return dns.ARecordParam{
			Name: name, Type: cloudflare.F(dns.ARecordTypeA), Content: cloudflare.F(value),
			TTL: cloudflare.F(t), Proxied: cloudflare.F(p.proxied), Comment: comment,
		}, nil
	case "AAAA":
		return dns.AAAARecordParam{
			Name: name, Type: cloudflare.F(dns.AAAARecordTypeAAAA), Content: cloudflare.F(value),
			TTL: cloudflare.F(t), Proxied: cloudflare.F(p.proxied), Comment: comment,
		}, nil
	case "CNAME":
		return dns.CNAMERecordParam{
			Name: name, Type: cloudflare.F(dns.CNAMERecordTypeCNAME), Content: cloudflare.F(provider.CanonicalName(value)),
			TTL: cloudflare.F(t), Proxied: cloudflare.F(p.proxied), Comment: comment,
		}, nil
	case "TXT":
		return dns.TXTRecordParam{
			Name: name, Type: cloudflare.F(dns.TXTRecordTypeTXT), Content: cloudflare.F(value),
			TTL: cloudflare.F(t), Comment: comment,
		}, nil
	case "NS":
		return dns.NSRecordParam{
			Name: name, Type: cloudflare.F(dns.NSRecordTypeNS), Content: cloudflare.F(provider.CanonicalName(value)),
			TTL: cloudflare.F(t), Comment: comment,
		}, nil
	case "PTR":
		return dns.PTRRecordParam{
			Name: name, Type: cloudflare.F(dns.PTRRecordTypePTR), Content: cloudflare.F(provider.CanonicalName(value)),
			TTL: cloudflare.F(t), Comment: comment,
		}, nil
	case "MX":
		prio, host, err := splitMX(value)
		if err != nil {
			return nil, provider.Permanent("build record", err)
		}
		return dns.MXRecordParam{
			Name: name, Type: cloudflare.F(dns.MXRecordTypeMX), Content: cloudflare.F(host),
			Priority: cloudflare.F(float64(prio)), TTL: cloudflare.F(t), Comment: comment,
		}, nil
	case "SRV":
		srv, err := splitSRV(value)
		if err != nil {
			return nil, provider.Permanent("build record", err)
		}
		return dns.SRVRecordParam{
			Name: name, Type: cloudflare.F(dns.SRVRecordTypeSRV),
			Data: cloudflare.F(dns.SRVRecordDataParam{
				Priority: cloudflare.F(float64(srv.Priority)),
				Weight:   cloudflare.F(float64(srv.Weight)),
				Port:     cloudflare.F(float64(srv.Port)),
				Target:   cloudflare.F(provider.CanonicalName(srv.Target)),
			}),
			TTL: cloudflare.F(t), Comment: comment,
		}, nil
	default:
		return nil, provider.Permanent("build record", fmt.Errorf("record type %s is not supported by cloudflare", rrType))
	}
}

func splitMX(value string) (uint16, string, error) {
	fields := strings.Fields(value)
	if len(fields) != 2 {
		return 0, "", fmt.Errorf("MX value %q must be \"<preference> <exchange>\"", value)
	}
	prio, err := strconv.ParseUint(fields[0], 10, 16)
	if err != nil {
		return 0, "", fmt.Errorf("MX preference in %q: %w", value, err)
	}
	return uint16(prio), provider.CanonicalName(fields[1]), nil
}

// splitSRV parses "<priority> <weight> <port> <target>".
func splitSRV(value string) (*mdns.SRV, error) {
	fields := strings.Fields(value)
	if len(fields) != 4 {
		return nil, fmt.Errorf("SRV value %q must be \"<priority> <weight> <port> <target>\"", value)
	}
	var nums [3]uint16
	for i := range nums {
		n, err := strconv.ParseUint(fields[i], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("SRV value %q: %w", value, err)
		}
		nums[i] = uint16(n)
	}
	return &mdns.SRV{Priority: nums[0], Weight: nums[1], Port: nums[2], Target: fields[3]}, nil
}

func classify(op string, err error) error {
	var apiErr *cloudflare.Error
	if errors.As(err, &apiErr) {
		return provider.FromStatus(op, apiErr.StatusCode, err)
	}
	return provider.FromTransport(op, err)
}

// aggregate folds sub-call failures into one error. The result is permanent
// only when every member is.
func aggregate(op string, merr *multierror.Error) error {
	if merr == nil || len(merr.Errors) == 0 {
		return nil
	}
	for _, err := range merr.Errors {
		if !provider.IsPermanent(err) {
			return provider.Transient(op, merr)
		}
	}
	return provider.Permanent(op, merr)
}
