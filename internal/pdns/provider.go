package pdns

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/miekg/dns"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/RyanSquared/k8s-ares/internal/provider"
)

// defaultTTL is used when a record does not request one; PowerDNS requires
// a TTL on every rrset.
const defaultTTL = 300

// ZoneLookup resolves which hosted zone serves a name.
type ZoneLookup interface {
	GetZone(ctx context.Context, zone string) (string, error)
}

// Provider adapts the PowerDNS HTTP API to provider.Interface.
type Provider struct {
	API   Interface
	Zones ZoneLookup
	log   logr.Logger

	mu    sync.Mutex
	hosts map[string]string
}

var _ provider.Interface = (*Provider)(nil)

// New is the provider.Factory for powerdns entries.
func New(opts map[string]string) (provider.Interface, error) {
	c, err := NewFromOptions(opts)
	if err != nil {
		return nil, err
	}
	return NewProvider(c), nil
}

// NewProvider wraps a client.
func NewProvider(c *Client) *Provider {
	return &Provider{
		API:   c,
		Zones: c,
		log:   ctrl.Log.WithName("provider").WithName("powerdns"),
		hosts: map[string]string{},
	}
}

// hostedZone finds the PowerDNS zone serving the configured selector.
func (p *Provider) hostedZone(ctx context.Context, zone string) (string, error) {
	zone = provider.CanonicalName(zone)

	p.mu.Lock()
	hosted, ok := p.hosts[zone]
	p.mu.Unlock()
	if ok {
		return hosted, nil
	}

	labels := dns.SplitDomainName(zone)
	for i := 0; i < len(labels); i++ {
		candidate := strings.Join(labels[i:], ".")
		name, err := p.Zones.GetZone(ctx, candidate)
		if err != nil {
			return "", err
		}
		if name == "" {
			continue
		}
		hosted = provider.CanonicalName(name)
		p.log.V(1).Info("resolved zone", "zone", zone, "hostedZone", hosted)

		p.mu.Lock()
		p.hosts[zone] = hosted
		p.mu.Unlock()
		return hosted, nil
	}
	return "", provider.Permanent("get zone", fmt.Errorf("no powerdns zone serves %q", zone))
}

func (p *Provider) List(ctx context.Context, zone string) ([]provider.Record, error) {
	hosted, err := p.hostedZone(ctx, zone)
	if err != nil {
		return nil, err
	}
	sets, err := p.API.GetZoneRRSets(ctx, hosted)
	if err != nil {
		return nil, err
	}
	zoneName := provider.CanonicalName(zone)
	out := make([]provider.Record, 0, len(sets))
	for _, s := range sets {
		name := provider.CanonicalName(s.Name)
		if name != zoneName && !strings.HasSuffix(name, "."+zoneName) {
			continue
		}
		rec := provider.Record{FQDN: name, Type: s.Type, TTL: int64(s.TTL)}
		for _, r := range s.Records {
			if r.Disabled {
				continue
			}
			rec.Values = append(rec.Values, fromContent(s.Type, r.Content))
		}
		out = append(out, rec)
	}
	return out, nil
}

func (p *Provider) Upsert(ctx context.Context, zone string, rec provider.Record) error {
	hosted, err := p.hostedZone(ctx, zone)
	if err != nil {
		return err
	}
	ttl := int(rec.TTL)
	if ttl <= 0 {
		ttl = defaultTTL
	}
	values := make([]string, 0, len(rec.Values))
	for _, v := range provider.CanonicalValues(rec.Type, rec.Values) {
		content, err := toContent(rec.Type, v)
		if err != nil {
			return provider.Permanent("replace rrset", err)
		}
		values = append(values, content)
	}
	p.log.V(1).Info("replacing rrset", "zone", hosted, "fqdn", rec.FQDN, "type", rec.Type, "values", values)
	return p.API.ReplaceRRSet(ctx, hosted, rec.Type, provider.CanonicalName(rec.FQDN), ttl, values)
}

func (p *Provider) Delete(ctx context.Context, zone, fqdn, rrType string) error {
	hosted, err := p.hostedZone(ctx, zone)
	if err != nil {
		return err
	}
	p.log.V(1).Info("deleting rrset", "zone", hosted, "fqdn", fqdn, "type", rrType)
	return p.API.DeleteRRSet(ctx, hosted, rrType, provider.CanonicalName(fqdn))
}

// toContent renders a canonical value in PowerDNS presentation format.
func toContent(rrType, value string) (string, error) {
	switch rrType {
	case "CNAME", "NS", "PTR", "ALIAS":
		return dns.Fqdn(value), nil
	case "MX", "SRV":
		fields := strings.Fields(value)
		if len(fields) == 0 {
			return "", fmt.Errorf("empty %s value", rrType)
		}
		fields[len(fields)-1] = dns.Fqdn(fields[len(fields)-1])
		return strings.Join(fields, " "), nil
	case "TXT":
		return txtContent(value), nil
	default:
		return value, nil
	}
}

// txtContent quotes a TXT value, splitting it into 255 byte strings.
func txtContent(value string) string {
	var chunks []string
	for len(value) > 255 {
		chunks = append(chunks, value[:255])
		value = value[255:]
	}
	chunks = append(chunks, value)
	rr := &dns.TXT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeTXT, Class: dns.ClassINET}, Txt: chunks}
	return strings.TrimPrefix(rr.String(), rr.Hdr.String())
}

// fromContent converts PowerDNS presentation format back to a canonical
// value.
func fromContent(rrType, content string) string {
	if rrType == "TXT" {
		rr, err := dns.NewRR(". 0 IN TXT " + content)
		if err == nil {
			if txt, ok := rr.(*dns.TXT); ok {
				return strings.Join(txt.Txt, "")
			}
		}
		return provider.Unquote(content)
	}
	return provider.CanonicalValue(rrType, content)
}
