package pdns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/RyanSquared/k8s-ares/internal/provider"
)

const defaultServerID = "localhost"

// Interface is the subset of the PowerDNS HTTP API the provider adapter
// needs.
type Interface interface {
	GetZoneRRSets(ctx context.Context, zone string) ([]zoneRRset, error)
	ReplaceRRSet(ctx context.Context, zone, recordType, ownerName string, ttl int, values []string) error
	DeleteRRSet(ctx context.Context, zone, recordType, ownerName string) error
}

type Client struct {
	BaseURL  string
	APIKey   string
	ServerID string
	HTTP     *http.Client
}

var _ Interface = (*Client)(nil)

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:  baseURL,
		APIKey:   apiKey,
		ServerID: defaultServerID,
		HTTP:     &http.Client{Timeout: 10 * time.Second},
	}
}

// statusError carries the HTTP status of a failed call for classification.
type statusError struct {
	op     string
	status int
	body   string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("pdns %s failed: status %d", e.op, e.status)
	}
	return fmt.Sprintf("pdns %s failed: status %d: %s", e.op, e.status, e.body)
}

func (c *Client) zonesURL() string {
	return c.BaseURL + "/api/v1/servers/" + url.PathEscape(c.ServerID) + "/zones"
}

func (c *Client) zoneURL(zone string) string {
	return c.zonesURL() + "/" + url.PathEscape(absolute(zone))
}

func (c *Client) do(ctx context.Context, op, method, target string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, provider.Permanent(op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, provider.Permanent(op, err)
	}
	req.Header.Set("X-API-Key", c.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, provider.FromTransport(op, err)
	}
	return resp, nil
}

func failed(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	var apiErr struct {
		Error string `json:"error"`
	}
	detail := string(bytes.TrimSpace(msg))
	if json.Unmarshal(msg, &apiErr) == nil && apiErr.Error != "" {
		detail = apiErr.Error
	}
	return provider.FromStatus(op, resp.StatusCode, &statusError{op: op, status: resp.StatusCode, body: detail})
}

type createZoneRequest struct {
	Name        string   `json:"name"`
	Kind        string   `json:"kind"` // "Native" or "Master"
	Nameservers []string `json:"nameservers"`
}

// CreateZone creates an authoritative zone if it does not exist.
func (c *Client) CreateZone(ctx context.Context, zone string, nameservers []string) error {
	nsAbs := make([]string, 0, len(nameservers))
	for _, ns := range nameservers {
		if ns == "" {
			continue
		}
		nsAbs = append(nsAbs, absolute(ns))
	}
	resp, err := c.do(ctx, "create zone", http.MethodPost, c.zonesURL(), createZoneRequest{
		Name:        absolute(zone),
		Kind:        "Native",
		Nameservers: nsAbs,
	})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusConflict {
		return nil // already exists
	}
	if resp.StatusCode/100 != 2 {
		return failed("create zone", resp)
	}
	return nil
}

// GetZone returns the canonical zone name, or ("", nil) when the server does
// not host the zone.
func (c *Client) GetZone(ctx context.Context, zone string) (string, error) {
	resp, err := c.do(ctx, "get zone", http.MethodGet, c.zoneURL(zone)+"?rrsets=false", nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnprocessableEntity {
		return "", nil
	}
	if resp.StatusCode/100 != 2 {
		return "", failed("get zone", resp)
	}
	var zr zoneResponse
	if err := json.NewDecoder(resp.Body).Decode(&zr); err != nil {
		return "", provider.Transient("get zone", err)
	}
	return zr.Name, nil
}

// GetZoneRRSets fetches all rrsets for a zone and returns them.
func (c *Client) GetZoneRRSets(ctx context.Context, zone string) ([]zoneRRset, error) {
	resp, err := c.do(ctx, "get zone rrsets", http.MethodGet, c.zoneURL(zone), nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return nil, failed("get zone rrsets", resp)
	}
	var zr zoneResponse
	if err := json.NewDecoder(resp.Body).Decode(&zr); err != nil {
		return nil, provider.Transient("get zone rrsets", err)
	}
	return zr.RRSets, nil
}

type rrsetRecord struct {
	Content  string `json:"content"`
	Disabled bool   `json:"disabled"`
}

type rrset struct {
	Name       string        `json:"name"`
	Type       string        `json:"type"`
	TTL        int           `json:"ttl,omitempty"`
	ChangeType string        `json:"changetype"`
	Records    []rrsetRecord `json:"records"`
}

type patchZoneRequest struct {
	RRSets []rrset `json:"rrsets"`
}

// Structures for GET zone response parsing
type zoneResponse struct {
	Name   string      `json:"name"`
	RRSets []zoneRRset `json:"rrsets"`
}

type zoneRRset struct {
	Name    string            `json:"name"`
	Type    string            `json:"type"`
	TTL     int               `json:"ttl"`
	Records []zoneRRsetRecord `json:"records"`
}

type zoneRRsetRecord struct {
	Content  string `json:"content"`
	Disabled bool   `json:"disabled"`
}

func (c *Client) patch(ctx context.Context, op, zone string, payload patchZoneRequest) error {
	resp, err := c.do(ctx, op, http.MethodPatch, c.zoneURL(zone), payload)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return failed(op, resp)
	}
	return nil
}

// ReplaceRRSet replaces the rrset (ownerName, recordType) with values. Values
// must already be in PowerDNS presentation format.
func (c *Client) ReplaceRRSet(ctx context.Context, zone, recordType, ownerName string, ttl int, values []string) error {
	return c.patch(ctx, "replace rrset", zone, patchZoneRequest{RRSets: []rrset{
		makeSimpleRRSet(absolute(ownerName), recordType, ttl, values),
	}})
}

// DeleteRRSet removes the rrset. PowerDNS accepts deleting an absent rrset.
func (c *Client) DeleteRRSet(ctx context.Context, zone, recordType, ownerName string) error {
	return c.patch(ctx, "delete rrset", zone, patchZoneRequest{RRSets: []rrset{{
		Name:       absolute(ownerName),
		Type:       recordType,
		ChangeType: "DELETE",
		Records:    []rrsetRecord{},
	}}})
}

func makeSimpleRRSet(name, typ string, ttl int, values []string) rrset {
	recs := make([]rrsetRecord, 0, len(values))
	for _, v := range values {
		recs = append(recs, rrsetRecord{Content: v, Disabled: false})
	}
	return rrset{
		Name:       name,
		Type:       typ,
		TTL:        ttl,
		ChangeType: "REPLACE",
		Records:    recs,
	}
}

func absolute(name string) string {
	if name == "" || name[len(name)-1] == '.' {
		return name
	}
	return name + "."
}

// NewFromOptions constructs a client from provider options, falling back to
// environment variables:
// - url / PDNS_API_URL: base URL for the HTTP API (default: http://127.0.0.1:8081)
// - apiKey / PDNS_API_KEY, or apiKeyFile / PDNS_API_KEY_FILE (required)
// - serverID: PowerDNS server id (default: localhost)
func NewFromOptions(opts map[string]string) (*Client, error) {
	baseURL := firstNonEmpty(opts["url"], os.Getenv("PDNS_API_URL"), "http://127.0.0.1:8081")
	apiKey := firstNonEmpty(opts["apiKey"], os.Getenv("PDNS_API_KEY"))
	if apiKey == "" {
		if path := firstNonEmpty(opts["apiKeyFile"], os.Getenv("PDNS_API_KEY_FILE")); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read api key file: %w", err)
			}
			apiKey = string(bytes.TrimSpace(data))
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("apiKey or apiKeyFile is required")
	}
	c := NewClient(baseURL, apiKey)
	if id := opts["serverID"]; id != "" {
		c.ServerID = id
	}
	return c, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
