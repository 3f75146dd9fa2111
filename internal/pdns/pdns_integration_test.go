//go:build integration

package pdns

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/RyanSquared/k8s-ares/internal/ownership"
	"github.com/RyanSquared/k8s-ares/internal/provider"
)

func writePDNSAuthWithSQLite(t *testing.T, dir, apiKey string) {
	t.Helper()
	conf := strings.Join([]string{
		"api=yes",
		"api-key=" + apiKey,
		"webserver=yes",
		"webserver-address=0.0.0.0",
		"webserver-port=8081",
		"webserver-allow-from=0.0.0.0/0,::/0",
		"loglevel=6",
		"launch=gsqlite3",
		"gsqlite3-database=/var/lib/powerdns/pdns.sqlite3",
	}, "\n") + "\n"

	if err := os.WriteFile(filepath.Join(dir, "pdns.conf"), []byte(conf), 0o644); err != nil {
		t.Fatalf("write pdns.conf: %v", err)
	}
}

func startPDNS(t *testing.T, apiKey string) string {
	t.Helper()

	ctx := context.Background()
	cfgDir := t.TempDir()
	writePDNSAuthWithSQLite(t, cfgDir, apiKey)

	req := tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "powerdns/pdns-auth-49:latest",
			ExposedPorts: []string{"8081/tcp"},
			HostConfigModifier: func(hc *container.HostConfig) {
				hc.Mounts = append(hc.Mounts, mount.Mount{
					Type:     mount.TypeBind,
					Source:   cfgDir,
					Target:   "/etc/powerdns",
					ReadOnly: true,
				})
			},
			WaitingFor: wait.ForHTTP("/api/v1/servers/localhost").
				WithPort("8081/tcp").
				WithHeaders(map[string]string{"X-API-Key": apiKey}).
				WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	}
	c, err := tc.GenericContainer(ctx, req)
	if err != nil {
		t.Fatalf("start container: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	mp, err := c.MappedPort(ctx, "8081/tcp")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	return fmt.Sprintf("http://%s:%s", host, mp.Port())
}

func TestPDNS_ProviderLifecycle(t *testing.T) {
	// No t.Parallel(): we're booting a container.
	const apiKey = "itest-key"
	baseURL := startPDNS(t, apiKey)
	ctx := context.Background()

	client := NewClient(baseURL, apiKey)
	if err := client.CreateZone(ctx, "syntixi.io", []string{"ns1.example.net", "ns2.example.net"}); err != nil {
		t.Fatalf("CreateZone: %v", err)
	}
	p := NewProvider(client)

	records := []provider.Record{
		{FQDN: "example.syntixi.io", Type: "CNAME", TTL: 300, Values: []string{"syntixi.io"}},
		{FQDN: "web.syntixi.io", Type: "A", TTL: 60, Values: []string{"192.0.2.1", "192.0.2.2"}},
		{FQDN: "v6.syntixi.io", Type: "AAAA", Values: []string{"2001:db8::1"}},
		{FQDN: "txt.syntixi.io", Type: "TXT", Values: []string{"hello world"}},
		{FQDN: "syntixi.io", Type: "MX", Values: []string{"10 mail.syntixi.io"}},
		{FQDN: "_https._tcp.syntixi.io", Type: "SRV", Values: []string{"1 0 443 web.syntixi.io"}},
	}
	for _, rec := range records {
		if err := p.Upsert(ctx, "syntixi.io", rec); err != nil {
			t.Fatalf("Upsert %s %s: %v", rec.Type, rec.FQDN, err)
		}
	}

	got, err := p.List(ctx, "syntixi.io")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, want := range records {
		actual, ok := provider.Find(got, want.FQDN, want.Type)
		if !ok || !provider.Converged(want, actual) {
			t.Fatalf("%s %s not converged: %#v", want.Type, want.FQDN, actual)
		}
	}

	owner := ownership.Owner{Namespace: "default", Name: "example", UID: "0b1c"}
	tracker := ownership.Tracker{Provider: p, Zone: "syntixi.io"}
	if err := tracker.Claim(ctx, "example.syntixi.io", "CNAME", owner); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	read, err := tracker.Read(ctx, "example.syntixi.io", "CNAME")
	if err != nil || read == nil || *read != owner {
		t.Fatalf("Read: owner=%v err=%v", read, err)
	}

	if err := p.Delete(ctx, "syntixi.io", "example.syntixi.io", "CNAME"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := p.Delete(ctx, "syntixi.io", "example.syntixi.io", "CNAME"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if err := tracker.Release(ctx, "example.syntixi.io", "CNAME"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	got, err = p.List(ctx, "syntixi.io")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if _, ok := provider.Find(got, "example.syntixi.io", "CNAME"); ok {
		t.Fatalf("CNAME still present after delete")
	}
	if _, ok := provider.Find(got, ownership.MarkerName("example.syntixi.io", "CNAME"), "TXT"); ok {
		t.Fatalf("marker still present after release")
	}
}

func TestPDNS_WrongAPIKeyIsPermanent(t *testing.T) {
	const apiKey = "itest-key"
	baseURL := startPDNS(t, apiKey)

	p := NewProvider(NewClient(baseURL, "wrong"))
	_, err := p.List(context.Background(), "syntixi.io")
	if !provider.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
