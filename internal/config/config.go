package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/yaml"
)

const (
	ProviderCloudflare = "cloudflare"
	ProviderPowerDNS   = "powerdns"
)

// KnownProviders are the provider kinds a ProviderConfig may name.
var KnownProviders = []string{ProviderCloudflare, ProviderPowerDNS}

// Config is the immutable controller configuration. Entries are kept in the
// order they were declared.
type Config struct {
	Providers []ProviderConfig `json:"providers"`
}

// ProviderConfig binds a set of domain suffixes to one provider instance.
type ProviderConfig struct {
	// Selector lists the domain suffixes served by this provider.
	Selector []string `json:"selector"`

	// Provider is the provider kind, e.g. "cloudflare".
	Provider string `json:"provider"`

	// ProviderOptions is handed to the provider factory untouched.
	ProviderOptions map[string]string `json:"providerOptions,omitempty"`
}

// SecretSource locates the configuration document inside a Secret.
type SecretSource struct {
	Namespace string
	Name      string
	Key       string
}

func (s SecretSource) String() string {
	return s.Namespace + "/" + s.Name + "[" + s.Key + "]"
}

// LoadFromSecret reads and parses the configuration stored in a Secret.
func LoadFromSecret(ctx context.Context, r client.Reader, src SecretSource) (*Config, error) {
	var secret corev1.Secret
	if err := r.Get(ctx, types.NamespacedName{Namespace: src.Namespace, Name: src.Name}, &secret); err != nil {
		return nil, fmt.Errorf("get config secret %s: %w", src, err)
	}
	data, ok := secret.Data[src.Key]
	if !ok {
		return nil, fmt.Errorf("config secret %s has no key %q", src, src.Key)
	}
	return Parse(data)
}

// LoadFromFile reads and parses a configuration file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a configuration document and validates it. The document is
// either a bare list of provider entries or a mapping with a "providers" key.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "[") {
		if err := yaml.UnmarshalStrict(data, &cfg.Providers); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	} else if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := Validate(cfg).ToAggregate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) normalize() {
	for i := range c.Providers {
		p := &c.Providers[i]
		p.Provider = strings.ToLower(strings.TrimSpace(p.Provider))
		for j, s := range p.Selector {
			p.Selector[j] = NormalizeDomain(s)
		}
	}
}

// NormalizeDomain lower-cases a domain name and strips surrounding dots.
func NormalizeDomain(s string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(s)), ".")
}

// Validate checks the structural validity of the configuration. Two entries
// declaring the same selector are rejected because the router could not break
// the tie.
func Validate(cfg *Config) field.ErrorList {
	var allErrs field.ErrorList
	root := field.NewPath("providers")

	if len(cfg.Providers) == 0 {
		allErrs = append(allErrs, field.Required(root, "at least one provider must be configured"))
	}

	seen := map[string]*field.Path{}
	for i, p := range cfg.Providers {
		fldPath := root.Index(i)

		if p.Provider == "" {
			allErrs = append(allErrs, field.Required(fldPath.Child("provider"), "provider kind is required"))
		} else if !isKnownProvider(p.Provider) {
			allErrs = append(allErrs, field.NotSupported(fldPath.Child("provider"), p.Provider, KnownProviders))
		}

		if len(p.Selector) == 0 {
			allErrs = append(allErrs, field.Required(fldPath.Child("selector"), "at least one domain suffix is required"))
		}
		for j, s := range p.Selector {
			selPath := fldPath.Child("selector").Index(j)
			for _, msg := range validation.IsDNS1123Subdomain(s) {
				allErrs = append(allErrs, field.Invalid(selPath, s, msg))
			}
			if prev, ok := seen[s]; ok {
				allErrs = append(allErrs, field.Duplicate(selPath, fmt.Sprintf("%s (also declared at %s)", s, prev)))
				continue
			}
			seen[s] = selPath
		}
	}
	return allErrs
}

func isKnownProvider(kind string) bool {
	for _, k := range KnownProviders {
		if k == kind {
			return true
		}
	}
	return false
}
