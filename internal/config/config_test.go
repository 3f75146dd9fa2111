package config_test

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "github.com/onsi/gomega/gstruct"
	gomegatypes "github.com/onsi/gomega/types"

	"github.com/RyanSquared/k8s-ares/internal/config"
)

var _ = Describe("Config", func() {
	valid := []config.ProviderConfig{
		{
			Selector:        []string{"syntixi.io"},
			Provider:        config.ProviderCloudflare,
			ProviderOptions: map[string]string{"apiToken": "token"},
		},
		{
			Selector: []string{"a.example.com", "example.com"},
			Provider: config.ProviderPowerDNS,
		},
	}

	DescribeTable("#Validate",
		func(providers []config.ProviderConfig, match gomegatypes.GomegaMatcher) {
			Expect(config.Validate(&config.Config{Providers: providers})).To(match)
		},
		Entry("valid", valid, BeEmpty()),
		Entry("empty", nil, ConsistOf(PointTo(MatchFields(IgnoreExtras, Fields{
			"Type":  Equal(field.ErrorTypeRequired),
			"Field": Equal("providers"),
		})))),
		Entry("unknown provider", modifyCopy(valid[:1], func(items []config.ProviderConfig) {
			items[0].Provider = "route53"
		}), ConsistOf(PointTo(MatchFields(IgnoreExtras, Fields{
			"Type":     Equal(field.ErrorTypeNotSupported),
			"Field":    Equal("providers[0].provider"),
			"BadValue": Equal("route53"),
		})))),
		Entry("missing selector", modifyCopy(valid[:1], func(items []config.ProviderConfig) {
			items[0].Selector = nil
		}), ConsistOf(PointTo(MatchFields(IgnoreExtras, Fields{
			"Type":  Equal(field.ErrorTypeRequired),
			"Field": Equal("providers[0].selector"),
		})))),
		Entry("invalid selector", modifyCopy(valid[:1], func(items []config.ProviderConfig) {
			items[0].Selector = []string{"not_a_domain"}
		}), ConsistOf(PointTo(MatchFields(IgnoreExtras, Fields{
			"Type":  Equal(field.ErrorTypeInvalid),
			"Field": Equal("providers[0].selector[0]"),
		})))),
		Entry("selector declared twice", modifyCopy(valid, func(items []config.ProviderConfig) {
			items[1].Selector = []string{"syntixi.io"}
		}), ConsistOf(PointTo(MatchFields(IgnoreExtras, Fields{
			"Type":  Equal(field.ErrorTypeDuplicate),
			"Field": Equal("providers[1].selector[0]"),
		})))),
	)

	Describe("#Parse", func() {
		It("should accept a bare list of providers", func() {
			cfg, err := config.Parse([]byte(`
- selector: [Syntixi.IO.]
  provider: Cloudflare
  providerOptions:
    apiToken: abc
`))
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Providers).To(HaveLen(1))
			Expect(cfg.Providers[0].Selector).To(Equal([]string{"syntixi.io"}))
			Expect(cfg.Providers[0].Provider).To(Equal(config.ProviderCloudflare))
			Expect(cfg.Providers[0].ProviderOptions).To(HaveKeyWithValue("apiToken", "abc"))
		})

		It("should accept a providers mapping", func() {
			cfg, err := config.Parse([]byte(`
providers:
- selector: [example.com]
  provider: powerdns
  providerOptions:
    url: http://pdns:8081
    apiKey: secret
`))
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Providers).To(HaveLen(1))
			Expect(cfg.Providers[0].ProviderOptions).To(HaveKeyWithValue("url", "http://pdns:8081"))
		})

		It("should reject unknown fields", func() {
			_, err := config.Parse([]byte(`
- selector: [example.com]
  provider: cloudflare
  options: {}
`))
			Expect(err).To(HaveOccurred())
		})

		It("should reject invalid documents", func() {
			_, err := config.Parse([]byte(`[]`))
			Expect(err).To(MatchError(ContainSubstring("invalid config")))
		})
	})

	Describe("#LoadFromSecret", func() {
		var scheme *runtime.Scheme

		BeforeEach(func() {
			scheme = runtime.NewScheme()
			Expect(corev1.AddToScheme(scheme)).To(Succeed())
		})

		It("should read the configured key", func() {
			secret := &corev1.Secret{
				ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "ares-secret"},
				Data: map[string][]byte{
					"ares.yaml": []byte("- selector: [syntixi.io]\n  provider: cloudflare\n"),
				},
			}
			c := fake.NewClientBuilder().WithScheme(scheme).WithObjects(secret).Build()

			cfg, err := config.LoadFromSecret(context.Background(), c, config.SecretSource{
				Namespace: "default",
				Name:      "ares-secret",
				Key:       "ares.yaml",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Providers).To(HaveLen(1))
		})

		It("should fail when the key is missing", func() {
			secret := &corev1.Secret{
				ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "ares-secret"},
			}
			c := fake.NewClientBuilder().WithScheme(scheme).WithObjects(secret).Build()

			_, err := config.LoadFromSecret(context.Background(), c, config.SecretSource{
				Namespace: "default",
				Name:      "ares-secret",
				Key:       "ares.yaml",
			})
			Expect(err).To(MatchError(ContainSubstring(`has no key "ares.yaml"`)))
		})

		It("should fail when the secret is missing", func() {
			c := fake.NewClientBuilder().WithScheme(scheme).Build()

			_, err := config.LoadFromSecret(context.Background(), c, config.SecretSource{
				Namespace: "default",
				Name:      "ares-secret",
				Key:       "ares.yaml",
			})
			Expect(err).To(HaveOccurred())
		})
	})
})

func modifyCopy(original []config.ProviderConfig, modifier func([]config.ProviderConfig)) []config.ProviderConfig {
	var out []config.ProviderConfig
	for _, p := range original {
		cp := p
		cp.Selector = append([]string(nil), p.Selector...)
		out = append(out, cp)
	}
	modifier(out)
	return out
}
