/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"os"
	"time"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/metrics/filters"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	"sigs.k8s.io/controller-runtime/pkg/webhook"

	aresv1alpha1 "github.com/RyanSquared/k8s-ares/api/v1alpha1"
	"github.com/RyanSquared/k8s-ares/internal/config"
	"github.com/RyanSquared/k8s-ares/internal/controller"
	"github.com/RyanSquared/k8s-ares/internal/pdns"
	"github.com/RyanSquared/k8s-ares/internal/provider"
	"github.com/RyanSquared/k8s-ares/internal/provider/cloudflare"
	"github.com/RyanSquared/k8s-ares/internal/resolver"
	"github.com/RyanSquared/k8s-ares/internal/router"
	webhookv1alpha1 "github.com/RyanSquared/k8s-ares/internal/webhook/v1alpha1"
	// +kubebuilder:scaffold:imports
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(aresv1alpha1.AddToScheme(scheme))
	// +kubebuilder:scaffold:scheme
}

// providerFactories maps each config provider tag to its constructor.
var providerFactories = map[string]provider.Factory{
	config.ProviderCloudflare: cloudflare.New,
	config.ProviderPowerDNS:   pdns.New,
}

// nolint:gocyclo
func main() {
	var metricsAddr string
	var metricsCertPath, metricsCertName, metricsCertKey string
	var webhookCertPath, webhookCertName, webhookCertKey string
	var enableLeaderElection bool
	var leaderElectionLeaseDuration time.Duration
	var leaderElectionRenewDeadline time.Duration
	var leaderElectionRetryPeriod time.Duration
	var probeAddr string
	var secureMetrics bool
	var enableHTTP2 bool
	var enableWebhooks bool
	var tlsOpts []func(*tls.Config)

	var secretSource config.SecretSource
	var configFile string
	var maxConcurrentReconciles int
	var backoffBase, backoffMax, resyncPeriod time.Duration
	var markerTTL int64

	flag.StringVar(&metricsAddr, "metrics-bind-address", "0", "The address the metrics endpoint binds to. "+
		"Use :8443 for HTTPS or :8080 for HTTP, or leave as 0 to disable the metrics service.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	flag.DurationVar(&leaderElectionLeaseDuration, "leader-elect-lease-duration", 10*time.Second,
		"The duration that non-leader candidates will wait to force acquire leadership.")
	flag.DurationVar(&leaderElectionRenewDeadline, "leader-elect-renew-deadline", 3*time.Second,
		"The duration that the leader will retry leadership renewal.")
	flag.DurationVar(&leaderElectionRetryPeriod, "leader-elect-retry-period", 2*time.Second,
		"The duration the clients should wait between attempting acquisition and renewal of a leadership.")
	flag.BoolVar(&secureMetrics, "metrics-secure", true,
		"If set, the metrics endpoint is served securely via HTTPS. Use --metrics-secure=false to use HTTP instead.")
	flag.StringVar(&webhookCertPath, "webhook-cert-path", "", "The directory that contains the webhook certificate.")
	flag.StringVar(&webhookCertName, "webhook-cert-name", "tls.crt", "The name of the webhook certificate file.")
	flag.StringVar(&webhookCertKey, "webhook-cert-key", "tls.key", "The name of the webhook key file.")
	flag.StringVar(&metricsCertPath, "metrics-cert-path", "",
		"The directory that contains the metrics server certificate.")
	flag.StringVar(&metricsCertName, "metrics-cert-name", "tls.crt", "The name of the metrics server certificate file.")
	flag.StringVar(&metricsCertKey, "metrics-cert-key", "tls.key", "The name of the metrics server key file.")
	flag.BoolVar(&enableHTTP2, "enable-http2", false,
		"If set, HTTP/2 will be enabled for the metrics and webhook servers")
	flag.BoolVar(&enableWebhooks, "enable-webhooks", envOr("ENABLE_WEBHOOKS", "false") == "true",
		"If set, the validating webhook for Records is served.")

	flag.StringVar(&secretSource.Name, "secret", envOr("SECRET", "ares-secret"),
		"Name of the Secret holding the provider configuration.")
	flag.StringVar(&secretSource.Key, "secret-key", envOr("SECRET_KEY", "ares.yaml"),
		"Key within the Secret holding the provider configuration.")
	flag.StringVar(&secretSource.Namespace, "secret-namespace", envOr("SECRET_NAMESPACE", "default"),
		"Namespace of the Secret holding the provider configuration.")
	flag.StringVar(&configFile, "config-file", envOr("CONFIG_FILE", ""),
		"Path to a provider configuration file. Takes precedence over the Secret.")
	flag.IntVar(&maxConcurrentReconciles, "max-concurrent-reconciles", 4,
		"Number of Records reconciled in parallel.")
	flag.DurationVar(&backoffBase, "backoff-base", time.Second, "Initial requeue delay after a transient failure.")
	flag.DurationVar(&backoffMax, "backoff-max", 5*time.Minute, "Maximum requeue delay after transient failures.")
	flag.DurationVar(&resyncPeriod, "resync-period", 10*time.Minute,
		"Interval at which every Record is reconciled again, including ones that failed permanently.")
	flag.Int64Var(&markerTTL, "marker-ttl", 0, "TTL of ownership marker records. 0 uses the provider default.")

	opts := zap.Options{
		Development: true,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	// if the enable-http2 flag is false (the default), http/2 should be disabled
	// due to its vulnerabilities. More specifically, disabling http/2 will
	// prevent from being vulnerable to the HTTP/2 Stream Cancellation and
	// Rapid Reset CVEs. For more information see:
	// - https://github.com/advisories/GHSA-qppj-fm5r-hxr3
	// - https://github.com/advisories/GHSA-4374-p667-p6c8
	disableHTTP2 := func(c *tls.Config) {
		setupLog.Info("disabling http/2")
		c.NextProtos = []string{"http/1.1"}
	}

	if !enableHTTP2 {
		tlsOpts = append(tlsOpts, disableHTTP2)
	}

	webhookServerOptions := webhook.Options{
		TLSOpts: tlsOpts,
	}
	if len(webhookCertPath) > 0 {
		setupLog.Info("Initializing webhook certificate watcher using provided certificates",
			"webhook-cert-path", webhookCertPath, "webhook-cert-name", webhookCertName, "webhook-cert-key", webhookCertKey)

		webhookServerOptions.CertDir = webhookCertPath
		webhookServerOptions.CertName = webhookCertName
		webhookServerOptions.KeyName = webhookCertKey
	}

	// More info:
	// - https://pkg.go.dev/sigs.k8s.io/controller-runtime@v0.22.1/pkg/metrics/server
	// - https://book.kubebuilder.io/reference/metrics.html
	metricsServerOptions := metricsserver.Options{
		BindAddress:   metricsAddr,
		SecureServing: secureMetrics,
		TLSOpts:       tlsOpts,
	}
	if secureMetrics {
		// FilterProvider is used to protect the metrics endpoint with authn/authz.
		metricsServerOptions.FilterProvider = filters.WithAuthenticationAndAuthorization
	}
	if len(metricsCertPath) > 0 {
		setupLog.Info("Initializing metrics certificate watcher using provided certificates",
			"metrics-cert-path", metricsCertPath, "metrics-cert-name", metricsCertName, "metrics-cert-key", metricsCertKey)

		metricsServerOptions.CertDir = metricsCertPath
		metricsServerOptions.CertName = metricsCertName
		metricsServerOptions.KeyName = metricsCertKey
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsServerOptions,
		WebhookServer:          webhook.NewServer(webhookServerOptions),
		HealthProbeBindAddress: probeAddr,
		Cache:                  cache.Options{SyncPeriod: &resyncPeriod},
		LeaderElection:         enableLeaderElection,
		LeaseDuration:          &leaderElectionLeaseDuration,
		RenewDeadline:          &leaderElectionRenewDeadline,
		RetryPeriod:            &leaderElectionRetryPeriod,
		LeaderElectionID:       "ares.syntixi.io",
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	ctx := ctrl.SetupSignalHandler()

	cfg, err := loadConfig(ctx, mgr, configFile, secretSource)
	if err != nil {
		setupLog.Error(err, "unable to load provider configuration")
		os.Exit(1)
	}
	for i, pc := range cfg.Providers {
		setupLog.Info("provider configured", "index", i, "provider", pc.Provider, "selector", pc.Selector)
	}

	rt, err := router.Build(ctx, cfg, providerFactories)
	if err != nil {
		setupLog.Error(err, "unable to construct providers")
		os.Exit(1)
	}
	setupLog.Info("routing records", "zones", rt.Zones())

	if err := (&controller.RecordReconciler{
		Client:                  mgr.GetClient(),
		Scheme:                  mgr.GetScheme(),
		Router:                  rt,
		Resolver:                &resolver.Resolver{Client: mgr.GetClient()},
		MarkerTTL:               markerTTL,
		MaxConcurrentReconciles: maxConcurrentReconciles,
		BackoffBase:             backoffBase,
		BackoffMax:              backoffMax,
	}).SetupWithManager(ctx, mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Record")
		os.Exit(1)
	}

	if enableWebhooks {
		if err := webhookv1alpha1.SetupRecordWebhookWithManager(mgr); err != nil {
			setupLog.Error(err, "unable to create webhook", "webhook", "Record")
			os.Exit(1)
		}
	}
	// +kubebuilder:scaffold:builder

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting manager")
	if err := mgr.Start(ctx); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}

// loadConfig reads the provider configuration once, before the manager
// starts, through the uncached API reader.
func loadConfig(ctx context.Context, mgr ctrl.Manager, path string, src config.SecretSource) (*config.Config, error) {
	if path != "" {
		setupLog.Info("loading configuration from file", "path", path)
		return config.LoadFromFile(path)
	}
	setupLog.Info("loading configuration from secret", "secret", src.String())
	return config.LoadFromSecret(ctx, mgr.GetAPIReader(), src)
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
