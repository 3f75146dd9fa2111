// SPDX-License-Identifier: AGPL-3.0-only

package provider

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ares_provider_requests_total",
		Help: "Provider operations by provider kind, operation and result.",
	}, []string{"provider", "operation", "result"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ares_provider_request_duration_seconds",
		Help:    "Latency of provider operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "operation"})
)

func init() {
	metrics.Registry.MustRegister(requestsTotal, requestDuration)
}

// RequestsTotal exposes the request counter for tests.
func RequestsTotal() *prometheus.CounterVec { return requestsTotal }

type instrumented struct {
	kind string
	next Interface
}

// Instrument wraps p so every call is counted and timed under kind.
func Instrument(kind string, p Interface) Interface {
	return &instrumented{kind: kind, next: p}
}

func (i *instrumented) observe(op string, start time.Time, err error) {
	result := "success"
	switch {
	case err == nil:
	case IsPermanent(err):
		result = "permanent_error"
	default:
		result = "transient_error"
	}
	requestsTotal.WithLabelValues(i.kind, op, result).Inc()
	requestDuration.WithLabelValues(i.kind, op).Observe(time.Since(start).Seconds())
}

func (i *instrumented) List(ctx context.Context, zone string) (recs []Record, err error) {
	start := time.Now()
	defer func() { i.observe("list", start, err) }()
	return i.next.List(ctx, zone)
}

func (i *instrumented) Upsert(ctx context.Context, zone string, rec Record) (err error) {
	start := time.Now()
	defer func() { i.observe("upsert", start, err) }()
	return i.next.Upsert(ctx, zone, rec)
}

func (i *instrumented) Delete(ctx context.Context, zone, fqdn, rrType string) (err error) {
	start := time.Now()
	defer func() { i.observe("delete", start, err) }()
	return i.next.Delete(ctx, zone, fqdn, rrType)
}
