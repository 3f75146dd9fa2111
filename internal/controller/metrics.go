// SPDX-License-Identifier: AGPL-3.0-only

package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var ownershipConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "ares_ownership_conflicts_total",
	Help: "Reconciliations refused because the record is owned by someone else.",
}, []string{"zone"})

func init() {
	metrics.Registry.MustRegister(ownershipConflicts)
}
