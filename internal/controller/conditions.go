package controller

import (
	apimeta "k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	CondAccepted   = "Accepted"
	CondProgrammed = "Programmed"

	ReasonAccepted             = "Accepted"
	ReasonPending              = "Pending"
	ReasonProgrammed           = "Programmed"
	ReasonInvalidRecord        = "InvalidRecord"
	ReasonNoProviderConfigured = "NoProviderConfigured"
	ReasonInvalidSelector      = "InvalidSelector"
	ReasonOwnershipConflict    = "OwnershipConflict"
	ReasonProviderRejected     = "ProviderRejected"
	ReasonProviderUnavailable  = "ProviderUnavailable"
	ReasonDeleting             = "Deleting"
)

// setCondition sets cond on conds, keeping LastTransitionTime when the
// status did not change.
func setCondition(conds *[]metav1.Condition, cond metav1.Condition) {
	if existing := apimeta.FindStatusCondition(*conds, cond.Type); existing != nil &&
		existing.Status == cond.Status {
		cond.LastTransitionTime = existing.LastTransitionTime
	} else {
		cond.LastTransitionTime = metav1.Now()
	}
	apimeta.SetStatusCondition(conds, cond)
}
