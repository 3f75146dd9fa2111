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

package v1alpha1

import (
	"context"
	"fmt"

	"github.com/miekg/dns"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/validation/field"
	ctrl "sigs.k8s.io/controller-runtime"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/webhook"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	aresv1alpha1 "github.com/RyanSquared/k8s-ares/api/v1alpha1"
	"github.com/RyanSquared/k8s-ares/internal/ownership"
	"github.com/RyanSquared/k8s-ares/internal/provider"
	"github.com/RyanSquared/k8s-ares/internal/resolver"
)

// nolint:unused
// log is for logging in this package.
var recordlog = logf.Log.WithName("record-resource")

// SetupRecordWebhookWithManager registers the webhook for Record in the manager.
func SetupRecordWebhookWithManager(mgr ctrl.Manager) error {
	return ctrl.NewWebhookManagedBy(mgr).
		For(&aresv1alpha1.Record{}).
		WithValidator(&RecordCustomValidator{}).
		Complete()
}

// +kubebuilder:webhook:path=/validate-syntixi-io-v1alpha1-record,mutating=false,failurePolicy=fail,sideEffects=None,groups=syntixi.io,resources=records,verbs=create;update,versions=v1alpha1,name=vrecord-v1alpha1.kb.io,admissionReviewVersions=v1

// RecordCustomValidator rejects Records the reconciler could never program.
type RecordCustomValidator struct{}

var _ webhook.CustomValidator = &RecordCustomValidator{}

func (v *RecordCustomValidator) ValidateCreate(_ context.Context, obj runtime.Object) (admission.Warnings, error) {
	rec, ok := obj.(*aresv1alpha1.Record)
	if !ok {
		return nil, fmt.Errorf("expected a Record object but got %T", obj)
	}
	recordlog.V(1).Info("validating create", "name", rec.GetName())
	return nil, validate(rec)
}

func (v *RecordCustomValidator) ValidateUpdate(_ context.Context, _, newObj runtime.Object) (admission.Warnings, error) {
	rec, ok := newObj.(*aresv1alpha1.Record)
	if !ok {
		return nil, fmt.Errorf("expected a Record object but got %T", newObj)
	}
	// Let objects that are already being deleted finish.
	if rec.GetDeletionTimestamp() != nil {
		return nil, nil
	}
	recordlog.V(1).Info("validating update", "name", rec.GetName())
	return nil, validate(rec)
}

func (v *RecordCustomValidator) ValidateDelete(context.Context, runtime.Object) (admission.Warnings, error) {
	return nil, nil
}

func validate(rec *aresv1alpha1.Record) error {
	errs := ValidateRecordSpec(&rec.Spec, field.NewPath("spec"))
	if len(errs) == 0 {
		return nil
	}
	return apierrors.NewInvalid(aresv1alpha1.GroupVersion.WithKind("Record").GroupKind(), rec.Name, errs)
}

// ValidateRecordSpec checks the invariants the CRD schema cannot express.
func ValidateRecordSpec(spec *aresv1alpha1.RecordSpec, path *field.Path) field.ErrorList {
	var errs field.ErrorList

	fqdnPath := path.Child("fqdn")
	name := provider.CanonicalName(spec.FQDN)
	switch {
	case name == "":
		errs = append(errs, field.Required(fqdnPath, ""))
	case !validDomainName(name):
		errs = append(errs, field.Invalid(fqdnPath, spec.FQDN, "must be a valid domain name"))
	case ownership.IsMarker(provider.Record{FQDN: name, Type: "TXT"}):
		errs = append(errs, field.Invalid(fqdnPath, spec.FQDN, "names starting with _ares- are reserved for ownership markers"))
	}

	if spec.Type == "" {
		errs = append(errs, field.Required(path.Child("type"), ""))
	} else if !knownType(spec.Type) {
		errs = append(errs, field.NotSupported(path.Child("type"), spec.Type, aresv1alpha1.RRTypes))
	}

	if spec.TTL != nil && *spec.TTL <= 0 {
		errs = append(errs, field.Invalid(path.Child("ttl"), *spec.TTL, "must be a positive number of seconds"))
	}

	switch {
	case spec.ValueFrom != nil && len(spec.Value) > 0:
		errs = append(errs, field.Forbidden(path.Child("valueFrom"), "may not be set together with value"))
	case spec.ValueFrom == nil && len(spec.Value) == 0:
		errs = append(errs, field.Required(path.Child("value"), "one of value or valueFrom must be set"))
	case spec.ValueFrom != nil:
		selPath := path.Child("valueFrom", "podSelector")
		if _, err := resolver.Selector(spec.ValueFrom.PodSelector); err != nil {
			errs = append(errs, field.Invalid(selPath, spec.ValueFrom.PodSelector, err.Error()))
		}
	default:
		for i, v := range spec.Value {
			if v == "" {
				errs = append(errs, field.Required(path.Child("value").Index(i), "values may not be empty"))
			}
		}
	}
	return errs
}

func validDomainName(name string) bool {
	if _, ok := dns.IsDomainName(name); !ok {
		return false
	}
	// a wildcard is only allowed as the leftmost label
	labels := dns.SplitDomainName(name)
	for i, l := range labels {
		if l == "*" && i != 0 {
			return false
		}
	}
	return len(labels) > 1
}

func knownType(t aresv1alpha1.RRType) bool {
	for _, known := range aresv1alpha1.RRTypes {
		if t == known {
			return true
		}
	}
	return false
}
