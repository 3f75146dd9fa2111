package v1alpha1

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	aresv1alpha1 "github.com/RyanSquared/k8s-ares/api/v1alpha1"
)

func record(mutate func(*aresv1alpha1.RecordSpec)) *aresv1alpha1.Record {
	rec := &aresv1alpha1.Record{
		ObjectMeta: metav1.ObjectMeta{Name: "example", Namespace: "default"},
		Spec: aresv1alpha1.RecordSpec{
			FQDN:  "example.syntixi.io",
			Type:  aresv1alpha1.RRTypeCNAME,
			Value: []string{"syntixi.io"},
		},
	}
	if mutate != nil {
		mutate(&rec.Spec)
	}
	return rec
}

func TestRecordValidator(t *testing.T) {
	t.Parallel()

	selector := &aresv1alpha1.RecordValueFrom{PodSelector: &metav1.LabelSelector{
		MatchLabels: map[string]string{"app": "mail"},
	}}

	tests := []struct {
		name   string
		mutate func(*aresv1alpha1.RecordSpec)
		field  string
	}{
		{name: "literal value"},
		{name: "pod selector", mutate: func(s *aresv1alpha1.RecordSpec) {
			s.Type, s.Value, s.ValueFrom = aresv1alpha1.RRTypeA, nil, selector
		}},
		{name: "wildcard", mutate: func(s *aresv1alpha1.RecordSpec) { s.FQDN = "*.syntixi.io" }},
		{name: "underscore label", mutate: func(s *aresv1alpha1.RecordSpec) {
			s.FQDN, s.Type, s.Value = "_dmarc.syntixi.io.", aresv1alpha1.RRTypeTXT, []string{"v=DMARC1; p=none"}
		}},
		{name: "both sources", mutate: func(s *aresv1alpha1.RecordSpec) { s.ValueFrom = selector }, field: "spec.valueFrom"},
		{name: "no source", mutate: func(s *aresv1alpha1.RecordSpec) { s.Value = nil }, field: "spec.value"},
		{name: "empty selector", mutate: func(s *aresv1alpha1.RecordSpec) {
			s.Value, s.ValueFrom = nil, &aresv1alpha1.RecordValueFrom{PodSelector: &metav1.LabelSelector{}}
		}, field: "spec.valueFrom.podSelector"},
		{name: "In without values", mutate: func(s *aresv1alpha1.RecordSpec) {
			s.Value, s.ValueFrom = nil, &aresv1alpha1.RecordValueFrom{PodSelector: &metav1.LabelSelector{
				MatchExpressions: []metav1.LabelSelectorRequirement{{Key: "app", Operator: metav1.LabelSelectorOpIn}},
			}}
		}, field: "spec.valueFrom.podSelector"},
		{name: "unknown type", mutate: func(s *aresv1alpha1.RecordSpec) { s.Type = "SPF" }, field: "spec.type"},
		{name: "zero ttl", mutate: func(s *aresv1alpha1.RecordSpec) { s.TTL = ptr.To[int64](0) }, field: "spec.ttl"},
		{name: "malformed fqdn", mutate: func(s *aresv1alpha1.RecordSpec) { s.FQDN = "bad..syntixi.io" }, field: "spec.fqdn"},
		{name: "inner wildcard", mutate: func(s *aresv1alpha1.RecordSpec) { s.FQDN = "a.*.syntixi.io" }, field: "spec.fqdn"},
		{name: "marker name", mutate: func(s *aresv1alpha1.RecordSpec) { s.FQDN = "_ares-cname.example.syntixi.io" }, field: "spec.fqdn"},
		{name: "empty value", mutate: func(s *aresv1alpha1.RecordSpec) { s.Value = []string{""} }, field: "spec.value[0]"},
	}

	v := &RecordCustomValidator{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateCreate(context.Background(), record(tt.mutate))
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.True(t, apierrors.IsInvalid(err), "%v", err)

			var fields []string
			for _, cause := range err.(*apierrors.StatusError).ErrStatus.Details.Causes {
				fields = append(fields, cause.Field)
			}
			require.Contains(t, fields, tt.field)
		})
	}
}

func TestRecordValidatorUpdateSkipsDeleting(t *testing.T) {
	t.Parallel()

	v := &RecordCustomValidator{}
	bad := record(func(s *aresv1alpha1.RecordSpec) { s.Value = nil })

	_, err := v.ValidateUpdate(context.Background(), bad, bad)
	require.Error(t, err)

	now := metav1.Now()
	bad.DeletionTimestamp = &now
	_, err = v.ValidateUpdate(context.Background(), bad, bad)
	require.NoError(t, err)
}
