// SPDX-License-Identifier: AGPL-3.0-only

package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// +kubebuilder:validation:Enum=A;AAAA;ALIAS;CNAME;MX;NS;PTR;SOA;SRV;TXT;DNSKEY;DS;NSEC;NSEC3;NSEC3PARAM;RRSIG
type RRType string

const (
	RRTypeA          RRType = "A"
	RRTypeAAAA       RRType = "AAAA"
	RRTypeALIAS      RRType = "ALIAS"
	RRTypeCNAME      RRType = "CNAME"
	RRTypeMX         RRType = "MX"
	RRTypeNS         RRType = "NS"
	RRTypePTR        RRType = "PTR"
	RRTypeSOA        RRType = "SOA"
	RRTypeSRV        RRType = "SRV"
	RRTypeTXT        RRType = "TXT"
	RRTypeDNSKEY     RRType = "DNSKEY"
	RRTypeDS         RRType = "DS"
	RRTypeNSEC       RRType = "NSEC"
	RRTypeNSEC3      RRType = "NSEC3"
	RRTypeNSEC3PARAM RRType = "NSEC3PARAM"
	RRTypeRRSIG      RRType = "RRSIG"
)

// RRTypes lists every record type a Record may declare.
var RRTypes = []RRType{
	RRTypeA, RRTypeAAAA, RRTypeALIAS, RRTypeCNAME, RRTypeMX, RRTypeNS, RRTypePTR, RRTypeSOA,
	RRTypeSRV, RRTypeTXT, RRTypeDNSKEY, RRTypeDS, RRTypeNSEC, RRTypeNSEC3, RRTypeNSEC3PARAM, RRTypeRRSIG,
}

// RecordSpec defines the desired state of Record.
// +kubebuilder:validation:XValidation:rule="has(self.value) != has(self.valueFrom)",message="exactly one of value or valueFrom must be set"
type RecordSpec struct {
	// FQDN is the fully qualified domain name of the record.
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MinLength=1
	FQDN string `json:"fqdn"`

	// Type is the DNS RR type of the record.
	// +kubebuilder:validation:Required
	Type RRType `json:"type"`

	// TTL in seconds. When unset the provider default applies.
	// +kubebuilder:validation:Minimum=1
	// +optional
	TTL *int64 `json:"ttl,omitempty"`

	// Value holds literal record values.
	// +optional
	Value []string `json:"value,omitempty"`

	// ValueFrom resolves record values from cluster state.
	// +optional
	ValueFrom *RecordValueFrom `json:"valueFrom,omitempty"`
}

// RecordValueFrom selects a dynamic source for record values.
type RecordValueFrom struct {
	// PodSelector selects Pods in the Record's namespace; the addresses of the
	// Nodes running them become the record values.
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:XValidation:rule="has(self.matchLabels) || has(self.matchExpressions)",message="podSelector must set matchLabels or matchExpressions"
	PodSelector *metav1.LabelSelector `json:"podSelector"`
}

// RecordStatus defines the observed state of Record.
type RecordStatus struct {
	// ObservedGeneration is the generation last processed by the controller.
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// FQDN and Type name the record this resource last claimed. When the spec
	// moves to another name, that record is released before the new one is
	// claimed.
	// +optional
	FQDN string `json:"fqdn,omitempty"`
	// +optional
	Type RRType `json:"type,omitempty"`

	// Provider is the kind of provider the record is routed to.
	// +optional
	Provider string `json:"provider,omitempty"`

	// Zone is the configured selector the record was routed through.
	// +optional
	Zone string `json:"zone,omitempty"`

	// Values are the values last programmed into the provider.
	// +optional
	Values []string `json:"values,omitempty"`

	// +listType=map
	// +listMapKey=type
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="FQDN",type=string,JSONPath=`.spec.fqdn`
// +kubebuilder:printcolumn:name="Type",type=string,JSONPath=`.spec.type`
// +kubebuilder:printcolumn:name="Programmed",type=string,JSONPath=`.status.conditions[?(@.type=="Programmed")].status`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// Record is the Schema for the records API.
type Record struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   RecordSpec   `json:"spec,omitempty"`
	Status RecordStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// RecordList contains a list of Record.
type RecordList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Record `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Record{}, &RecordList{})
}
