// Package status reports reconciliation outcomes on the source Service, as a
// status condition and a corresponding Event. Misconfiguration must be
// discoverable without reading controller logs.
package status

import (
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/homelab/httproute-generator/internal/intent"
)

// ReadyConditionType is the single condition type this controller owns on a
// Service. Status True means the generated resources match the intent.
const ReadyConditionType = intent.AnnotationPrefix + "Ready"

const (
	// ReasonReconciled indicates the HTTPRoute and ReferenceGrant exist and
	// match the desired state.
	ReasonReconciled = "Reconciled"
	// ReasonInvalidConfig indicates the annotations failed validation. The
	// condition message names the offending annotation. Not retried; the
	// annotation must be corrected.
	ReasonInvalidConfig = "InvalidConfig"
	// ReasonHostnameConflict indicates another Service claimed the same
	// hostname first.
	ReasonHostnameConflict = "HostnameConflict"
)

// Condition is a condition to be reported on a Service. It is converted to a
// metav1.Condition by the Setter, which fills in the observed generation and
// transition time.
type Condition struct {
	Type    string
	Status  metav1.ConditionStatus
	Reason  string
	Message string
}

// NewReady returns the Condition reported after a fully converged reconciliation.
func NewReady() Condition {
	return Condition{
		Type:    ReadyConditionType,
		Status:  metav1.ConditionTrue,
		Reason:  ReasonReconciled,
		Message: "HTTPRoute and ReferenceGrant are up to date",
	}
}

// NewInvalidConfig returns the Condition reported when annotation parsing fails.
func NewInvalidConfig(verr *intent.ValidationError) Condition {
	return Condition{
		Type:    ReadyConditionType,
		Status:  metav1.ConditionFalse,
		Reason:  ReasonInvalidConfig,
		Message: verr.Error(),
	}
}

// NewHostnameConflict returns the Condition reported when another Service
// already claims the requested hostname.
func NewHostnameConflict(hostname string, winner types.NamespacedName) Condition {
	return Condition{
		Type:   ReadyConditionType,
		Status: metav1.ConditionFalse,
		Reason: ReasonHostnameConflict,
		Message: fmt.Sprintf(
			"hostname %q is already claimed by Service %s; no resources were generated",
			hostname, winner,
		),
	}
}
