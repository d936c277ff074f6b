// Package predicate filters Service events before they reach the reconciler.
package predicate

import (
	apiv1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	"github.com/homelab/httproute-generator/internal/intent"
)

// RoutingChangedPredicate implements a predicate function based on the
// routing annotations and the Service ports.
//
// This predicate will skip the following events:
// 1. Create events for Services that carry none of the recognized annotations.
// 2. Update events where neither the recognized annotations nor the ports changed.
// 3. Delete events for Services that carried none of the recognized annotations.
//
// Ports matter because the backend port defaults to the first port in the
// Service spec: a port edit must re-trigger reconciliation even when the
// annotations are untouched. The comparison is ordered, not set-based, for the
// same reason.
type RoutingChangedPredicate struct {
	predicate.Funcs
}

// Create filters CreateEvents based on the recognized annotations.
func (RoutingChangedPredicate) Create(e event.CreateEvent) bool {
	if e.Object == nil {
		return false
	}

	return intent.HasAnnotations(e.Object.GetAnnotations())
}

// Update filters UpdateEvents based on the recognized annotations and the
// Service ports.
func (RoutingChangedPredicate) Update(e event.UpdateEvent) bool {
	if e.ObjectOld == nil || e.ObjectNew == nil {
		// this case should not happen
		return false
	}

	oldAnnotations := e.ObjectOld.GetAnnotations()
	newAnnotations := e.ObjectNew.GetAnnotations()

	for _, key := range []string{
		intent.AnnotationExpose,
		intent.AnnotationHostname,
		intent.AnnotationGateway,
		intent.AnnotationGatewayNamespace,
		intent.AnnotationPort,
	} {
		if oldAnnotations[key] != newAnnotations[key] {
			return true
		}
	}

	if !intent.HasAnnotations(newAnnotations) {
		return false
	}

	oldSvc, ok := e.ObjectOld.(*apiv1.Service)
	if !ok {
		return false
	}

	newSvc, ok := e.ObjectNew.(*apiv1.Service)
	if !ok {
		return false
	}

	return portsChanged(oldSvc.Spec.Ports, newSvc.Spec.Ports)
}

// Delete filters DeleteEvents based on the recognized annotations: deleting a
// Service that was never annotated requires no cleanup.
func (RoutingChangedPredicate) Delete(e event.DeleteEvent) bool {
	if e.Object == nil {
		return false
	}

	return intent.HasAnnotations(e.Object.GetAnnotations())
}

func portsChanged(oldPorts, newPorts []apiv1.ServicePort) bool {
	if len(oldPorts) != len(newPorts) {
		return true
	}

	for i := range oldPorts {
		if oldPorts[i].Port != newPorts[i].Port {
			return true
		}
	}

	return false
}
