package controller

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	ctlrBuilder "sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	ctlrController "sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"
	gatewayv1 "sigs.k8s.io/gateway-api/apis/v1"
	gatewayv1beta1 "sigs.k8s.io/gateway-api/apis/v1beta1"

	"github.com/homelab/httproute-generator/internal/controller/predicate"
	"github.com/homelab/httproute-generator/internal/desired"
	"github.com/homelab/httproute-generator/internal/intent"
	"github.com/homelab/httproute-generator/internal/status"
)

// exposedHostnameIndex indexes Services by the hostname they expose. Used to
// detect two Services claiming the same hostname.
const exposedHostnameIndex = "routing.exposedHostname"

// ServiceReconciler watches Services and keeps the generated HTTPRoute and
// ReferenceGrant objects converged with the annotations.
type ServiceReconciler struct {
	client   client.Client
	setter   *status.Setter
	defaults intent.Defaults
	builder  desired.Builder
}

// Config holds the dependencies of the ServiceReconciler.
type Config struct {
	// Client is the cluster client.
	Client client.Client
	// Setter writes status conditions onto Services.
	Setter *status.Setter
	// Defaults is the fallback Gateway binding.
	Defaults intent.Defaults
	// Builder builds desired objects.
	Builder desired.Builder
}

// NewServiceReconciler creates a new ServiceReconciler.
func NewServiceReconciler(cfg Config) *ServiceReconciler {
	return &ServiceReconciler{
		client:   cfg.Client,
		setter:   cfg.Setter,
		defaults: cfg.Defaults,
		builder:  cfg.Builder,
	}
}

// +kubebuilder:rbac:groups=core,resources=services,verbs=get;list;watch
// +kubebuilder:rbac:groups=core,resources=services/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=core,resources=events,verbs=create;patch
// +kubebuilder:rbac:groups=gateway.networking.k8s.io,resources=httproutes,verbs=get;list;watch;create;update;delete
// +kubebuilder:rbac:groups=gateway.networking.k8s.io,resources=referencegrants,verbs=get;list;watch;create;update;delete

// SetupWithManager registers the field index, the Service watch, and the
// watches on generated resources (for drift repair) with the manager.
// maxConcurrentReconciles bounds the worker pool; the workqueue still
// guarantees at most one in-flight reconciliation per Service.
func (r *ServiceReconciler) SetupWithManager(mgr manager.Manager, maxConcurrentReconciles int) error {
	if err := addHostnameIndex(mgr, r.defaults); err != nil {
		return err
	}

	err := ctrl.NewControllerManagedBy(mgr).
		Named("httproute-generator").
		For(&corev1.Service{}, ctlrBuilder.WithPredicates(predicate.RoutingChangedPredicate{})).
		Watches(&gatewayv1.HTTPRoute{}, handler.EnqueueRequestsFromMapFunc(r.mapRouteToService)).
		Watches(&gatewayv1beta1.ReferenceGrant{}, handler.EnqueueRequestsFromMapFunc(r.mapGrantToServices)).
		Watches(
			&corev1.Service{},
			handler.EnqueueRequestsFromMapFunc(r.mapHostnameClaimants),
			ctlrBuilder.WithPredicates(predicate.RoutingChangedPredicate{}),
		).
		WithOptions(ctlrController.Options{MaxConcurrentReconciles: maxConcurrentReconciles}).
		Complete(r)
	if err != nil {
		return fmt.Errorf("cannot build the Service controller: %w", err)
	}

	return nil
}

func addHostnameIndex(mgr manager.Manager, defaults intent.Defaults) error {
	indexer := func(obj client.Object) []string {
		svc, ok := obj.(*corev1.Service)
		if !ok {
			return nil
		}
		it, err := intent.Parse(svc, defaults)
		if err != nil || !it.Exposed {
			return nil
		}
		return []string{it.Hostname}
	}

	if err := mgr.GetFieldIndexer().IndexField(
		context.Background(),
		&corev1.Service{},
		exposedHostnameIndex,
		indexer,
	); err != nil {
		return fmt.Errorf("failed to add the exposed hostname index: %w", err)
	}

	return nil
}

// mapRouteToService enqueues the source Service of a managed HTTPRoute, so
// drift in (or deletion of) a generated route re-triggers its owner.
func (r *ServiceReconciler) mapRouteToService(_ context.Context, obj client.Object) []reconcile.Request {
	labels := obj.GetLabels()
	if labels[desired.ManagedByLabel] != desired.ManagedByValue {
		return nil
	}

	src, ok := desired.SourceOf(labels)
	if !ok {
		return nil
	}

	return []reconcile.Request{{NamespacedName: src}}
}

// mapGrantToServices enqueues every exposed Service in a managed
// ReferenceGrant's namespace. Grants are shared, so there is no single owner
// to map back to.
func (r *ServiceReconciler) mapGrantToServices(ctx context.Context, obj client.Object) []reconcile.Request {
	if obj.GetLabels()[desired.ManagedByLabel] != desired.ManagedByValue {
		return nil
	}

	var services corev1.ServiceList
	if err := r.client.List(ctx, &services, client.InNamespace(obj.GetNamespace())); err != nil {
		return nil
	}

	var requests []reconcile.Request
	for i := range services.Items {
		it, err := intent.Parse(&services.Items[i], r.defaults)
		if err != nil || !it.Exposed {
			continue
		}
		requests = append(requests, reconcile.Request{NamespacedName: it.Service})
	}

	return requests
}

// mapHostnameClaimants enqueues the other claimants of a Service's hostname.
// When the current winner releases a hostname, the Service that lost the
// conflict gets another pass without waiting for its own annotations to change.
func (r *ServiceReconciler) mapHostnameClaimants(ctx context.Context, obj client.Object) []reconcile.Request {
	svc, ok := obj.(*corev1.Service)
	if !ok {
		return nil
	}

	hostname := svc.Annotations[intent.AnnotationHostname]
	if hostname == "" {
		return nil
	}

	var claimants corev1.ServiceList
	if err := r.client.List(ctx, &claimants, client.MatchingFields{exposedHostnameIndex: hostname}); err != nil {
		return nil
	}

	var requests []reconcile.Request
	for i := range claimants.Items {
		other := &claimants.Items[i]
		if other.Namespace == svc.Namespace && other.Name == svc.Name {
			continue
		}
		requests = append(requests, reconcile.Request{
			NamespacedName: client.ObjectKeyFromObject(other),
		})
	}

	return requests
}
