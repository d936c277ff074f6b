package controller

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"github.com/opdev/subreconciler"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
	gatewayv1 "sigs.k8s.io/gateway-api/apis/v1"
	gatewayv1beta1 "sigs.k8s.io/gateway-api/apis/v1beta1"

	"github.com/homelab/httproute-generator/internal/desired"
	"github.com/homelab/httproute-generator/internal/grants"
	"github.com/homelab/httproute-generator/internal/intent"
	"github.com/homelab/httproute-generator/internal/status"
)

// pass carries the state of one reconciliation attempt. A fresh pass is built
// per request, so concurrent reconciliations of distinct Services never share
// mutable state.
type pass struct {
	*ServiceReconciler

	logger logr.Logger
	svc    *corev1.Service
	verr   *intent.ValidationError
	it     intent.Intent
	nsname types.NamespacedName
}

// Reconcile converges one Service. Every apply is idempotent and every update
// is conditional on the resource version read in the same pass; on a version
// conflict the whole pass is requeued rather than the single write retried.
func (r *ServiceReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	p := &pass{
		ServiceReconciler: r,
		logger:            logger,
		nsname:            req.NamespacedName,
	}

	var svc corev1.Service
	err := r.client.Get(ctx, req.NamespacedName, &svc)
	switch {
	case apierrors.IsNotFound(err):
		// deleted; fall through to cleanup
	case err != nil:
		logger.Error(err, "Failed to get the Service")
		return subreconciler.Evaluate(subreconciler.RequeueWithError(err))
	default:
		p.svc = &svc
	}

	var subrecs []subreconciler.Fn

	switch {
	case p.svc == nil || p.svc.DeletionTimestamp != nil:
		subrecs = append(subrecs, p.cleanupRoutes, p.cleanupGrants)
	default:
		it, err := intent.Parse(p.svc, r.defaults)
		if verr, ok := intent.AsValidationError(err); ok {
			p.verr = verr
			subrecs = append(subrecs, p.cleanupRoutes, p.cleanupGrants, p.reportInvalid)
		} else if !it.Exposed {
			subrecs = append(subrecs, p.cleanupRoutes, p.cleanupGrants, p.clearCondition)
		} else {
			p.it = it
			subrecs = append(subrecs,
				p.checkHostnameConflict,
				p.pruneStaleRoutes,
				p.ensureRoute,
				p.ensureGrant,
				p.pruneStaleGrants,
				p.reportReady,
			)
		}
	}

	for _, sub := range subrecs {
		if result, err := sub(ctx); subreconciler.ShouldHaltOrRequeue(result, err) {
			return subreconciler.Evaluate(result, err)
		}
	}

	return subreconciler.Evaluate(subreconciler.DoNotRequeue())
}

// checkHostnameConflict enforces one owner per hostname. The oldest claimant
// wins; ties fall back to namespace/name ordering so the outcome is stable
// across restarts. A losing Service gets a HostnameConflict condition and no
// generated resources.
func (p *pass) checkHostnameConflict(ctx context.Context) (*ctrl.Result, error) {
	var claimants corev1.ServiceList
	if err := p.client.List(ctx, &claimants, client.MatchingFields{exposedHostnameIndex: p.it.Hostname}); err != nil {
		return subreconciler.RequeueWithError(fmt.Errorf("failed to list hostname claimants: %w", err))
	}

	winner := p.nsname
	winnerCreated := p.svc.CreationTimestamp

	for i := range claimants.Items {
		claimant := &claimants.Items[i]
		nsname := client.ObjectKeyFromObject(claimant)
		if nsname == p.nsname {
			continue
		}
		if claimsBefore(claimant.CreationTimestamp, nsname, winnerCreated, winner) {
			winner = nsname
			winnerCreated = claimant.CreationTimestamp
		}
	}

	if winner == p.nsname {
		return subreconciler.ContinueReconciling()
	}

	p.logger.Info("Hostname is already claimed", "hostname", p.it.Hostname, "claimedBy", winner.String())

	if result, err := p.cleanupRoutes(ctx); subreconciler.ShouldHaltOrRequeue(result, err) {
		return result, err
	}
	if result, err := p.cleanupGrants(ctx); subreconciler.ShouldHaltOrRequeue(result, err) {
		return result, err
	}

	if err := p.setter.Set(ctx, p.nsname, status.NewHostnameConflict(p.it.Hostname, winner)); err != nil {
		return subreconciler.RequeueWithError(err)
	}

	return subreconciler.DoNotRequeue()
}

func claimsBefore(aCreated metav1.Time, a types.NamespacedName, bCreated metav1.Time, b types.NamespacedName) bool {
	if !aCreated.Equal(&bCreated) {
		return aCreated.Before(&bCreated)
	}
	return a.String() < b.String()
}

// ensureRoute gets the HTTPRoute by its deterministic name and creates or
// updates it to match the desired spec. Identical specs are a no-op, which is
// what makes repeated reconciliations converge.
func (p *pass) ensureRoute(ctx context.Context) (*ctrl.Result, error) {
	want := p.builder.Route(p.it)

	var live gatewayv1.HTTPRoute
	err := p.client.Get(ctx, client.ObjectKeyFromObject(want), &live)

	if apierrors.IsNotFound(err) {
		if err := p.client.Create(ctx, want); err != nil {
			if apierrors.IsAlreadyExists(err) {
				// lost a create race; re-run the pass against the new state
				return subreconciler.Requeue()
			}
			return subreconciler.RequeueWithError(fmt.Errorf("failed to create HTTPRoute: %w", err))
		}
		p.logger.Info("Created HTTPRoute", "httproute", client.ObjectKeyFromObject(want).String())
		return subreconciler.ContinueReconciling()
	}
	if err != nil {
		return subreconciler.RequeueWithError(fmt.Errorf("failed to get HTTPRoute: %w", err))
	}

	if routeUpToDate(&live, want) {
		return subreconciler.ContinueReconciling()
	}

	live.Spec = want.Spec
	live.Labels = mergeLabels(live.Labels, want.Labels)
	live.OwnerReferences = want.OwnerReferences

	if err := p.client.Update(ctx, &live); err != nil {
		if apierrors.IsConflict(err) {
			return subreconciler.Requeue()
		}
		return subreconciler.RequeueWithError(fmt.Errorf("failed to update HTTPRoute: %w", err))
	}
	p.logger.Info("Updated HTTPRoute", "httproute", client.ObjectKeyFromObject(&live).String())

	return subreconciler.ContinueReconciling()
}

// ensureGrant makes sure the shared ReferenceGrant for this Service's
// namespace pair exists and matches the desired spec.
func (p *pass) ensureGrant(ctx context.Context) (*ctrl.Result, error) {
	want := p.builder.Grant(p.it)

	var live gatewayv1beta1.ReferenceGrant
	err := p.client.Get(ctx, client.ObjectKeyFromObject(want), &live)

	if apierrors.IsNotFound(err) {
		if err := p.client.Create(ctx, want); err != nil {
			if apierrors.IsAlreadyExists(err) {
				return subreconciler.Requeue()
			}
			return subreconciler.RequeueWithError(fmt.Errorf("failed to create ReferenceGrant: %w", err))
		}
		p.logger.Info("Created ReferenceGrant", "referencegrant", client.ObjectKeyFromObject(want).String())
		return subreconciler.ContinueReconciling()
	}
	if err != nil {
		return subreconciler.RequeueWithError(fmt.Errorf("failed to get ReferenceGrant: %w", err))
	}

	if cmp.Equal(live.Spec, want.Spec) && labelsContain(live.Labels, want.Labels) {
		return subreconciler.ContinueReconciling()
	}

	live.Spec = want.Spec
	live.Labels = mergeLabels(live.Labels, want.Labels)

	if err := p.client.Update(ctx, &live); err != nil {
		if apierrors.IsConflict(err) {
			return subreconciler.Requeue()
		}
		return subreconciler.RequeueWithError(fmt.Errorf("failed to update ReferenceGrant: %w", err))
	}
	p.logger.Info("Updated ReferenceGrant", "referencegrant", client.ObjectKeyFromObject(&live).String())

	return subreconciler.ContinueReconciling()
}

// pruneStaleRoutes deletes managed routes for this Service that live under a
// name or namespace the intent no longer points at, e.g. after the
// gateway-namespace annotation moved. Without this the old route would be
// orphaned until the next sweep.
func (p *pass) pruneStaleRoutes(ctx context.Context) (*ctrl.Result, error) {
	routes, err := p.listOwnedRoutes(ctx)
	if err != nil {
		return subreconciler.RequeueWithError(err)
	}

	for i := range routes.Items {
		route := &routes.Items[i]
		if route.Namespace == p.it.GatewayNamespace && route.Name == desired.RouteName(p.it.Service) {
			continue
		}
		if err := p.deleteRoute(ctx, route); err != nil {
			return subreconciler.RequeueWithError(err)
		}
	}

	return subreconciler.ContinueReconciling()
}

// pruneStaleGrants deletes managed grants in this Service's namespace whose
// namespace pair no longer has any exposed Service behind it. The need is
// recomputed from a live scan at decision time; this Service's own claim
// counts, so the grant it still uses survives.
func (p *pass) pruneStaleGrants(ctx context.Context) (*ctrl.Result, error) {
	return p.sweepGrants(ctx, types.NamespacedName{})
}

// cleanupRoutes deletes every managed route generated for this Service.
// Ensure-absent is symmetric to ensure-present: already-deleted routes are fine.
func (p *pass) cleanupRoutes(ctx context.Context) (*ctrl.Result, error) {
	routes, err := p.listOwnedRoutes(ctx)
	if err != nil {
		return subreconciler.RequeueWithError(err)
	}

	for i := range routes.Items {
		if err := p.deleteRoute(ctx, &routes.Items[i]); err != nil {
			return subreconciler.RequeueWithError(err)
		}
	}

	return subreconciler.ContinueReconciling()
}

// cleanupGrants deletes grants in this Service's namespace that no other
// exposed Service needs. The Service being cleaned up is excluded from the
// count: its claim is ending.
func (p *pass) cleanupGrants(ctx context.Context) (*ctrl.Result, error) {
	return p.sweepGrants(ctx, p.nsname)
}

func (p *pass) sweepGrants(ctx context.Context, exclude types.NamespacedName) (*ctrl.Result, error) {
	var grantList gatewayv1beta1.ReferenceGrantList
	err := p.client.List(ctx, &grantList,
		client.InNamespace(p.nsname.Namespace),
		client.MatchingLabels{desired.ManagedByLabel: desired.ManagedByValue},
	)
	if err != nil {
		return subreconciler.RequeueWithError(fmt.Errorf("failed to list managed ReferenceGrants: %w", err))
	}

	for i := range grantList.Items {
		grant := &grantList.Items[i]

		gatewayNamespace := grant.Labels[desired.FromNamespaceLabel]
		if gatewayNamespace == "" {
			// grants created before the label existed encode the namespace in the name
			gatewayNamespace = strings.TrimPrefix(grant.Name, "allow-")
		}

		needed, err := grants.StillNeeded(ctx, p.client, p.defaults, p.nsname.Namespace, gatewayNamespace, exclude)
		if err != nil {
			return subreconciler.RequeueWithError(err)
		}
		if needed {
			continue
		}

		if err := p.client.Delete(ctx, grant); client.IgnoreNotFound(err) != nil {
			return subreconciler.RequeueWithError(fmt.Errorf("failed to delete ReferenceGrant: %w", err))
		}
		p.logger.Info("Deleted ReferenceGrant", "referencegrant", client.ObjectKeyFromObject(grant).String())
	}

	return subreconciler.ContinueReconciling()
}

func (p *pass) listOwnedRoutes(ctx context.Context) (*gatewayv1.HTTPRouteList, error) {
	var routes gatewayv1.HTTPRouteList
	err := p.client.List(ctx, &routes, client.MatchingLabels{
		desired.ManagedByLabel:        desired.ManagedByValue,
		desired.ServiceNamespaceLabel: p.nsname.Namespace,
		desired.ServiceNameLabel:      p.nsname.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list managed HTTPRoutes: %w", err)
	}
	return &routes, nil
}

func (p *pass) deleteRoute(ctx context.Context, route *gatewayv1.HTTPRoute) error {
	if err := p.client.Delete(ctx, route); client.IgnoreNotFound(err) != nil {
		return fmt.Errorf("failed to delete HTTPRoute: %w", err)
	}
	p.logger.Info("Deleted HTTPRoute", "httproute", client.ObjectKeyFromObject(route).String())
	return nil
}

func (p *pass) reportReady(ctx context.Context) (*ctrl.Result, error) {
	if err := p.setter.Set(ctx, p.nsname, status.NewReady()); err != nil {
		return subreconciler.RequeueWithError(err)
	}
	return subreconciler.ContinueReconciling()
}

// reportInvalid surfaces a validation error on the Service status. Validation
// errors are terminal for the attempt: no requeue, correcting the annotation
// triggers the next pass.
func (p *pass) reportInvalid(ctx context.Context) (*ctrl.Result, error) {
	p.logger.Info("Invalid routing annotations", "reason", p.verr.Kind, "annotation", p.verr.Annotation)

	if err := p.setter.Set(ctx, p.nsname, status.NewInvalidConfig(p.verr)); err != nil {
		return subreconciler.RequeueWithError(err)
	}
	return subreconciler.ContinueReconciling()
}

func (p *pass) clearCondition(ctx context.Context) (*ctrl.Result, error) {
	if err := p.setter.Clear(ctx, p.nsname); err != nil {
		return subreconciler.RequeueWithError(err)
	}
	return subreconciler.ContinueReconciling()
}

func routeUpToDate(live, want *gatewayv1.HTTPRoute) bool {
	return cmp.Equal(live.Spec, want.Spec) &&
		labelsContain(live.Labels, want.Labels) &&
		hasOwnerRef(live.OwnerReferences, want.OwnerReferences[0])
}

func labelsContain(super, sub map[string]string) bool {
	for k, v := range sub {
		if super[k] != v {
			return false
		}
	}
	return true
}

func hasOwnerRef(refs []metav1.OwnerReference, want metav1.OwnerReference) bool {
	for _, ref := range refs {
		if ref.APIVersion == want.APIVersion && ref.Kind == want.Kind &&
			ref.Name == want.Name && ref.UID == want.UID {
			return true
		}
	}
	return false
}

func mergeLabels(live, want map[string]string) map[string]string {
	if live == nil {
		live = make(map[string]string, len(want))
	}
	for k, v := range want {
		live[k] = v
	}
	return live
}
