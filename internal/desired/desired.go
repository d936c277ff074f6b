// Package desired builds the target HTTPRoute and ReferenceGrant definitions
// for a Service intent. Builders are deterministic: identical intents produce
// deeply equal objects, which is what lets the reconciler converge on a no-op
// fixed point.
package desired

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	gatewayv1 "sigs.k8s.io/gateway-api/apis/v1"
	gatewayv1beta1 "sigs.k8s.io/gateway-api/apis/v1beta1"

	"github.com/homelab/httproute-generator/internal/helpers"
	"github.com/homelab/httproute-generator/internal/intent"
)

const (
	// ManagedByLabel marks every generated object so sweeps and watch mappings
	// can find them without guessing names.
	ManagedByLabel = "app.kubernetes.io/managed-by"
	// ManagedByValue is the value of ManagedByLabel on generated objects.
	ManagedByValue = "httproute-generator"

	// ServiceNamespaceLabel and ServiceNameLabel record the source Service on a
	// generated HTTPRoute. The route lives in the Gateway's namespace, so the
	// source identity cannot be recovered from the route's own namespace.
	ServiceNamespaceLabel = intent.AnnotationPrefix + "service-namespace"
	ServiceNameLabel      = intent.AnnotationPrefix + "service-name"

	// FromNamespaceLabel records, on a ReferenceGrant, the namespace whose
	// HTTPRoutes the grant admits.
	FromNamespaceLabel = intent.AnnotationPrefix + "from-namespace"
)

// RouteName returns the deterministic name of the HTTPRoute generated for a
// Service. Namespace and name are both DNS labels of at most 63 characters, so
// the result always fits the 253-character object name limit.
func RouteName(svc types.NamespacedName) string {
	return svc.Namespace + "-" + svc.Name
}

// GrantName returns the deterministic name of the ReferenceGrant admitting
// HTTPRoutes from the given Gateway namespace. Grants are shared: every
// exposed Service in a namespace targeting the same Gateway namespace maps to
// the same grant.
func GrantName(gatewayNamespace string) string {
	return "allow-" + gatewayNamespace
}

// Builder constructs desired objects for exposed intents.
type Builder struct {
	// SectionName optionally binds generated routes to a single listener on the
	// parent Gateway.
	SectionName string
}

// Route returns the desired HTTPRoute for an exposed intent. The route lives
// in the Gateway's namespace and carries an owner reference to the source
// Service. The host garbage collector does not cascade owner references across
// namespaces, so the reference is provenance only; deletion is the
// reconciler's job.
//
// Every field the API server defaults on admission (parentRef group/kind, the
// catch-all path match, backendRef group/kind/weight) is set explicitly.
// Otherwise the spec read back from the cluster never equals the built one and
// the reconciler updates the route on every pass instead of converging.
func (b Builder) Route(it intent.Intent) *gatewayv1.HTTPRoute {
	parentRef := gatewayv1.ParentReference{
		Group:     helpers.GetPointer(gatewayv1.Group(gatewayv1.GroupName)),
		Kind:      helpers.GetPointer(gatewayv1.Kind("Gateway")),
		Name:      gatewayv1.ObjectName(it.GatewayName),
		Namespace: helpers.GetPointer(gatewayv1.Namespace(it.GatewayNamespace)),
	}
	if b.SectionName != "" {
		parentRef.SectionName = helpers.GetPointer(gatewayv1.SectionName(b.SectionName))
	}

	return &gatewayv1.HTTPRoute{
		ObjectMeta: metav1.ObjectMeta{
			Name:            RouteName(it.Service),
			Namespace:       it.GatewayNamespace,
			Labels:          routeLabels(it.Service),
			OwnerReferences: []metav1.OwnerReference{ownerRef(it)},
		},
		Spec: gatewayv1.HTTPRouteSpec{
			CommonRouteSpec: gatewayv1.CommonRouteSpec{
				ParentRefs: []gatewayv1.ParentReference{parentRef},
			},
			Hostnames: []gatewayv1.Hostname{gatewayv1.Hostname(it.Hostname)},
			Rules: []gatewayv1.HTTPRouteRule{
				{
					Matches: []gatewayv1.HTTPRouteMatch{
						{
							Path: &gatewayv1.HTTPPathMatch{
								Type:  helpers.GetPointer(gatewayv1.PathMatchPathPrefix),
								Value: helpers.GetPointer("/"),
							},
						},
					},
					BackendRefs: []gatewayv1.HTTPBackendRef{
						{
							BackendRef: gatewayv1.BackendRef{
								BackendObjectReference: gatewayv1.BackendObjectReference{
									Group:     helpers.GetPointer(gatewayv1.Group("")),
									Kind:      helpers.GetPointer(gatewayv1.Kind("Service")),
									Name:      gatewayv1.ObjectName(it.Service.Name),
									Namespace: helpers.GetPointer(gatewayv1.Namespace(it.Service.Namespace)),
									Port:      helpers.GetPointer(gatewayv1.PortNumber(it.Port)),
								},
								Weight: helpers.GetPointer[int32](1),
							},
						},
					},
				},
			},
		},
	}
}

// Grant returns the desired ReferenceGrant for an exposed intent. It lives in
// the Service's namespace and admits HTTPRoutes from the Gateway namespace to
// reference any Service in it. To.Name is left unset on purpose: the grant is
// shared by every exposed Service in the namespace, so naming a single Service
// would force one grant per Service and reintroduce the duplicate-grant
// problem. No owner reference is set for the same reason; the grant has no
// single owner.
func (b Builder) Grant(it intent.Intent) *gatewayv1beta1.ReferenceGrant {
	return &gatewayv1beta1.ReferenceGrant{
		ObjectMeta: metav1.ObjectMeta{
			Name:      GrantName(it.GatewayNamespace),
			Namespace: it.Service.Namespace,
			Labels: map[string]string{
				ManagedByLabel:     ManagedByValue,
				FromNamespaceLabel: it.GatewayNamespace,
			},
		},
		Spec: gatewayv1beta1.ReferenceGrantSpec{
			From: []gatewayv1beta1.ReferenceGrantFrom{
				{
					Group:     gatewayv1beta1.GroupName,
					Kind:      "HTTPRoute",
					Namespace: gatewayv1beta1.Namespace(it.GatewayNamespace),
				},
			},
			To: []gatewayv1beta1.ReferenceGrantTo{
				{
					Group: "",
					Kind:  "Service",
				},
			},
		},
	}
}

func routeLabels(svc types.NamespacedName) map[string]string {
	return map[string]string{
		ManagedByLabel:        ManagedByValue,
		ServiceNamespaceLabel: svc.Namespace,
		ServiceNameLabel:      svc.Name,
	}
}

func ownerRef(it intent.Intent) metav1.OwnerReference {
	return metav1.OwnerReference{
		APIVersion: corev1.SchemeGroupVersion.String(),
		Kind:       "Service",
		Name:       it.Service.Name,
		UID:        it.ServiceUID,
	}
}

// SourceOf extracts the source Service identity recorded on a generated
// HTTPRoute. ok is false when the object does not carry the identity labels.
func SourceOf(labels map[string]string) (types.NamespacedName, bool) {
	ns, okNs := labels[ServiceNamespaceLabel]
	name, okName := labels[ServiceNameLabel]
	if !okNs || !okName {
		return types.NamespacedName{}, false
	}
	return types.NamespacedName{Namespace: ns, Name: name}, true
}
