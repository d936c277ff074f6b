package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	gatewayv1 "sigs.k8s.io/gateway-api/apis/v1"
	gatewayv1beta1 "sigs.k8s.io/gateway-api/apis/v1beta1"

	"github.com/homelab/httproute-generator/internal/desired"
	"github.com/homelab/httproute-generator/internal/intent"
)

var testDefaults = intent.Defaults{
	GatewayName:      "homelab-gateway",
	GatewayNamespace: "envoy-gateway-system",
}

func testScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	g := NewWithT(t)

	scheme := runtime.NewScheme()
	g.Expect(clientgoscheme.AddToScheme(scheme)).To(Succeed())
	g.Expect(gatewayv1.Install(scheme)).To(Succeed())
	g.Expect(gatewayv1beta1.Install(scheme)).To(Succeed())

	return scheme
}

func newSweeper(t *testing.T, objects ...client.Object) (*Sweeper, client.Client) {
	t.Helper()

	c := fake.NewClientBuilder().
		WithScheme(testScheme(t)).
		WithObjects(objects...).
		Build()

	s := NewSweeper(Config{
		Client:   c,
		Logger:   logr.Discard(),
		Defaults: testDefaults,
		Interval: time.Minute,
	})

	return s, c
}

func exposedService(namespace, name, hostname string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: namespace,
			Name:      name,
			Annotations: map[string]string{
				intent.AnnotationExpose:   "true",
				intent.AnnotationHostname: hostname,
			},
		},
		Spec: corev1.ServiceSpec{
			Ports: []corev1.ServicePort{{Port: 3000}},
		},
	}
}

func managedRoute(t *testing.T, svc *corev1.Service) *gatewayv1.HTTPRoute {
	t.Helper()
	g := NewWithT(t)

	it, err := intent.Parse(svc, testDefaults)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(it.Exposed).To(BeTrue())

	return desired.Builder{}.Route(it)
}

func managedGrant(t *testing.T, svc *corev1.Service) *gatewayv1beta1.ReferenceGrant {
	t.Helper()
	g := NewWithT(t)

	it, err := intent.Parse(svc, testDefaults)
	g.Expect(err).ToNot(HaveOccurred())

	return desired.Builder{}.Grant(it)
}

func listRoutes(t *testing.T, c client.Client) []gatewayv1.HTTPRoute {
	t.Helper()
	g := NewWithT(t)

	var routes gatewayv1.HTTPRouteList
	g.Expect(c.List(context.Background(), &routes)).To(Succeed())
	return routes.Items
}

func listGrants(t *testing.T, c client.Client) []gatewayv1beta1.ReferenceGrant {
	t.Helper()
	g := NewWithT(t)

	var grantList gatewayv1beta1.ReferenceGrantList
	g.Expect(c.List(context.Background(), &grantList)).To(Succeed())
	return grantList.Items
}

func TestSweepKeepsBackedResources(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	svc := exposedService("prometheus", "grafana", "grafana.homelab.local")
	s, c := newSweeper(t, svc, managedRoute(t, svc), managedGrant(t, svc))

	g.Expect(s.Sweep(context.Background())).To(Succeed())

	g.Expect(listRoutes(t, c)).To(HaveLen(1))
	g.Expect(listGrants(t, c)).To(HaveLen(1))
}

func TestSweepDeletesRouteAndGrantOfDeletedService(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	svc := exposedService("prometheus", "grafana", "grafana.homelab.local")
	// The Service itself is not seeded; only its leftovers are.
	s, c := newSweeper(t, managedRoute(t, svc), managedGrant(t, svc))

	g.Expect(s.Sweep(context.Background())).To(Succeed())

	g.Expect(listRoutes(t, c)).To(BeEmpty())
	g.Expect(listGrants(t, c)).To(BeEmpty())
}

func TestSweepDeletesRouteOfUnexposedService(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	svc := exposedService("prometheus", "grafana", "grafana.homelab.local")
	route := managedRoute(t, svc)
	grant := managedGrant(t, svc)

	svc.Annotations[intent.AnnotationExpose] = "false"
	s, c := newSweeper(t, svc, route, grant)

	g.Expect(s.Sweep(context.Background())).To(Succeed())

	g.Expect(listRoutes(t, c)).To(BeEmpty())
	g.Expect(listGrants(t, c)).To(BeEmpty())
}

func TestSweepDeletesRouteLeftInOldGatewayNamespace(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	svc := exposedService("prometheus", "grafana", "grafana.homelab.local")
	staleRoute := managedRoute(t, svc)

	// The Service has since moved to another Gateway namespace.
	svc.Annotations[intent.AnnotationGatewayNamespace] = "edge-system"
	currentRoute := managedRoute(t, svc)

	s, c := newSweeper(t, svc, staleRoute, currentRoute)

	g.Expect(s.Sweep(context.Background())).To(Succeed())

	routes := listRoutes(t, c)
	g.Expect(routes).To(HaveLen(1))
	g.Expect(routes[0].Namespace).To(Equal("edge-system"))
}

func TestSweepDeletesRouteWithoutSourceLabels(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	route := &gatewayv1.HTTPRoute{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: "envoy-gateway-system",
			Name:      "unattributable",
			Labels: map[string]string{
				desired.ManagedByLabel: desired.ManagedByValue,
			},
		},
	}
	s, c := newSweeper(t, route)

	g.Expect(s.Sweep(context.Background())).To(Succeed())

	g.Expect(listRoutes(t, c)).To(BeEmpty())
}

func TestSweepIgnoresUnmanagedResources(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	route := &gatewayv1.HTTPRoute{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: "envoy-gateway-system",
			Name:      "hand-written",
		},
	}
	grant := &gatewayv1beta1.ReferenceGrant{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: "prometheus",
			Name:      "hand-written",
		},
	}
	s, c := newSweeper(t, route, grant)

	g.Expect(s.Sweep(context.Background())).To(Succeed())

	g.Expect(listRoutes(t, c)).To(HaveLen(1))
	g.Expect(listGrants(t, c)).To(HaveLen(1))
}

func TestSweepKeepsGrantWithAnotherClaimant(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	grafana := exposedService("prometheus", "grafana", "grafana.homelab.local")
	alertmanager := exposedService("prometheus", "alertmanager", "alerts.homelab.local")

	// Grafana is gone but alertmanager still claims the shared grant.
	s, c := newSweeper(t, alertmanager, managedRoute(t, alertmanager), managedGrant(t, grafana))

	g.Expect(s.Sweep(context.Background())).To(Succeed())

	g.Expect(listGrants(t, c)).To(HaveLen(1))
}

func TestStartStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	s, _ := newSweeper(t)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error)
	go func() {
		errCh <- s.Start(ctx)
		close(errCh)
	}()

	cancel()
	g.Eventually(errCh).Should(Receive(BeNil()))
	g.Eventually(errCh).Should(BeClosed())
}
