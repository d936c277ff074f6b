package grants

import (
	"context"
	"testing"

	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/homelab/httproute-generator/internal/intent"
)

func exposedService(name string, annotations map[string]string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Namespace:   "prometheus",
			Name:        name,
			Annotations: annotations,
		},
		Spec: corev1.ServiceSpec{
			Ports: []corev1.ServicePort{{Port: 80}},
		},
	}
}

func TestStillNeeded(t *testing.T) {
	t.Parallel()

	defaults := intent.Defaults{
		GatewayName:      "homelab-gateway",
		GatewayNamespace: "envoy-gateway-system",
	}

	grafana := exposedService("grafana", map[string]string{
		intent.AnnotationExpose:   "true",
		intent.AnnotationHostname: "grafana.homelab.local",
	})
	alertmanager := exposedService("alertmanager", map[string]string{
		intent.AnnotationExpose:   "true",
		intent.AnnotationHostname: "alertmanager.homelab.local",
	})
	notExposed := exposedService("pushgateway", nil)
	invalid := exposedService("broken", map[string]string{
		intent.AnnotationExpose: "true",
	})
	otherGateway := exposedService("jaeger", map[string]string{
		intent.AnnotationExpose:           "true",
		intent.AnnotationHostname:         "jaeger.homelab.local",
		intent.AnnotationGatewayNamespace: "edge-system",
	})

	tests := []struct {
		name     string
		exclude  types.NamespacedName
		services []*corev1.Service
		expected bool
	}{
		{
			name:     "another exposed Service keeps the grant",
			services: []*corev1.Service{grafana, alertmanager},
			exclude:  types.NamespacedName{Namespace: "prometheus", Name: "grafana"},
			expected: true,
		},
		{
			name:     "excluded Service does not count its own claim",
			services: []*corev1.Service{grafana},
			exclude:  types.NamespacedName{Namespace: "prometheus", Name: "grafana"},
			expected: false,
		},
		{
			name:     "non-exposed Services hold no claim",
			services: []*corev1.Service{notExposed},
			expected: false,
		},
		{
			name:     "invalid Services hold no claim",
			services: []*corev1.Service{invalid},
			expected: false,
		},
		{
			name:     "a Service targeting another gateway namespace holds no claim",
			services: []*corev1.Service{otherGateway},
			expected: false,
		},
		{
			name:     "no Services at all",
			expected: false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			g := NewWithT(t)

			scheme := runtime.NewScheme()
			g.Expect(clientgoscheme.AddToScheme(scheme)).To(Succeed())

			builder := fake.NewClientBuilder().WithScheme(scheme)
			for _, svc := range test.services {
				builder = builder.WithObjects(svc)
			}

			needed, err := StillNeeded(
				context.Background(),
				builder.Build(),
				defaults,
				"prometheus",
				"envoy-gateway-system",
				test.exclude,
			)
			g.Expect(err).ToNot(HaveOccurred())
			g.Expect(needed).To(Equal(test.expected))
		})
	}
}
