package webhook

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"
	admissionv1 "k8s.io/api/admission/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/homelab/httproute-generator/internal/intent"
)

var testDefaults = intent.Defaults{
	GatewayName:      "homelab-gateway",
	GatewayNamespace: "envoy-gateway-system",
}

func newValidator(t *testing.T, failOpen bool) *ServiceValidator {
	t.Helper()

	return NewServiceValidator(Config{
		Scheme:   clientgoscheme.Scheme,
		Logger:   logr.Discard(),
		Defaults: testDefaults,
		FailOpen: failOpen,
	})
}

func serviceRequest(t *testing.T, op admissionv1.Operation, svc *corev1.Service) admission.Request {
	t.Helper()
	g := NewWithT(t)

	raw, err := json.Marshal(svc)
	g.Expect(err).ToNot(HaveOccurred())

	return admission.Request{
		AdmissionRequest: admissionv1.AdmissionRequest{
			Operation: op,
			Object:    runtime.RawExtension{Raw: raw},
		},
	}
}

func TestHandle(t *testing.T) {
	t.Parallel()

	exposedService := func(annotations map[string]string) *corev1.Service {
		return &corev1.Service{
			ObjectMeta: metav1.ObjectMeta{
				Namespace:   "prometheus",
				Name:        "grafana",
				Annotations: annotations,
			},
			Spec: corev1.ServiceSpec{
				Ports: []corev1.ServicePort{{Port: 3000}},
			},
		}
	}

	tests := []struct {
		annotations map[string]string
		name        string
		denial      string
		operation   admissionv1.Operation
		expAllowed  bool
	}{
		{
			name:        "valid exposed Service is admitted",
			operation:   admissionv1.Create,
			annotations: map[string]string{
				intent.AnnotationExpose:   "true",
				intent.AnnotationHostname: "grafana.homelab.local",
			},
			expAllowed: true,
		},
		{
			name:        "Service without routing annotations is admitted",
			operation:   admissionv1.Create,
			annotations: nil,
			expAllowed:  true,
		},
		{
			name:        "exposed Service without a hostname is denied",
			operation:   admissionv1.Create,
			annotations: map[string]string{
				intent.AnnotationExpose: "true",
			},
			expAllowed: false,
			denial:     intent.AnnotationHostname,
		},
		{
			name:        "exposed Service with an invalid hostname is denied",
			operation:   admissionv1.Update,
			annotations: map[string]string{
				intent.AnnotationExpose:   "true",
				intent.AnnotationHostname: "Not_A_Hostname!",
			},
			expAllowed: false,
			denial:     intent.AnnotationHostname,
		},
		{
			name:        "exposed Service with an invalid port is denied",
			operation:   admissionv1.Update,
			annotations: map[string]string{
				intent.AnnotationExpose:   "true",
				intent.AnnotationHostname: "grafana.homelab.local",
				intent.AnnotationPort:     "70000",
			},
			expAllowed: false,
			denial:     intent.AnnotationPort,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			g := NewWithT(t)

			v := newValidator(t, false)
			req := serviceRequest(t, test.operation, exposedService(test.annotations))

			resp := v.Handle(context.Background(), req)

			g.Expect(resp.Allowed).To(Equal(test.expAllowed))
			if test.denial != "" {
				g.Expect(resp.Result.Message).To(ContainSubstring(test.denial))
			}
		})
	}
}

func TestHandleIgnoresDelete(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	v := newValidator(t, false)

	resp := v.Handle(context.Background(), admission.Request{
		AdmissionRequest: admissionv1.AdmissionRequest{Operation: admissionv1.Delete},
	})

	g.Expect(resp.Allowed).To(BeTrue())
}

func TestHandleUndecodableRequest(t *testing.T) {
	t.Parallel()

	garbage := admission.Request{
		AdmissionRequest: admissionv1.AdmissionRequest{
			Operation: admissionv1.Create,
			Object:    runtime.RawExtension{Raw: []byte(`{not json`)},
		},
	}

	t.Run("fail closed rejects the request", func(t *testing.T) {
		t.Parallel()
		g := NewWithT(t)

		v := newValidator(t, false)

		resp := v.Handle(context.Background(), garbage)

		g.Expect(resp.Allowed).To(BeFalse())
	})

	t.Run("fail open admits with a warning", func(t *testing.T) {
		t.Parallel()
		g := NewWithT(t)

		v := newValidator(t, true)

		resp := v.Handle(context.Background(), garbage)

		g.Expect(resp.Allowed).To(BeTrue())
		g.Expect(resp.Warnings).To(HaveLen(1))
	})
}
