// Package intent extracts routing intent from Service annotations.
// Parsing is pure so the reconciler and the admission webhook share one
// implementation and can never diverge.
package intent

import (
	"strconv"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/validation"
)

const (
	// AnnotationPrefix is the domain under which all recognized annotations live.
	AnnotationPrefix = "gateway.homelab.local/"

	// AnnotationExpose gates everything. Only the literal string "true" exposes
	// the Service; any other value, including absence, means "not exposed".
	AnnotationExpose = AnnotationPrefix + "expose"
	// AnnotationHostname is the hostname the generated HTTPRoute matches.
	// Required when exposed.
	AnnotationHostname = AnnotationPrefix + "hostname"
	// AnnotationGateway overrides the default Gateway name.
	AnnotationGateway = AnnotationPrefix + "gateway"
	// AnnotationGatewayNamespace overrides the default Gateway namespace.
	AnnotationGatewayNamespace = AnnotationPrefix + "gateway-namespace"
	// AnnotationPort overrides the backend port. Defaults to the first port in
	// the Service spec.
	AnnotationPort = AnnotationPrefix + "port"
)

// Defaults holds the fallback Gateway binding applied when the corresponding
// annotations are absent.
type Defaults struct {
	GatewayName      string
	GatewayNamespace string
}

// Intent is one Service's desire to be exposed through the Gateway.
// It is derived from annotations on every evaluation and never persisted.
type Intent struct {
	// Service identifies the source Service.
	Service types.NamespacedName
	// ServiceUID is the UID of the source Service, used for owner references.
	ServiceUID types.UID
	// Hostname is the hostname the HTTPRoute will match. Set only when Exposed.
	Hostname string
	// GatewayName is the name of the parent Gateway.
	GatewayName string
	// GatewayNamespace is the namespace of the parent Gateway and of the
	// generated HTTPRoute.
	GatewayNamespace string
	// Port is the backend port on the Service.
	Port int32
	// Exposed reports whether managed resources should exist for this Service.
	Exposed bool
}

// Parse derives the routing intent from a Service's annotations and spec.
//
// A Service without the expose annotation (or with any value other than "true")
// yields a non-exposed Intent and a nil error. A Service that asks to be
// exposed but is misconfigured yields a *ValidationError.
func Parse(svc *corev1.Service, defaults Defaults) (Intent, error) {
	it := Intent{
		Service:    types.NamespacedName{Namespace: svc.Namespace, Name: svc.Name},
		ServiceUID: svc.UID,
	}

	annotations := svc.Annotations

	if annotations[AnnotationExpose] != "true" {
		return it, nil
	}
	it.Exposed = true

	hostname, ok := annotations[AnnotationHostname]
	if !ok || hostname == "" {
		return Intent{}, &ValidationError{
			Kind:       MissingRequiredField,
			Annotation: AnnotationHostname,
			Message:    "hostname is required when expose is true",
		}
	}
	if msgs := validation.IsDNS1123Subdomain(hostname); len(msgs) > 0 {
		return Intent{}, &ValidationError{
			Kind:       InvalidHostname,
			Annotation: AnnotationHostname,
			Message:    "invalid hostname " + strconv.Quote(hostname) + ": " + msgs[0],
		}
	}
	it.Hostname = hostname

	it.GatewayName = defaults.GatewayName
	if name := annotations[AnnotationGateway]; name != "" {
		it.GatewayName = name
	}

	it.GatewayNamespace = defaults.GatewayNamespace
	if ns := annotations[AnnotationGatewayNamespace]; ns != "" {
		if msgs := validation.IsDNS1123Label(ns); len(msgs) > 0 {
			return Intent{}, &ValidationError{
				Kind:       InvalidGatewayNamespace,
				Annotation: AnnotationGatewayNamespace,
				Message:    "invalid gateway namespace " + strconv.Quote(ns) + ": " + msgs[0],
			}
		}
		it.GatewayNamespace = ns
	}

	port, err := resolvePort(annotations[AnnotationPort], svc.Spec.Ports)
	if err != nil {
		return Intent{}, err
	}
	it.Port = port

	return it, nil
}

// resolvePort picks the backend port: the port annotation when set, otherwise
// the first port in the Service spec. The port list is read at parse time, not
// cached, so Service port changes propagate without an annotation update.
func resolvePort(raw string, ports []corev1.ServicePort) (int32, error) {
	if raw != "" {
		p, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || p < 1 || p > 65535 {
			return 0, &ValidationError{
				Kind:       InvalidPort,
				Annotation: AnnotationPort,
				Message:    "port must be an integer between 1 and 65535, got " + strconv.Quote(raw),
			}
		}
		return int32(p), nil
	}

	if len(ports) == 0 {
		return 0, &ValidationError{
			Kind:       NoPortsAvailable,
			Annotation: AnnotationPort,
			Message:    "the Service has no ports and no port annotation is set",
		}
	}
	return ports[0].Port, nil
}

// HasAnnotations reports whether any recognized annotation is present on the
// given annotation set. Used by event filters.
func HasAnnotations(annotations map[string]string) bool {
	for _, key := range []string{
		AnnotationExpose,
		AnnotationHostname,
		AnnotationGateway,
		AnnotationGatewayNamespace,
		AnnotationPort,
	} {
		if _, ok := annotations[key]; ok {
			return true
		}
	}
	return false
}
