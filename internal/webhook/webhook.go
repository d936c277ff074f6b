// Package webhook validates Service routing annotations at admission time.
//
// It runs the same pure parser as the reconciler, so the two paths cannot
// disagree about what is valid. A misconfigured Service is rejected before it
// is persisted instead of sitting in the cluster with an InvalidConfig
// condition.
package webhook

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-logr/logr"
	admissionv1 "k8s.io/api/admission/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	ctlrWebhook "sigs.k8s.io/controller-runtime/pkg/webhook"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/homelab/httproute-generator/internal/intent"
)

// Path is the URL path the validating webhook is served on.
const Path = "/validate-service"

// ServiceValidator is an admission handler for Service create and update.
type ServiceValidator struct {
	decoder  admission.Decoder
	logger   logr.Logger
	defaults intent.Defaults
	failOpen bool
}

// Config holds the dependencies of the ServiceValidator.
type Config struct {
	// Scheme is used to build the request decoder.
	Scheme *runtime.Scheme
	// Logger is the webhook logger.
	Logger logr.Logger
	// Defaults is the fallback Gateway binding, shared with the reconciler.
	Defaults intent.Defaults
	// FailOpen admits writes when the handler itself fails (e.g. an
	// undecodable request). Validation failures are always denied; this only
	// governs infrastructure errors, where a homelab favors availability over
	// strict enforcement.
	FailOpen bool
}

// NewServiceValidator creates a new ServiceValidator.
func NewServiceValidator(cfg Config) *ServiceValidator {
	return &ServiceValidator{
		decoder:  admission.NewDecoder(cfg.Scheme),
		logger:   cfg.Logger,
		defaults: cfg.Defaults,
		failOpen: cfg.FailOpen,
	}
}

var _ admission.Handler = &ServiceValidator{}

// SetupWithManager registers the handler on the manager's webhook server.
func (v *ServiceValidator) SetupWithManager(mgr interface {
	GetWebhookServer() ctlrWebhook.Server
},
) {
	mgr.GetWebhookServer().Register(Path, &ctlrWebhook.Admission{Handler: v})
}

// Handle validates the Service in the request. Only create and update are
// checked; deletes never carry new configuration.
func (v *ServiceValidator) Handle(ctx context.Context, req admission.Request) admission.Response {
	if req.Operation != admissionv1.Create && req.Operation != admissionv1.Update {
		return admission.Allowed("")
	}

	var svc corev1.Service
	if err := v.decoder.Decode(req, &svc); err != nil {
		if v.failOpen {
			v.logger.Error(err, "Failed to decode the Service; admitting per fail-open policy")
			resp := admission.Allowed("validation skipped: request could not be decoded")
			resp.Warnings = []string{fmt.Sprintf("routing annotations were not validated: %v", err)}
			return resp
		}
		return admission.Errored(http.StatusBadRequest, err)
	}

	if _, err := intent.Parse(&svc, v.defaults); err != nil {
		if verr, ok := intent.AsValidationError(err); ok {
			return admission.Denied(fmt.Sprintf("invalid annotation %s: %s", verr.Annotation, verr.Message))
		}
		return admission.Errored(http.StatusInternalServerError, err)
	}

	return admission.Allowed("")
}
