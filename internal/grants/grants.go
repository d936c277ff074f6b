// Package grants decides whether a shared ReferenceGrant is still needed.
//
// A grant is shared by every exposed Service in a namespace that targets the
// same Gateway namespace, so deleting one is only safe when no such Service
// remains. The decision is always recomputed from a live List at decision
// time. A cached counter would race with concurrent reconciliations of other
// Services; a live scan cannot.
package grants

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/homelab/httproute-generator/internal/intent"
)

// StillNeeded reports whether any exposed Service in namespace targets
// gatewayNamespace. The Service identified by exclude is skipped, so a
// reconciliation deciding whether to delete the grant for its own Service does
// not count that Service's claim.
//
// Services with invalid annotations hold no claim: they generate no resources,
// so they cannot keep a grant alive.
func StillNeeded(
	ctx context.Context,
	c client.Client,
	defaults intent.Defaults,
	namespace string,
	gatewayNamespace string,
	exclude types.NamespacedName,
) (bool, error) {
	var services corev1.ServiceList
	if err := c.List(ctx, &services, client.InNamespace(namespace)); err != nil {
		return false, fmt.Errorf("failed to list Services in namespace %s: %w", namespace, err)
	}

	for i := range services.Items {
		svc := &services.Items[i]

		if svc.Namespace == exclude.Namespace && svc.Name == exclude.Name {
			continue
		}

		it, err := intent.Parse(svc, defaults)
		if err != nil {
			continue
		}

		if it.Exposed && it.GatewayNamespace == gatewayNamespace {
			return true, nil
		}
	}

	return false, nil
}
