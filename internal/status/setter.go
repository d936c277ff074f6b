package status

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Clock returns the current time. It allows fixing the LastTransitionTime in
// unit tests.
type Clock interface {
	Now() time.Time
}

// RealClock reports the actual time.
type RealClock struct{}

// NewRealClock creates a new RealClock.
func NewRealClock() RealClock {
	return RealClock{}
}

// Now returns the current local time.
func (c RealClock) Now() time.Time {
	return time.Now()
}

// Setter writes conditions onto a Service's status. Every write re-reads the
// Service and retries on resource-version conflicts, since the status
// subresource is shared with other controllers.
type Setter struct {
	client   client.Client
	recorder record.EventRecorder
	clock    Clock
}

// NewSetter creates a new Setter.
func NewSetter(c client.Client, recorder record.EventRecorder, clock Clock) *Setter {
	return &Setter{
		client:   c,
		recorder: recorder,
		clock:    clock,
	}
}

// Set upserts the condition on the Service's status and emits a matching
// Event. A condition identical to the one already present results in no API
// write and no Event.
func (s *Setter) Set(ctx context.Context, svc types.NamespacedName, cond Condition) error {
	var changed bool
	var latest corev1.Service

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		if err := s.client.Get(ctx, svc, &latest); err != nil {
			return err
		}

		changed = meta.SetStatusCondition(&latest.Status.Conditions, metav1.Condition{
			Type:               cond.Type,
			Status:             cond.Status,
			Reason:             cond.Reason,
			Message:            cond.Message,
			ObservedGeneration: latest.Generation,
			LastTransitionTime: metav1.NewTime(s.clock.Now()),
		})
		if !changed {
			return nil
		}

		return s.client.Status().Update(ctx, &latest)
	})
	if err != nil {
		return fmt.Errorf("failed to set condition %s=%s on Service %s: %w", cond.Type, cond.Status, svc, err)
	}

	if changed {
		eventType := corev1.EventTypeNormal
		if cond.Status != metav1.ConditionTrue {
			eventType = corev1.EventTypeWarning
		}
		s.recorder.Event(&latest, eventType, cond.Reason, cond.Message)
	}

	return nil
}

// Clear removes the controller's condition from the Service's status, used
// when the Service stops asking to be exposed. Missing Services and missing
// conditions are fine.
func (s *Setter) Clear(ctx context.Context, svc types.NamespacedName) error {
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		var latest corev1.Service
		if err := s.client.Get(ctx, svc, &latest); err != nil {
			return client.IgnoreNotFound(err)
		}

		if !meta.RemoveStatusCondition(&latest.Status.Conditions, ReadyConditionType) {
			return nil
		}

		return s.client.Status().Update(ctx, &latest)
	})
	if err != nil {
		return fmt.Errorf("failed to clear condition on Service %s: %w", svc, err)
	}

	return nil
}
