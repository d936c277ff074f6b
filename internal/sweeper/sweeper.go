// Package sweeper periodically deletes managed resources whose source Service
// no longer justifies them. The reconciler already cleans up on the events it
// sees; the sweep is the safety net for events it missed, such as Services
// deleted while the controller was down.
package sweeper

import (
	"context"
	"strings"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	gatewayv1 "sigs.k8s.io/gateway-api/apis/v1"
	gatewayv1beta1 "sigs.k8s.io/gateway-api/apis/v1beta1"

	"github.com/homelab/httproute-generator/internal/desired"
	"github.com/homelab/httproute-generator/internal/grants"
	"github.com/homelab/httproute-generator/internal/intent"
)

const jitterFactor = 0.1

// Config is the configuration for the Sweeper.
type Config struct {
	// Client is the cluster client.
	Client client.Client
	// Logger is the sweeper logger.
	Logger logr.Logger
	// Defaults is the fallback Gateway binding, shared with the reconciler.
	Defaults intent.Defaults
	// Interval is the period between sweeps.
	Interval time.Duration
}

// Sweeper deletes orphaned HTTPRoutes and ReferenceGrants on a timer.
type Sweeper struct {
	cfg Config
}

// NewSweeper creates a new Sweeper.
func NewSweeper(cfg Config) *Sweeper {
	return &Sweeper{cfg: cfg}
}

var (
	_ manager.Runnable               = &Sweeper{}
	_ manager.LeaderElectionRunnable = &Sweeper{}
)

// NeedLeaderElection ensures only the active replica sweeps. A standby deleting
// resources would race with the leader's reconciliations.
func (s *Sweeper) NeedLeaderElection() bool {
	return true
}

// Start runs sweeps until the context is canceled.
// Implements controller-runtime manager.Runnable.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cfg.Logger.Info("Starting the orphan sweeper", "interval", s.cfg.Interval)

	wait.JitterUntilWithContext(ctx, func(ctx context.Context) {
		if err := s.Sweep(ctx); err != nil {
			s.cfg.Logger.Error(err, "Sweep failed; will retry on the next interval")
		}
	}, s.cfg.Interval, jitterFactor, true)

	s.cfg.Logger.Info("Stopping the orphan sweeper")
	return nil
}

// Sweep performs one full pass: every managed HTTPRoute whose source Service
// is gone, no longer exposed, or points elsewhere is deleted, and every
// managed ReferenceGrant with no remaining claimant is deleted. Each candidate
// is re-checked against the live state immediately before deletion, so a sweep
// racing a reconciliation at worst deletes an object the reconciler is about
// to recreate.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if err := s.sweepRoutes(ctx); err != nil {
		return err
	}
	return s.sweepGrants(ctx)
}

func (s *Sweeper) sweepRoutes(ctx context.Context) error {
	var routes gatewayv1.HTTPRouteList
	if err := s.cfg.Client.List(
		ctx,
		&routes,
		client.MatchingLabels{desired.ManagedByLabel: desired.ManagedByValue},
	); err != nil {
		return err
	}

	for i := range routes.Items {
		route := &routes.Items[i]

		orphaned, reason, err := s.routeOrphaned(ctx, route)
		if err != nil {
			s.cfg.Logger.Error(err, "Failed to evaluate a managed HTTPRoute; skipping",
				"namespace", route.Namespace, "name", route.Name)
			continue
		}
		if !orphaned {
			continue
		}

		s.cfg.Logger.Info("Deleting orphaned HTTPRoute",
			"namespace", route.Namespace, "name", route.Name, "reason", reason)
		if err := s.cfg.Client.Delete(ctx, route); client.IgnoreNotFound(err) != nil {
			s.cfg.Logger.Error(err, "Failed to delete an orphaned HTTPRoute",
				"namespace", route.Namespace, "name", route.Name)
		}
	}

	return nil
}

// routeOrphaned reports whether a managed HTTPRoute has no valid source
// Service backing it at its current location.
func (s *Sweeper) routeOrphaned(
	ctx context.Context,
	route *gatewayv1.HTTPRoute,
) (orphaned bool, reason string, err error) {
	src, ok := desired.SourceOf(route.Labels)
	if !ok {
		return true, "missing source labels", nil
	}

	var svc corev1.Service
	if err := s.cfg.Client.Get(ctx, src, &svc); err != nil {
		if apierrors.IsNotFound(err) {
			return true, "source Service deleted", nil
		}
		return false, "", err
	}

	it, err := intent.Parse(&svc, s.cfg.Defaults)
	if err != nil {
		return true, "source Service misconfigured", nil
	}
	if !it.Exposed {
		return true, "source Service no longer exposed", nil
	}

	if route.Namespace != it.GatewayNamespace || route.Name != desired.RouteName(it.Service) {
		return true, "route does not match the current intent", nil
	}

	return false, "", nil
}

func (s *Sweeper) sweepGrants(ctx context.Context) error {
	var grantList gatewayv1beta1.ReferenceGrantList
	if err := s.cfg.Client.List(
		ctx,
		&grantList,
		client.MatchingLabels{desired.ManagedByLabel: desired.ManagedByValue},
	); err != nil {
		return err
	}

	for i := range grantList.Items {
		grant := &grantList.Items[i]

		gatewayNamespace := grant.Labels[desired.FromNamespaceLabel]
		if gatewayNamespace == "" {
			// Grants created before the label existed; fall back to the name.
			gatewayNamespace = strings.TrimPrefix(grant.Name, "allow-")
		}

		needed, err := grants.StillNeeded(
			ctx,
			s.cfg.Client,
			s.cfg.Defaults,
			grant.Namespace,
			gatewayNamespace,
			types.NamespacedName{},
		)
		if err != nil {
			s.cfg.Logger.Error(err, "Failed to evaluate a managed ReferenceGrant; skipping",
				"namespace", grant.Namespace, "name", grant.Name)
			continue
		}
		if needed {
			continue
		}

		s.cfg.Logger.Info("Deleting orphaned ReferenceGrant",
			"namespace", grant.Namespace, "name", grant.Name)
		if err := s.cfg.Client.Delete(ctx, grant); client.IgnoreNotFound(err) != nil {
			s.cfg.Logger.Error(err, "Failed to delete an orphaned ReferenceGrant",
				"namespace", grant.Namespace, "name", grant.Name)
		}
	}

	return nil
}
