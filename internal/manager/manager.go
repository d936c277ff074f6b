// Package manager assembles the controller runtime: the scheme, the manager,
// the Service reconciler, the validating webhook, and the orphan sweeper.
package manager

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	ctlr "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	ctlrWebhook "sigs.k8s.io/controller-runtime/pkg/webhook"
	gatewayv1 "sigs.k8s.io/gateway-api/apis/v1"
	gatewayv1beta1 "sigs.k8s.io/gateway-api/apis/v1beta1"

	"github.com/homelab/httproute-generator/internal/config"
	"github.com/homelab/httproute-generator/internal/controller"
	"github.com/homelab/httproute-generator/internal/desired"
	"github.com/homelab/httproute-generator/internal/intent"
	"github.com/homelab/httproute-generator/internal/status"
	"github.com/homelab/httproute-generator/internal/sweeper"
	"github.com/homelab/httproute-generator/internal/webhook"
)

const (
	// clusterTimeout is a timeout for connections to the Kubernetes API.
	clusterTimeout = 10 * time.Second

	leaderElectionID = "httproute-generator.gateway.homelab.local"

	// logLevelPath serves the zap AtomicLevel next to the metrics endpoint;
	// GET returns the current level, PUT {"level":"debug"} changes it.
	logLevelPath = "/debug/loglevel"
)

var scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(corev1.AddToScheme(scheme))
	utilruntime.Must(gatewayv1.Install(scheme))
	utilruntime.Must(gatewayv1beta1.Install(scheme))
}

// Start builds the manager, wires all components, and runs until the process
// receives a termination signal.
func Start(cfg config.Config) error {
	logger := cfg.Logger

	clusterCfg := ctlr.GetConfigOrDie()
	clusterCfg.Timeout = clusterTimeout

	options := manager.Options{
		Scheme:                 scheme,
		Logger:                 logger,
		Metrics:                metricsserver.Options{BindAddress: cfg.MetricsAddr},
		HealthProbeBindAddress: cfg.HealthProbeAddr,
		LeaderElection:         cfg.LeaderElection,
		LeaderElectionID:       leaderElectionID,
	}
	if cfg.Webhook.Enabled {
		options.WebhookServer = ctlrWebhook.NewServer(ctlrWebhook.Options{
			Port:    cfg.Webhook.Port,
			CertDir: cfg.Webhook.CertDir,
		})
	}

	mgr, err := manager.New(clusterCfg, options)
	if err != nil {
		return fmt.Errorf("cannot build runtime manager: %w", err)
	}

	if cfg.MetricsAddr != "0" {
		if err := registerLogLevelHandler(mgr, cfg.AtomicLevel); err != nil {
			return err
		}
	}

	defaults := intent.Defaults{
		GatewayName:      cfg.Settings.DefaultGatewayName,
		GatewayNamespace: cfg.Settings.DefaultGatewayNamespace,
	}

	reconciler := controller.NewServiceReconciler(controller.Config{
		Client: mgr.GetClient(),
		Setter: status.NewSetter(
			mgr.GetClient(),
			mgr.GetEventRecorderFor("httproute-generator"),
			status.NewRealClock(),
		),
		Defaults: defaults,
		Builder:  desired.Builder{SectionName: cfg.Settings.GatewaySectionName},
	})
	if err := reconciler.SetupWithManager(mgr, cfg.Settings.MaxConcurrentReconciles); err != nil {
		return fmt.Errorf("cannot register the Service reconciler: %w", err)
	}

	if cfg.Webhook.Enabled {
		webhook.NewServiceValidator(webhook.Config{
			Scheme:   scheme,
			Logger:   logger.WithName("webhook"),
			Defaults: defaults,
			FailOpen: cfg.Settings.FailOpenOnWebhookError,
		}).SetupWithManager(mgr)
	}

	sweep := sweeper.NewSweeper(sweeper.Config{
		Client:   mgr.GetClient(),
		Logger:   logger.WithName("sweeper"),
		Defaults: defaults,
		Interval: cfg.Settings.SweepInterval,
	})
	if err := mgr.Add(sweep); err != nil {
		return fmt.Errorf("cannot register the orphan sweeper: %w", err)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("cannot register the healthz check: %w", err)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return fmt.Errorf("cannot register the readyz check: %w", err)
	}

	logger.Info("Starting manager", "version", cfg.Version)
	return mgr.Start(ctlr.SetupSignalHandler())
}

// metricsHandlerRegistrar matches the manager method used to attach extra
// handlers to the metrics server.
type metricsHandlerRegistrar interface {
	AddMetricsServerExtraHandler(path string, handler http.Handler) error
}

// registerLogLevelHandler exposes the AtomicLevel over HTTP so the log
// verbosity can be changed at runtime without restarting the controller.
func registerLogLevelHandler(mgr metricsHandlerRegistrar, level zap.AtomicLevel) error {
	if err := mgr.AddMetricsServerExtraHandler(logLevelPath, level); err != nil {
		return fmt.Errorf("cannot register the log level handler: %w", err)
	}

	return nil
}
