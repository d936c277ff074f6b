package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/log"
	ctlrZap "sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/homelab/httproute-generator/internal/config"
	"github.com/homelab/httproute-generator/internal/manager"
)

func createRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "generator",
		Short:         "Generate Gateway API routing from Service annotations",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	return rootCmd
}

func createControllerCommand() *cobra.Command {
	// flag names
	const (
		configFlag                = "config"
		gatewayFlag               = "gateway"
		metricsDisableFlag        = "metrics-disable"
		metricsPortFlag           = "metrics-port"
		healthPortFlag            = "health-port"
		leaderElectionDisableFlag = "leader-election-disable"
		webhookDisableFlag        = "webhook-disable"
		webhookPortFlag           = "webhook-port"
		webhookCertDirFlag        = "webhook-cert-dir"
	)

	// flag values
	var (
		configPath string
		gateway    = namespacedNameValue{}

		disableMetrics    bool
		metricsListenPort = intValidatingValue{
			validator: validatePort,
			value:     9113,
		}
		healthListenPort = intValidatingValue{
			validator: validatePort,
			value:     8081,
		}

		disableLeaderElection bool

		disableWebhook    bool
		webhookListenPort = intValidatingValue{
			validator: validatePort,
			value:     9443,
		}
		webhookCertDir string
	)

	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Watch annotated Services and generate HTTPRoutes and ReferenceGrants",
		RunE: func(cmd *cobra.Command, _ []string) error {
			atom := zap.NewAtomicLevel()

			logger := ctlrZap.New(ctlrZap.Level(atom))
			klog.SetLogger(logger)
			log.SetLogger(logger)

			commit, date, dirty := getBuildInfo()
			logger.Info(
				"Starting the HTTPRoute generator",
				"version", version,
				"commit", commit,
				"date", date,
				"dirty", dirty,
			)

			if err := ensureNoPortCollisions(
				metricsListenPort.value,
				healthListenPort.value,
				webhookListenPort.value,
			); err != nil {
				return fmt.Errorf("error validating ports: %w", err)
			}

			settings, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("error loading settings: %w", err)
			}

			if cmd.Flags().Changed(gatewayFlag) {
				settings.DefaultGatewayNamespace = gateway.value.Namespace
				settings.DefaultGatewayName = gateway.value.Name
			}

			metricsAddr := "0"
			if !disableMetrics {
				metricsAddr = fmt.Sprintf(":%d", metricsListenPort.value)
			}

			conf := config.Config{
				Settings:        settings,
				Logger:          logger,
				AtomicLevel:     atom,
				Version:         version,
				MetricsAddr:     metricsAddr,
				HealthProbeAddr: fmt.Sprintf(":%d", healthListenPort.value),
				Webhook: config.WebhookConfig{
					Enabled: !disableWebhook,
					Port:    webhookListenPort.value,
					CertDir: webhookCertDir,
				},
				LeaderElection: !disableLeaderElection,
			}

			if err := manager.Start(conf); err != nil {
				return fmt.Errorf("failed to start control loop: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(
		&configPath,
		configFlag,
		"c",
		"",
		"The path to the settings file. If not set, the built-in defaults are used.",
	)

	cmd.Flags().Var(
		&gateway,
		gatewayFlag,
		"The namespaced name of the default Gateway that generated routes attach to. "+
			"Must be of the form: NAMESPACE/NAME. Overrides the settings file.",
	)

	cmd.Flags().BoolVar(
		&disableMetrics,
		metricsDisableFlag,
		false,
		"Disable exposing metrics in the Prometheus format.",
	)

	cmd.Flags().Var(
		&metricsListenPort,
		metricsPortFlag,
		"Set the port where the metrics are exposed. Format: [1024 - 65535]",
	)

	cmd.Flags().Var(
		&healthListenPort,
		healthPortFlag,
		"Set the port where the health probe server is exposed. Format: [1024 - 65535]",
	)

	cmd.Flags().BoolVar(
		&disableLeaderElection,
		leaderElectionDisableFlag,
		false,
		"Disable leader election, which is used to avoid multiple replicas "+
			"reconciling and sweeping at the same time.",
	)

	cmd.Flags().BoolVar(
		&disableWebhook,
		webhookDisableFlag,
		false,
		"Disable the validating admission webhook. Without it, misconfigured "+
			"Services are admitted and reported through their status conditions.",
	)

	cmd.Flags().Var(
		&webhookListenPort,
		webhookPortFlag,
		"Set the port where the webhook server listens. Format: [1024 - 65535]",
	)

	cmd.Flags().StringVar(
		&webhookCertDir,
		webhookCertDirFlag,
		"",
		"The directory holding the webhook serving certificate (tls.crt) and key (tls.key). "+
			"If not set, the controller-runtime default is used.",
	)

	return cmd
}

func getBuildInfo() (commitHash string, commitTime string, dirtyBuild string) {
	commitHash = "unknown"
	commitTime = "unknown"
	dirtyBuild = "unknown"

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, kv := range info.Settings {
		switch kv.Key {
		case "vcs.revision":
			commitHash = kv.Value
		case "vcs.time":
			commitTime = kv.Value
		case "vcs.modified":
			dirtyBuild = kv.Value
		}
	}

	return
}
