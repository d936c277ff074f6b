// Package config holds the controller configuration: the operator-tunable
// settings loaded from a YAML file layered over defaults, and the runtime
// wiring assembled by the command line.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/validation"
)

// Settings are the operator-tunable knobs. Every field has a default, so an
// empty file (or no file at all) yields a working configuration.
type Settings struct {
	// DefaultGatewayName is the Gateway that routes attach to when a Service
	// does not name one.
	DefaultGatewayName string `koanf:"defaultGatewayName"`

	// DefaultGatewayNamespace is the namespace of the default Gateway and of
	// the generated HTTPRoutes for Services that do not override it.
	DefaultGatewayNamespace string `koanf:"defaultGatewayNamespace"`

	// GatewaySectionName optionally pins generated routes to one listener on
	// the parent Gateway. Empty means all listeners.
	GatewaySectionName string `koanf:"gatewaySectionName"`

	// SweepInterval is the period of the orphan sweep.
	SweepInterval time.Duration `koanf:"sweepInterval"`

	// FailOpenOnWebhookError admits Service writes the webhook could not
	// decode instead of rejecting them. Validation failures are denied either
	// way.
	FailOpenOnWebhookError bool `koanf:"failOpenOnWebhookError"`

	// MaxConcurrentReconciles bounds how many distinct Services reconcile at
	// once.
	MaxConcurrentReconciles int `koanf:"maxConcurrentReconciles"`
}

// DefaultSettings returns the settings used when no file overrides them.
func DefaultSettings() Settings {
	return Settings{
		DefaultGatewayName:      "homelab-gateway",
		DefaultGatewayNamespace: "envoy-gateway-system",
		SweepInterval:           10 * time.Minute,
		FailOpenOnWebhookError:  false,
		MaxConcurrentReconciles: 4,
	}
}

// Load reads settings from the YAML file at path, layered over the defaults.
// An empty path returns the defaults.
func Load(path string) (Settings, error) {
	k := koanf.New(".")
	settings := Settings{}

	if err := k.Load(structs.Provider(DefaultSettings(), "koanf"), nil); err != nil {
		return Settings{}, fmt.Errorf("failed to load the default settings: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Settings{}, fmt.Errorf("failed to load the config file %s: %w", path, err)
		}
	}

	if err := k.Unmarshal("", &settings); err != nil {
		return Settings{}, fmt.Errorf("failed to unmarshal the settings: %w", err)
	}

	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}

	return settings, nil
}

// Validate checks the settings for values no cluster would accept.
func (s Settings) Validate() error {
	if msgs := validation.IsDNS1123Subdomain(s.DefaultGatewayName); len(msgs) > 0 {
		return fmt.Errorf("invalid defaultGatewayName %q: %s", s.DefaultGatewayName, msgs[0])
	}
	if msgs := validation.IsDNS1123Label(s.DefaultGatewayNamespace); len(msgs) > 0 {
		return fmt.Errorf("invalid defaultGatewayNamespace %q: %s", s.DefaultGatewayNamespace, msgs[0])
	}
	if s.SweepInterval <= 0 {
		return errors.New("sweepInterval must be positive")
	}
	if s.MaxConcurrentReconciles < 1 {
		return errors.New("maxConcurrentReconciles must be at least 1")
	}
	return nil
}

// Config is the complete runtime configuration assembled by the command line.
type Config struct {
	// Settings are the operator-tunable settings.
	Settings Settings
	// Logger is the root logger.
	Logger logr.Logger
	// AtomicLevel adjusts the log verbosity at runtime.
	AtomicLevel zap.AtomicLevel
	// Version is the binary version.
	Version string
	// MetricsAddr is the bind address of the metrics endpoint. "0" disables it.
	MetricsAddr string
	// HealthProbeAddr is the bind address of the health probe endpoint.
	HealthProbeAddr string
	// Webhook configures the validating admission webhook.
	Webhook WebhookConfig
	// LeaderElection enables leader election for the manager.
	LeaderElection bool
}

// WebhookConfig configures the validating admission webhook server.
type WebhookConfig struct {
	// CertDir is the directory holding the serving certificate and key.
	CertDir string
	// Port is the port the webhook server listens on.
	Port int
	// Enabled turns the webhook on. Off, the parser still runs in the
	// reconciler and misconfiguration surfaces as a Service condition.
	Enabled bool
}
