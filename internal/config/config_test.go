package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	g := NewWithT(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	g.Expect(os.WriteFile(path, []byte(contents), 0o600)).To(Succeed())

	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	settings, err := Load("")

	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(settings).To(Equal(DefaultSettings()))
}

func TestLoadOverrides(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	path := writeConfigFile(t, `
defaultGatewayName: edge
defaultGatewayNamespace: edge-system
gatewaySectionName: https
sweepInterval: 5m
failOpenOnWebhookError: true
maxConcurrentReconciles: 8
`)

	settings, err := Load(path)

	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(settings).To(Equal(Settings{
		DefaultGatewayName:      "edge",
		DefaultGatewayNamespace: "edge-system",
		GatewaySectionName:      "https",
		SweepInterval:           5 * time.Minute,
		FailOpenOnWebhookError:  true,
		MaxConcurrentReconciles: 8,
	}))
}

func TestLoadPartialOverride(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	path := writeConfigFile(t, "defaultGatewayNamespace: edge-system\n")

	settings, err := Load(path)

	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(settings.DefaultGatewayNamespace).To(Equal("edge-system"))
	g.Expect(settings.DefaultGatewayName).To(Equal(DefaultSettings().DefaultGatewayName))
	g.Expect(settings.SweepInterval).To(Equal(DefaultSettings().SweepInterval))
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))

	g.Expect(err).To(HaveOccurred())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mutate func(*Settings)
		name   string
		expErr bool
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Settings) {},
			expErr: false,
		},
		{
			name:   "invalid gateway name",
			mutate: func(s *Settings) { s.DefaultGatewayName = "Not Valid" },
			expErr: true,
		},
		{
			name:   "invalid gateway namespace",
			mutate: func(s *Settings) { s.DefaultGatewayNamespace = "too.dotted" },
			expErr: true,
		},
		{
			name:   "zero sweep interval",
			mutate: func(s *Settings) { s.SweepInterval = 0 },
			expErr: true,
		},
		{
			name:   "zero workers",
			mutate: func(s *Settings) { s.MaxConcurrentReconciles = 0 },
			expErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			g := NewWithT(t)

			settings := DefaultSettings()
			test.mutate(&settings)

			err := settings.Validate()
			if test.expErr {
				g.Expect(err).To(HaveOccurred())
			} else {
				g.Expect(err).ToNot(HaveOccurred())
			}
		})
	}
}
