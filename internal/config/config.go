package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DatabaseConfig selects the catalog and history database.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn"`    // file path or ":memory:" for sqlite, URL for postgres
}

// ResourceConfig locates the resource service used to resolve and write fields.
type ResourceConfig struct {
	URL         string        `yaml:"url"`         // resource service base URL
	ObjectsFile string        `yaml:"objectsFile"` // JSON objects file, used when url is empty
	Timeout     time.Duration `yaml:"timeout"`     // default 15s
}

// WebhookConfig is one notification target.
type WebhookConfig struct {
	Name         string `yaml:"name"`
	Type         string `yaml:"type"` // generic | slack | pagerduty | grafana
	URL          string `yaml:"url"`
	RoutingKey   string `yaml:"routingKey"`   // pagerduty
	DashboardUID string `yaml:"dashboardUID"` // grafana
	APIKey       string `yaml:"apiKey"`       // grafana
}

// NotificationConfig configures the SEND_NOTIFICATION backend.
type NotificationConfig struct {
	Proxy    string          `yaml:"proxy"` // socks5://host:port, optional
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Cooldown time.Duration   `yaml:"cooldown"` // default 1h; repeats of the same grouping key are suppressed
}

// ApprovalConfig configures the REQUEST_APPROVAL backend.
type ApprovalConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"` // default 15s
}

// Config holds trustflow runtime configuration.
type Config struct {
	ListenAddr         string             `yaml:"listenAddr"`  // default ":8080"
	MetricsPath        string             `yaml:"metricsPath"` // default "/metrics"
	OTelEndpoint       string             `yaml:"otelEndpoint"`
	Database           DatabaseConfig     `yaml:"database"`
	Resources          ResourceConfig     `yaml:"resources"`
	Approval           ApprovalConfig     `yaml:"approval"`
	Notifications      NotificationConfig `yaml:"notifications"`
	DefinitionCacheTTL time.Duration      `yaml:"definitionCacheTTL"` // default 5m, 0 = until next write
	ActionTimeout      time.Duration      `yaml:"actionTimeout"`      // default 30s, 0 = none
	ShortCircuit       bool               `yaml:"shortCircuit"`
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		ListenAddr:  ":8080",
		MetricsPath: "/metrics",
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "trustflow.db",
		},
		Resources:          ResourceConfig{Timeout: 15 * time.Second},
		Approval:           ApprovalConfig{Timeout: 15 * time.Second},
		Notifications:      NotificationConfig{Cooldown: time.Hour},
		DefinitionCacheTTL: 5 * time.Minute,
		ActionTimeout:      30 * time.Second,
	}
}

// Load reads a YAML config file and merges with defaults.
func Load(path string) (*Config, error) {
	c := Defaults()
	b, err := os.ReadFile(path) //nolint:gosec // user-provided config path
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return c, nil
}

// Validate checks that the config values are sane.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listenAddr must not be empty")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn must not be empty")
	}
	if c.DefinitionCacheTTL < 0 {
		return fmt.Errorf("definitionCacheTTL must not be negative, got %s", c.DefinitionCacheTTL)
	}
	if c.ActionTimeout < 0 {
		return fmt.Errorf("actionTimeout must not be negative, got %s", c.ActionTimeout)
	}
	if c.Resources.URL != "" && c.Resources.ObjectsFile != "" {
		return fmt.Errorf("resources.url and resources.objectsFile are mutually exclusive")
	}
	if c.Notifications.Proxy != "" {
		u, err := url.Parse(c.Notifications.Proxy)
		if err != nil || u.Scheme != "socks5" || u.Host == "" {
			return fmt.Errorf("notifications.proxy must be socks5://host:port, got %q", c.Notifications.Proxy)
		}
	}
	names := make(map[string]bool)
	for i, wh := range c.Notifications.Webhooks {
		switch wh.Type {
		case "", "generic", "slack", "grafana":
			if wh.URL == "" {
				return fmt.Errorf("notifications.webhooks[%d]: url is required", i)
			}
		case "pagerduty":
			if wh.RoutingKey == "" {
				return fmt.Errorf("notifications.webhooks[%d]: routingKey is required for pagerduty", i)
			}
		default:
			return fmt.Errorf("notifications.webhooks[%d]: unknown type %q", i, wh.Type)
		}
		if wh.Name != "" {
			if names[wh.Name] {
				return fmt.Errorf("notifications.webhooks[%d]: duplicate name %q", i, wh.Name)
			}
			names[wh.Name] = true
		}
	}
	return nil
}
