// Package config loads the supervision core's runtime options and the
// static domain topology (which domains exist, who their PO is, how
// many workers each may hold) from a single YAML file, the way the
// teacher's agents.LoadTeamsConfig loads a team roster.
package config

import (
	"os"
	"time"

	"github.com/seanfdz/commandpost/internal/cperr"
	"github.com/seanfdz/commandpost/internal/types"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in the external-interfaces option
// table, plus the static domain topology.
type Config struct {
	PollIntervalMs               int64   `yaml:"pollIntervalMs"`
	ContextThreshold              float64 `yaml:"contextThreshold"`
	WarningThreshold              float64 `yaml:"warningThreshold"`
	MaxContextTokens              int64   `yaml:"maxContextTokens"`
	SnapshotTimeoutMs             int64   `yaml:"snapshotTimeoutMs"`
	MinQualityScore               float64 `yaml:"minQualityScore"`
	MaxSnapshotRetries            int     `yaml:"maxSnapshotRetries"`
	WriterTimeoutMs               int64   `yaml:"writerTimeoutMs"`
	AuditorTimeoutMs              int64   `yaml:"auditorTimeoutMs"`
	MaxAgents                     int     `yaml:"maxAgents"`
	MaxPerDomain                  int     `yaml:"maxPerDomain"`
	TaskCompletionPollIntervalMs  int64   `yaml:"taskCompletionPollIntervalMs"`
	LateralMessagingEnabled       bool    `yaml:"lateralMessagingEnabled"`
	CCOrchestrator                bool    `yaml:"ccOrchestrator"`
	OrchestratorID                string  `yaml:"orchestratorId"`
	AuditApprovalThreshold        float64 `yaml:"auditApprovalThreshold"`

	ProjectRoot string             `yaml:"projectRoot"`
	Domains     []DomainConfig     `yaml:"domains"`
	NATSUrl     string             `yaml:"natsUrl"`
	NATSEmbeddedPort int           `yaml:"natsEmbeddedPort"`
	StatusAddr  string             `yaml:"statusAddr"`
	Notify      NotifyConfig       `yaml:"notify"`
}

// DomainConfig names one logical partition of agents and its owning PO.
type DomainConfig struct {
	Name string `yaml:"name"`
	PO   string `yaml:"po"`
}

// NotifyConfig configures out-of-band escalation delivery.
type NotifyConfig struct {
	SlackWebhookURL string `yaml:"slackWebhookUrl"`
	SlackChannel    string `yaml:"slackChannel"`
	SMTPAddr        string `yaml:"smtpAddr"`
	EmailFrom       string `yaml:"emailFrom"`
	EmailTo         string `yaml:"emailTo"`
}

// Default returns the option defaults from the external-interfaces table.
func Default() *Config {
	return &Config{
		PollIntervalMs:               30000,
		ContextThreshold:              0.70,
		WarningThreshold:              0.60,
		MaxContextTokens:              200000,
		SnapshotTimeoutMs:             300000,
		MinQualityScore:               0.6,
		MaxSnapshotRetries:            3,
		WriterTimeoutMs:               600000,
		AuditorTimeoutMs:              300000,
		MaxAgents:                     25,
		MaxPerDomain:                  0, // unbounded
		TaskCompletionPollIntervalMs:  30000,
		LateralMessagingEnabled:       true,
		CCOrchestrator:                false,
		OrchestratorID:                "orchestrator-1",
		AuditApprovalThreshold:        0.7,
	}
}

// Load reads YAML from path over top of Default(), so an empty or
// partial file still yields a fully-specified Config.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cperr.FileSystem(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, cperr.Validation("parse config %s: %v", path, err)
	}
	return cfg, nil
}

// DomainNames returns the configured domain names in declaration order.
func (c *Config) DomainNames() []string {
	names := make([]string, 0, len(c.Domains))
	for _, d := range c.Domains {
		names = append(names, d.Name)
	}
	return names
}

// PO returns the PO agent id for a domain, or "" if the domain is unknown.
func (c *Config) PO(domain string) string {
	for _, d := range c.Domains {
		if d.Name == domain {
			return d.PO
		}
	}
	return ""
}

// HasDomain reports whether domain is part of the configured topology.
func (c *Config) HasDomain(domain string) bool {
	for _, d := range c.Domains {
		if d.Name == domain {
			return true
		}
	}
	return false
}

// PollInterval is PollIntervalMs as a time.Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// SnapshotTimeout is SnapshotTimeoutMs as a time.Duration.
func (c *Config) SnapshotTimeout() time.Duration {
	return time.Duration(c.SnapshotTimeoutMs) * time.Millisecond
}

// WriterTimeout is WriterTimeoutMs as a time.Duration.
func (c *Config) WriterTimeout() time.Duration {
	return time.Duration(c.WriterTimeoutMs) * time.Millisecond
}

// AuditorTimeout is AuditorTimeoutMs as a time.Duration.
func (c *Config) AuditorTimeout() time.Duration {
	return time.Duration(c.AuditorTimeoutMs) * time.Millisecond
}

// TaskCompletionPollInterval is TaskCompletionPollIntervalMs as a time.Duration.
func (c *Config) TaskCompletionPollInterval() time.Duration {
	return time.Duration(c.TaskCompletionPollIntervalMs) * time.Millisecond
}

// RoleSet is the permitted set of types.Role values a domain's agents
// may hold; exported for validation at topology-load time.
func RoleSet() map[types.Role]bool {
	m := make(map[types.Role]bool)
	for _, r := range types.ValidRoles() {
		m[r] = true
	}
	return m
}
