package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"issueline/internal/domain"
)

// Config models issueline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	States struct {
		// UserDefined lists extra states per phase, next to the fixed
		// system catalogue.
		UserDefined map[string][]string `yaml:"user_defined"`
		// Canonical maps each phase to the system state every user-defined
		// state in that phase stands in for during transition matching.
		Canonical map[string]string `yaml:"canonical"`
	} `yaml:"states"`
	Scheduler struct {
		RearmOnStartup bool `yaml:"rearm_on_startup"`
	} `yaml:"scheduler"`
	Notify struct {
		WebhookURL string `yaml:"webhook_url"`
		MaxRetries int    `yaml:"max_retries"`
	} `yaml:"notify"`
}

var phases = map[string]domain.Phase{
	"negotiation": domain.PhaseNegotiation,
	"processing":  domain.PhaseProcessing,
	"conclusion":  domain.PhaseConclusion,
}

var systemStates = map[string]domain.Phase{
	domain.StateChecking:    domain.PhaseNegotiation,
	domain.StateNegotiating: domain.PhaseNegotiation,
	domain.StateProcessing:  domain.PhaseProcessing,
	domain.StateWaiting:     domain.PhaseProcessing,
	domain.StateBlocked:     domain.PhaseProcessing,
	domain.StateReview:      domain.PhaseProcessing,
	domain.StateCompleted:   domain.PhaseConclusion,
	domain.StateCancelled:   domain.PhaseConclusion,
	domain.StateArchived:    domain.PhaseConclusion,
}

// SystemStates returns the fixed per-project state catalogue.
func SystemStates() map[string]domain.Phase {
	out := make(map[string]domain.Phase, len(systemStates))
	for name, phase := range systemStates {
		out[name] = phase
	}
	return out
}

// CanonicalFor returns the system state name a user-defined state in the given
// phase normalizes to for transition matching.
func (c *Config) CanonicalFor(phase domain.Phase) string {
	if name, ok := c.States.Canonical[string(phase)]; ok && name != "" {
		return name
	}
	switch phase {
	case domain.PhaseNegotiation:
		return domain.StateNegotiating
	case domain.PhaseConclusion:
		return domain.StateCompleted
	default:
		return domain.StateProcessing
	}
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with il project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "issue-project" {
		return fmt.Errorf("config.project.kind must be 'issue-project'")
	}
	for phase, names := range c.States.UserDefined {
		if _, ok := phases[phase]; !ok {
			return fmt.Errorf("config.states.user_defined has unknown phase %s", phase)
		}
		for _, name := range names {
			if name == "" {
				return fmt.Errorf("config.states.user_defined.%s contains an empty state name", phase)
			}
			if _, ok := systemStates[name]; ok {
				return fmt.Errorf("user-defined state %s collides with a system state", name)
			}
		}
	}
	for phase, name := range c.States.Canonical {
		p, ok := phases[phase]
		if !ok {
			return fmt.Errorf("config.states.canonical has unknown phase %s", phase)
		}
		if sp, ok := systemStates[name]; !ok || sp != p {
			return fmt.Errorf("canonical state %s is not a system state of phase %s", name, phase)
		}
	}
	if c.Notify.MaxRetries < 0 {
		return fmt.Errorf("config.notify.max_retries must be >= 0")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "issueline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "issue-project"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: issue-project

states:
  user_defined:
    negotiation: []
    processing: []
    conclusion: []

  canonical:
    negotiation: Negotiating
    processing: Processing
    conclusion: Completed

scheduler:
  rearm_on_startup: true

notify:
  webhook_url: ""
  max_retries: 3
`
