package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models draftgate.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	Producer ProducerConfig `yaml:"producer"`
	Plans    map[string]Plan `yaml:"plans"`
	Phases   []Phase         `yaml:"phases"`
}

// ProducerConfig points at the external generation producer.
type ProducerConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// Plan declares the ordered sections the producer is expected to build
// for one route, plus the prompt describing the page.
type Plan struct {
	Description string   `yaml:"description"`
	Sections    []string `yaml:"sections"`
}

// Phase is an ordered set of routes whose artifacts must all be approved
// before the phase gate opens.
type Phase struct {
	ID     string   `yaml:"id"`
	Routes []string `yaml:"routes"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with dg config import --file <path>", path)
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
	for route, plan := range c.Plans {
		if route == "" {
			return fmt.Errorf("config.plans contains empty route")
		}
		seen := map[string]bool{}
		for _, s := range plan.Sections {
			if s == "" {
				return fmt.Errorf("plan %s has empty section name", route)
			}
			if seen[s] {
				return fmt.Errorf("plan %s lists section %s twice", route, s)
			}
			seen[s] = true
		}
	}
	phaseIDs := map[string]bool{}
	for _, p := range c.Phases {
		if p.ID == "" {
			return fmt.Errorf("config.phases contains empty phase id")
		}
		if phaseIDs[p.ID] {
			return fmt.Errorf("phase %s declared twice", p.ID)
		}
		phaseIDs[p.ID] = true
		if len(p.Routes) == 0 {
			return fmt.Errorf("phase %s has no routes", p.ID)
		}
		for _, r := range p.Routes {
			if r == "" {
				return fmt.Errorf("phase %s has empty route", p.ID)
			}
		}
	}
	if c.Producer.IdleTimeout < 0 {
		return fmt.Errorf("config.producer.idle_timeout must not be negative")
	}
	return nil
}

// PhaseByID returns the phase definition for an id.
func (c *Config) PhaseByID(id string) (Phase, bool) {
	for _, p := range c.Phases {
		if p.ID == id {
			return p, true
		}
	}
	return Phase{}, false
}

// SectionsFor returns the declared section plan for a route, or nil when
// the route has no plan.
func (c *Config) SectionsFor(route string) []string {
	plan, ok := c.Plans[route]
	if !ok {
		return nil
	}
	return plan.Sections
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "draftgate.yml")
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
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, projectID)), &cfg)
	cfg.Project.ID = projectID
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

producer:
  base_url: http://localhost:8090
  api_key_env: DRAFTGATE_PRODUCER_KEY
  idle_timeout: 60s

plans:
  /:
    description: "Landing page"
    sections: [Hero, Features, Testimonials, Footer]
  /about:
    description: "About page"
    sections: [Story, Team, Footer]
  /contact:
    description: "Contact page"
    sections: [Form, Map, Footer]

phases:
  - id: website
    routes: [/, /about, /contact]
`
