package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models thorbis.yml. The entity type catalog is loaded once at
// process start and treated as immutable afterwards; a table that does not
// validate must abort startup, never surface at request time.
type Config struct {
	Server struct {
		BasePath    string `yaml:"base_path"`
		Listen      string `yaml:"listen"`
		DevLogin    bool   `yaml:"dev_login"`
		LegacyActor bool   `yaml:"legacy_actor_header"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Store struct {
		Driver string `yaml:"driver"` // sqlite (default) or postgres
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`
	EntityTypes map[string]EntityType `yaml:"entity_types"`
	RBAC        struct {
		Roles map[string]Role `yaml:"roles"`
	} `yaml:"rbac"`
	RateLimit struct {
		Requests      int    `yaml:"requests"`
		WindowSeconds int    `yaml:"window_seconds"`
		RedisAddr     string `yaml:"redis_addr"`
	} `yaml:"rate_limit"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// EntityType declares one lifecycle: its status vocabulary (the keys of
// Transitions), initial status, and the policy knobs around mutations.
type EntityType struct {
	Domain            string              `yaml:"domain"`
	Initial           string              `yaml:"initial"`
	Transitions       map[string][]string `yaml:"transitions"`
	OverrideRoles     []string            `yaml:"override_roles"`
	ProtectedStatuses []string            `yaml:"protected_statuses"`
	ProtectedFields   []string            `yaml:"protected_fields"`
	Summary           SummarySpec         `yaml:"summary"`
	SuggestedActions  map[string][]string `yaml:"suggested_actions"`
}

type SummarySpec struct {
	SumField string   `yaml:"sum_field"`
	GroupBy  []string `yaml:"group_by"`
	Duration struct {
		Start string `yaml:"start"`
		End   string `yaml:"end"`
	} `yaml:"duration"`
}

type Role struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with thorbis config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the catalog is internally consistent.
func (c *Config) Validate() error {
	if len(c.EntityTypes) == 0 {
		return fmt.Errorf("config.entity_types is required")
	}
	for name, et := range c.EntityTypes {
		if name == "" {
			return fmt.Errorf("config.entity_types contains empty type name")
		}
		if et.Domain == "" {
			return fmt.Errorf("entity type %s: domain is required", name)
		}
		if len(et.Transitions) == 0 {
			return fmt.Errorf("entity type %s: transitions is required", name)
		}
		if et.Initial == "" {
			return fmt.Errorf("entity type %s: initial status is required", name)
		}
		if _, ok := et.Transitions[et.Initial]; !ok {
			return fmt.Errorf("entity type %s: initial status %s is not declared", name, et.Initial)
		}
		for from, targets := range et.Transitions {
			if from == "" {
				return fmt.Errorf("entity type %s: empty status name", name)
			}
			for _, to := range targets {
				if _, ok := et.Transitions[to]; !ok {
					return fmt.Errorf("entity type %s: transition %s -> %s targets undeclared status", name, from, to)
				}
			}
		}
		for _, s := range et.ProtectedStatuses {
			if _, ok := et.Transitions[s]; !ok {
				return fmt.Errorf("entity type %s: protected status %s is not declared", name, s)
			}
		}
		for status := range et.SuggestedActions {
			if _, ok := et.Transitions[status]; !ok {
				return fmt.Errorf("entity type %s: suggested actions reference undeclared status %s", name, status)
			}
		}
		for _, role := range et.OverrideRoles {
			if len(c.RBAC.Roles) > 0 {
				if _, ok := c.RBAC.Roles[role]; !ok {
					return fmt.Errorf("entity type %s: override role %s is not defined", name, role)
				}
			}
		}
		for _, g := range et.Summary.GroupBy {
			if g == "" {
				return fmt.Errorf("entity type %s: summary.group_by contains empty field", name)
			}
		}
		if (et.Summary.Duration.Start == "") != (et.Summary.Duration.End == "") {
			return fmt.Errorf("entity type %s: summary.duration needs both start and end", name)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	if c.RateLimit.Requests < 0 || c.RateLimit.WindowSeconds < 0 {
		return fmt.Errorf("config.rate_limit values must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "thorbis.yml")
}

// Default returns the built-in catalog: the four Thorbis verticals with
// their lifecycle tables and role grants.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
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

// GenerateDefault returns the default config YAML text.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  base_path: /v1
  listen: 127.0.0.1:8080
  dev_login: false
  legacy_actor_header: false

auth:
  jwt_secret: ""

store:
  driver: sqlite
  dsn: ""

entity_types:
  workorder:
    domain: hs
    initial: created
    transitions:
      created: [scheduled, assigned, cancelled]
      scheduled: [assigned, in_progress, cancelled]
      assigned: [in_progress, on_hold, cancelled]
      in_progress: [completed, on_hold, cancelled]
      on_hold: [assigned, in_progress, cancelled]
      completed: []
      cancelled: []
    override_roles: [owner, admin]
    protected_statuses: [completed]
    protected_fields: [total_cost]
    summary:
      sum_field: total_cost
      group_by: [status, priority]
      duration:
        start: started_at
        end: completed_at
    suggested_actions:
      created: ["Schedule visit", "Assign technician"]
      scheduled: ["Assign technician", "Reschedule"]
      assigned: ["Start work", "Put on hold"]
      in_progress: ["Mark complete", "Put on hold"]
      on_hold: ["Resume work", "Reassign"]
      completed: ["Create invoice", "Request review"]
      cancelled: ["Clone work order"]

  invoice:
    domain: billing
    initial: draft
    transitions:
      draft: [sent, void]
      sent: [paid, overdue, void]
      overdue: [paid, void]
      paid: []
      void: []
    override_roles: [owner, admin]
    protected_statuses: [paid, void]
    protected_fields: [amount_due]
    summary:
      sum_field: amount_due
      group_by: [status]
    suggested_actions:
      draft: ["Send to customer"]
      sent: ["Record payment", "Send reminder"]
      overdue: ["Record payment", "Escalate to collections"]
      paid: ["Download receipt"]
      void: ["Clone invoice"]

  campaign:
    domain: marketing
    initial: draft
    transitions:
      draft: [scheduled, archived]
      scheduled: [running, archived]
      running: [paused, completed]
      paused: [running, archived]
      completed: []
      archived: []
    override_roles: [owner, admin]
    protected_statuses: [completed]
    summary:
      sum_field: budget
      group_by: [status, channel]
    suggested_actions:
      draft: ["Schedule launch"]
      scheduled: ["Launch now", "Edit audience"]
      running: ["Pause", "View performance"]
      paused: ["Resume", "Archive"]
      completed: ["Export report"]
      archived: ["Clone campaign"]

  experiment:
    domain: marketing
    initial: draft
    transitions:
      draft: [running, archived]
      running: [completed, stopped]
      stopped: [running, archived]
      completed: []
      archived: []
    override_roles: [owner, admin]
    protected_statuses: [completed]
    summary:
      sum_field: sample_size
      group_by: [status]
      duration:
        start: started_at
        end: completed_at
    suggested_actions:
      draft: ["Start experiment"]
      running: ["Stop", "View results"]
      stopped: ["Restart", "Archive"]
      completed: ["Declare winner"]
      archived: ["Clone experiment"]

rbac:
  roles:
    owner:
      description: "Tenant owner; full access and terminal-state override"
      permissions:
        - hs:workorder:read
        - hs:workorder:write
        - billing:invoice:read
        - billing:invoice:write
        - marketing:campaign:read
        - marketing:campaign:write
        - marketing:experiment:read
        - marketing:experiment:write
        - tenant:rbac:manage
        - tenant:events:read
    admin:
      description: "Operations admin; same grants as owner"
      permissions:
        - hs:workorder:read
        - hs:workorder:write
        - billing:invoice:read
        - billing:invoice:write
        - marketing:campaign:read
        - marketing:campaign:write
        - marketing:experiment:read
        - marketing:experiment:write
        - tenant:rbac:manage
        - tenant:events:read
    dispatcher:
      description: "Schedules and assigns home-services work"
      permissions:
        - hs:workorder:read
        - hs:workorder:write
    technician:
      description: "Executes assigned work orders"
      permissions:
        - hs:workorder:read
        - hs:workorder:write
    bookkeeper:
      description: "Manages invoices"
      permissions:
        - billing:invoice:read
        - billing:invoice:write
    marketer:
      description: "Runs campaigns and experiments"
      permissions:
        - marketing:campaign:read
        - marketing:campaign:write
        - marketing:experiment:read
        - marketing:experiment:write
    viewer:
      description: "Read-only access across verticals"
      permissions:
        - hs:workorder:read
        - billing:invoice:read
        - marketing:campaign:read
        - marketing:experiment:read
        - tenant:events:read

rate_limit:
  requests: 120
  window_seconds: 60
`
