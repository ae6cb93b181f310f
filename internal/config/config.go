package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Principal checkpoint eligibility modes.
const (
	EligibilityAnyNonAssignee = "any_non_assignee"
	EligibilityReviewerRoles  = "reviewer_roles"
	EligibilityDesignated     = "designated"
)

// Config models lawtrack.yml.
type Config struct {
	Office struct {
		Name       string `yaml:"name" json:"name"`
		CodePrefix string `yaml:"code_prefix" json:"code_prefix"`
	} `yaml:"office" json:"office"`
	Server struct {
		Addr     string `yaml:"addr" json:"addr"`
		BasePath string `yaml:"base_path" json:"base_path"`
	} `yaml:"server" json:"server"`
	Auth struct {
		JWTSecretEnv           string `yaml:"jwt_secret_env" json:"jwt_secret_env"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header" json:"allow_legacy_actor_header"`
	} `yaml:"auth" json:"auth"`
	Logging struct {
		Level  string `yaml:"level" json:"level"`
		Format string `yaml:"format" json:"format"`
	} `yaml:"logging" json:"logging"`
	Approvals ApprovalsConfig `yaml:"approvals" json:"approvals"`
	Stages    []StageSeed     `yaml:"stages" json:"stages"`
	Users     []UserSeed      `yaml:"users" json:"users"`
	Webhooks  []WebhookConfig `yaml:"webhooks" json:"webhooks"`
}

type ApprovalsConfig struct {
	// PrincipalEligibility decides who may approve the principal checkpoint.
	PrincipalEligibility string   `yaml:"principal_eligibility" json:"principal_eligibility"`
	ReviewerRoles        []string `yaml:"reviewer_roles" json:"reviewer_roles"`
}

type StageSeed struct {
	Name           string `yaml:"name" json:"name"`
	Order          int    `yaml:"order" json:"order"`
	ApprovalPolicy string `yaml:"approval_policy" json:"approval_policy"`
	Color          string `yaml:"color" json:"color,omitempty"`
	Requirements   string `yaml:"requirements" json:"requirements,omitempty"`
	Description    string `yaml:"description" json:"description,omitempty"`
}

type UserSeed struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name,omitempty"`
	Role string `yaml:"role" json:"role"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

var codePrefixPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,7}$`)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with lawtrack config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if !codePrefixPattern.MatchString(c.Office.CodePrefix) {
		return fmt.Errorf("config.office.code_prefix must be 1-8 uppercase letters/digits starting with a letter")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.logging.format %q is not one of text, json", c.Logging.Format)
	}
	switch c.Approvals.PrincipalEligibility {
	case EligibilityAnyNonAssignee, EligibilityDesignated:
	case EligibilityReviewerRoles:
		if len(c.Approvals.ReviewerRoles) == 0 {
			return fmt.Errorf("config.approvals.reviewer_roles is required when principal_eligibility is %s", EligibilityReviewerRoles)
		}
	default:
		return fmt.Errorf("config.approvals.principal_eligibility %q is not one of %s, %s, %s",
			c.Approvals.PrincipalEligibility, EligibilityAnyNonAssignee, EligibilityReviewerRoles, EligibilityDesignated)
	}
	for _, role := range c.Approvals.ReviewerRoles {
		if !knownRole(role) {
			return fmt.Errorf("config.approvals.reviewer_roles contains unknown role %s", role)
		}
	}
	orders := map[int]string{}
	for i, s := range c.Stages {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("config.stages[%d].name is required", i)
		}
		if s.Order <= 0 {
			return fmt.Errorf("stage %s order must be positive", s.Name)
		}
		if prev, ok := orders[s.Order]; ok {
			return fmt.Errorf("stages %s and %s share order %d", prev, s.Name, s.Order)
		}
		orders[s.Order] = s.Name
		switch s.ApprovalPolicy {
		case "single", "multiple", "admin_only":
		default:
			return fmt.Errorf("stage %s has unknown approval_policy %q", s.Name, s.ApprovalPolicy)
		}
	}
	for i, u := range c.Users {
		if strings.TrimSpace(u.ID) == "" {
			return fmt.Errorf("config.users[%d].id is required", i)
		}
		if !knownRole(u.Role) {
			return fmt.Errorf("user %s has unknown role %q", u.ID, u.Role)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

func knownRole(role string) bool {
	switch role {
	case "admin", "lawyer", "staff":
		return true
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "lawtrack.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing
// sections keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Stages = nil
	cfg.Users = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `office:
  name: Law Office
  code_prefix: TSK

server:
  addr: 127.0.0.1:8080
  base_path: /v1

auth:
  jwt_secret_env: LAWTRACK_JWT_SECRET
  allow_legacy_actor_header: false

logging:
  level: info
  format: text

approvals:
  # any_non_assignee: any user other than the assignee may approve the
  #   principal checkpoint.
  # reviewer_roles: as above, restricted to reviewer_roles.
  # designated: only the task's principal reviewer.
  principal_eligibility: any_non_assignee
  reviewer_roles: [admin, lawyer]

stages:
  - name: Intake
    order: 1
    approval_policy: single
    color: "#6b7280"
    requirements: "Client identified, conflict check requested"
  - name: Research
    order: 2
    approval_policy: single
    color: "#2563eb"
    requirements: "Relevant statutes and precedents collected"
  - name: Drafting
    order: 3
    approval_policy: multiple
    color: "#d97706"
    requirements: "Draft reviewed by principal and assignee"
  - name: Partner Review
    order: 4
    approval_policy: admin_only
    color: "#7c3aed"
    requirements: "Administrative sign-off"
  - name: Filing
    order: 5
    approval_policy: single
    color: "#059669"
    requirements: "Documents filed and client notified"

users:
  - id: admin
    name: Administrator
    role: admin
`
