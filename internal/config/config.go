package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"dealflow/internal/autosave"
	"dealflow/internal/domain"
	"dealflow/internal/finance"
	"dealflow/internal/store/dynamo"
)

const (
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
	fileName        = "dealflow.yml"
)

// Config models dealflow.yml.
type Config struct {
	Company struct {
		Name string `yaml:"name"`
	} `yaml:"company"`
	Reps  []domain.Rep `yaml:"reps"`
	Store struct {
		Backend  string        `yaml:"backend"`
		DynamoDB dynamo.Config `yaml:"dynamodb"`
	} `yaml:"store"`
	Files struct {
		Root string `yaml:"root"`
	} `yaml:"files"`
	Autosave struct {
		FieldDelay time.Duration  `yaml:"field_delay"`
		GroupDelay time.Duration  `yaml:"group_delay"`
		Excluded   []domain.Field `yaml:"excluded"`
	} `yaml:"autosave"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with df config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "", BackendSQLite, BackendDynamoDB:
	default:
		return fmt.Errorf("config.store.backend must be %s or %s", BackendSQLite, BackendDynamoDB)
	}
	seen := map[string]bool{}
	for i, r := range c.Reps {
		if r.ID == "" {
			return fmt.Errorf("config.reps[%d].id is required", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("rep %s listed twice", r.ID)
		}
		seen[r.ID] = true
		if _, ok := finance.TierPercent[r.Tier]; !ok {
			return fmt.Errorf("rep %s has unknown tier %q", r.ID, r.Tier)
		}
		if p := r.CommissionPercent; p != nil && (*p < 0 || *p > 100) {
			return fmt.Errorf("rep %s commission_percent must be between 0 and 100", r.ID)
		}
	}
	if c.Autosave.FieldDelay < 0 || c.Autosave.GroupDelay < 0 {
		return fmt.Errorf("config.autosave delays must not be negative")
	}
	for _, f := range c.Autosave.Excluded {
		if !domain.KnownField(f) {
			return fmt.Errorf("config.autosave.excluded has unknown field %s", f)
		}
	}
	return nil
}

// Rep looks up a configured rep.
func (c *Config) Rep(id string) (domain.Rep, bool) {
	for _, r := range c.Reps {
		if r.ID == id {
			return r, true
		}
	}
	return domain.Rep{}, false
}

func (c *Config) Backend() string {
	if c.Store.Backend == "" {
		return BackendSQLite
	}
	return c.Store.Backend
}

// FilesRoot resolves the upload directory against the workspace.
func (c *Config) FilesRoot(workspace string) string {
	root := c.Files.Root
	if root == "" {
		root = filepath.Join(".dealflow", "files")
	}
	if filepath.IsAbs(root) {
		return root
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, root)
}

// AutosaveOptions maps the autosave section onto scheduler options.
func (c *Config) AutosaveOptions() autosave.Options {
	return autosave.Options{
		FieldDelay: c.Autosave.FieldDelay,
		GroupDelay: c.Autosave.GroupDelay,
		Excluded:   append([]domain.Field(nil), c.Autosave.Excluded...),
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("config: default template: %v", err))
	}
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

const defaultTemplate = `company:
  name: "Roofing Co."

reps: []
#  - id: rep-1
#    name: "Rita Rep"
#    tier: senior          # junior | senior | manager
#    commission_percent: 12

store:
  backend: sqlite         # sqlite | dynamodb
  dynamodb:
    table: dealflow_deals
    region: us-east-1
    endpoint: ""

files:
  root: .dealflow/files

autosave:
  field_delay: 500ms
  group_delay: 2s
  excluded: []
`
