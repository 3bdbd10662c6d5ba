package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models mandato.yml: the content-gate rule set, the pipeline's
// clamping bounds and the scheduler knobs.
type Config struct {
	Gate struct {
		MinIdeaLength     int      `yaml:"min_idea_length"`
		MaxIdeaLength     int      `yaml:"max_idea_length"`
		BlacklistTerms    []string `yaml:"blacklist_terms"`
		InjectionPatterns []string `yaml:"injection_patterns"`
	} `yaml:"gate"`
	Pipeline struct {
		MaxActiveProjects       int     `yaml:"max_active_projects"`
		MinCostGDPFraction      float64 `yaml:"min_cost_gdp_fraction"`
		MaxCostGDPFraction      float64 `yaml:"max_cost_gdp_fraction"`
		MinDurationMonths       int     `yaml:"min_duration_months"`
		MaxDurationMonths       int     `yaml:"max_duration_months"`
		MaxPaybackMonths        int     `yaml:"max_payback_months"`
		MaxPopulationShare      float64 `yaml:"max_population_share"`
		InstallmentRevenueShare float64 `yaml:"installment_revenue_share"`
		MaxInstallments         int     `yaml:"max_installments"`
	} `yaml:"pipeline"`
	Scheduler struct {
		SweepInterval Duration `yaml:"sweep_interval"`
		SweepLimit    int      `yaml:"sweep_limit"`
	} `yaml:"scheduler"`
}

// Duration wraps time.Duration so YAML accepts values like "1h" or "30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Gate.MinIdeaLength <= 0 {
		return fmt.Errorf("config.gate.min_idea_length must be positive")
	}
	if c.Gate.MaxIdeaLength <= c.Gate.MinIdeaLength {
		return fmt.Errorf("config.gate.max_idea_length must exceed min_idea_length")
	}
	if c.Pipeline.MaxActiveProjects <= 0 {
		return fmt.Errorf("config.pipeline.max_active_projects must be positive")
	}
	if c.Pipeline.MinCostGDPFraction <= 0 || c.Pipeline.MaxCostGDPFraction <= c.Pipeline.MinCostGDPFraction {
		return fmt.Errorf("config.pipeline cost fractions must satisfy 0 < min < max")
	}
	if c.Pipeline.MinDurationMonths < 1 || c.Pipeline.MaxDurationMonths < c.Pipeline.MinDurationMonths {
		return fmt.Errorf("config.pipeline duration bounds must satisfy 1 <= min <= max")
	}
	if c.Pipeline.MaxPaybackMonths <= 0 {
		return fmt.Errorf("config.pipeline.max_payback_months must be positive")
	}
	if c.Pipeline.MaxPopulationShare <= 0 || c.Pipeline.MaxPopulationShare > 1 {
		return fmt.Errorf("config.pipeline.max_population_share must be in (0,1]")
	}
	if c.Pipeline.InstallmentRevenueShare <= 0 || c.Pipeline.InstallmentRevenueShare > 1 {
		return fmt.Errorf("config.pipeline.installment_revenue_share must be in (0,1]")
	}
	if c.Pipeline.MaxInstallments <= 0 {
		return fmt.Errorf("config.pipeline.max_installments must be positive")
	}
	if c.Scheduler.SweepInterval <= 0 {
		return fmt.Errorf("config.scheduler.sweep_interval must be positive")
	}
	if c.Scheduler.SweepLimit <= 0 {
		return fmt.Errorf("config.scheduler.sweep_limit must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "mandato.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Omitted sections
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML for seeding a workspace.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `gate:
  min_idea_length: 10
  max_idea_length: 500
  blacklist_terms:
    - propina
    - suborno
    - caixa dois
    - desviar verba
    - lavagem de dinheiro
    - superfaturamento
    - nepotismo
    - fraudar licitacao
  injection_patterns:
    - '(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions'
    - '(?i)disregard\s+(all\s+)?(previous|prior)\s+(instructions|rules)'
    - '(?i)system\s+prompt'
    - '(?i)you\s+are\s+now\s+'
    - '(?i)act\s+as\s+(if|a|an)\s+'
    - '(?i)pretend\s+(to\s+be|you\s+are)'
    - '(?i)jailbreak'
    - '(?i)<\s*/?\s*(script|system|prompt)\s*>'
    - '\{\{.*\}\}'

pipeline:
  max_active_projects: 5
  min_cost_gdp_fraction: 0.001
  max_cost_gdp_fraction: 0.1
  min_duration_months: 1
  max_duration_months: 36
  max_payback_months: 120
  max_population_share: 0.5
  installment_revenue_share: 0.3
  max_installments: 36

scheduler:
  sweep_interval: 1h
  sweep_limit: 50
`
