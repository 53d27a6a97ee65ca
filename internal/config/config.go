package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models caseflow.yml: the fixed routing vocabulary the engine is
// driven by. It is loaded once at startup and passed by pointer; the core
// never mutates it.
type Config struct {
	Routing struct {
		// DefaultDepartment receives cases whose department is given as an
		// intake synonym.
		DefaultDepartment string       `yaml:"default_department"`
		IntakeAliases     []string     `yaml:"intake_aliases"`
		Departments       []Department `yaml:"departments"`
		// ReviewStatuses are the status codes allowed while a case sits in
		// outbound review.
		ReviewStatuses []string `yaml:"review_statuses"`
	} `yaml:"routing"`
	Coordinations []string         `yaml:"coordinations"`
	Teams         []string         `yaml:"teams"`
	Grants        map[string]Grant `yaml:"grants"`
}

// Department is one entry of the fixed department vocabulary.
type Department struct {
	Code     string   `yaml:"code"`
	Name     string   `yaml:"name"`
	Aliases  []string `yaml:"aliases"`
	Statuses []string `yaml:"statuses"`
}

// Grant scopes a user to departments, coordinations and teams for
// assignment purposes.
type Grant struct {
	Departments   []string `yaml:"departments"`
	Coordinations []string `yaml:"coordinations"`
	Teams         []string `yaml:"teams"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run cf init", path)
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

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "caseflow.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Validate ensures the config meets the required structure.
func (c *Config) Validate() error {
	if len(c.Routing.Departments) == 0 {
		return fmt.Errorf("config.routing.departments is required")
	}
	seen := map[string]bool{}
	for _, d := range c.Routing.Departments {
		if d.Code == "" {
			return fmt.Errorf("config.routing.departments contains empty code")
		}
		if seen[d.Code] {
			return fmt.Errorf("department code %s defined twice", d.Code)
		}
		seen[d.Code] = true
		if d.Code == "INTAKE" || d.Code == "OUTBOUND_REVIEW" || d.Code == "CLOSED" {
			return fmt.Errorf("department code %s is reserved", d.Code)
		}
		if len(d.Statuses) == 0 {
			return fmt.Errorf("department %s has no statuses", d.Code)
		}
		for _, s := range d.Statuses {
			if s == "" {
				return fmt.Errorf("department %s has empty status code", d.Code)
			}
		}
	}
	if c.Routing.DefaultDepartment == "" {
		return fmt.Errorf("config.routing.default_department is required")
	}
	if !seen[c.Routing.DefaultDepartment] {
		return fmt.Errorf("default department %s not defined", c.Routing.DefaultDepartment)
	}
	for user, g := range c.Grants {
		if user == "" {
			return fmt.Errorf("config.grants contains empty user id")
		}
		for _, dept := range g.Departments {
			if !seen[dept] {
				return fmt.Errorf("grant for %s references unknown department %s", user, dept)
			}
		}
	}
	return nil
}

// Department looks up a department by its canonical code.
func (c *Config) Department(code string) (Department, bool) {
	for _, d := range c.Routing.Departments {
		if d.Code == code {
			return d, true
		}
	}
	return Department{}, false
}

// Codes returns department codes in their configured order.
func (c *Config) Codes() []string {
	out := make([]string, 0, len(c.Routing.Departments))
	for _, d := range c.Routing.Departments {
		out = append(out, d.Code)
	}
	return out
}

// StatusAllowed reports whether status is valid for the given department.
// Outbound review has its own status list; closed instances keep whatever
// status they carried out.
func (c *Config) StatusAllowed(department, status string) bool {
	if status == "" {
		return true
	}
	if department == "OUTBOUND_REVIEW" {
		for _, s := range c.Routing.ReviewStatuses {
			if s == status {
				return true
			}
		}
		return false
	}
	d, ok := c.Department(department)
	if !ok {
		return false
	}
	for _, s := range d.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// UserHasDepartment reports whether the user holds a grant for department.
// Users without a grants entry are unrestricted (legacy rosters).
func (c *Config) UserHasDepartment(user, department string) bool {
	g, ok := c.Grants[user]
	if !ok {
		return true
	}
	if len(g.Departments) == 0 {
		return true
	}
	for _, d := range g.Departments {
		if d == department {
			return true
		}
	}
	return false
}

// UserHasCoordination reports whether the user may work under the given
// coordination unit.
func (c *Config) UserHasCoordination(user, coordination string) bool {
	if coordination == "" {
		return true
	}
	g, ok := c.Grants[user]
	if !ok {
		return true
	}
	if len(g.Coordinations) == 0 {
		return true
	}
	for _, co := range g.Coordinations {
		if co == coordination {
			return true
		}
	}
	return false
}

// UserHasTeam reports whether the user may work under the given team.
func (c *Config) UserHasTeam(user, team string) bool {
	if team == "" {
		return true
	}
	g, ok := c.Grants[user]
	if !ok {
		return true
	}
	if len(g.Teams) == 0 {
		return true
	}
	for _, t := range g.Teams {
		if t == team {
			return true
		}
	}
	return false
}

const defaultTemplate = `routing:
  default_department: GEPLAN
  intake_aliases: [INTAKE, ENTRADA, PROTOCOLO]

  departments:
    - code: GEPLAN
      name: "Gerencia de Planejamento"
      aliases: [PLANEJAMENTO]
      statuses: [RECEIVED, UNDER_ANALYSIS, UNDER_REVIEW, AWAITING_OPINION, RETURNED]

    - code: GEFIN
      name: "Gerencia Financeira"
      aliases: [FINANCEIRO, FINANCAS]
      statuses: [RECEIVED, UNDER_ANALYSIS, AWAITING_BUDGET, APPROVED, RETURNED]

    - code: GECON
      name: "Gerencia de Contratos"
      aliases: [CONTRATOS]
      statuses: [RECEIVED, UNDER_ANALYSIS, DRAFTING, AWAITING_SIGNATURE, RETURNED]

    - code: GEJUR
      name: "Gerencia Juridica"
      aliases: [JURIDICO, ASSESSORIA JURIDICA]
      statuses: [RECEIVED, UNDER_ANALYSIS, OPINION_ISSUED, RETURNED]

  review_statuses: [AWAITING_DISPATCH, DISPATCHED, SIGNED_OFF]

coordinations:
  - COORD-PLANEJAMENTO
  - COORD-ORCAMENTO
  - COORD-CONTRATACOES

teams:
  - NUCLEO-ANALISE
  - NUCLEO-INSTRUCAO
  - NUCLEO-REVISAO

grants: {}
`
