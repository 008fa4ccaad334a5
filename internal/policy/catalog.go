package policy

import (
	"fmt"

	"github.com/oktsec/truthaudit/internal/safefile"
	"github.com/oktsec/truthaudit/rules"
	"gopkg.in/yaml.v3"
)

const maxCatalogBytes = 1 << 20

// catalog is the on-disk rule file format.
type catalog struct {
	Rules []catalogRule `yaml:"rules"`
}

type catalogRule struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	Metric         string   `yaml:"metric"`
	Operator       Operator `yaml:"operator"`
	Threshold      float64  `yaml:"threshold"`
	Severity       string   `yaml:"severity"`
	Action         Action   `yaml:"action"`
	NotifyChannels []string `yaml:"notify_channels,omitempty"`
	NotifyUsers    []string `yaml:"notify_users,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

func (cr catalogRule) rule() Rule {
	return Rule{
		ID:             cr.ID,
		Name:           cr.Name,
		Metric:         cr.Metric,
		Operator:       cr.Operator,
		Threshold:      cr.Threshold,
		Severity:       cr.Severity,
		Action:         cr.Action,
		NotifyChannels: cr.NotifyChannels,
		NotifyUsers:    cr.NotifyUsers,
		Enabled:        cr.Enabled == nil || *cr.Enabled,
	}
}

// ParseCatalog decodes a YAML rule catalog. Rules without an explicit
// enabled flag are enabled.
func ParseCatalog(data []byte) ([]Rule, error) {
	var c catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing rule catalog: %w", err)
	}
	out := make([]Rule, 0, len(c.Rules))
	seen := make(map[string]bool, len(c.Rules))
	for _, cr := range c.Rules {
		r := cr.rule()
		if r.ID == "" {
			return nil, fmt.Errorf("rule catalog entry %q has no id", r.Name)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out, nil
}

// LoadCatalog reads a rule catalog file.
func LoadCatalog(path string) ([]Rule, error) {
	data, err := safefile.ReadFileMax(path, maxCatalogBytes)
	if err != nil {
		return nil, fmt.Errorf("reading rule catalog: %w", err)
	}
	return ParseCatalog(data)
}

// DefaultRules returns the embedded starter catalog.
func DefaultRules() ([]Rule, error) {
	data, err := rules.FS().ReadFile(rules.DefaultCatalog)
	if err != nil {
		return nil, fmt.Errorf("reading embedded rules: %w", err)
	}
	return ParseCatalog(data)
}
