// Package automation binds triggers, conditions and an action script into
// automation entities and loads them from YAML definitions.
package automation

import (
	"errors"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"openpeer-hub/internal/condition"
	"openpeer-hub/internal/script"
	"openpeer-hub/internal/template"
	"openpeer-hub/internal/trigger"
)

// ErrInvalidConfig is returned for automation or script definitions that
// cannot be used.
var ErrInvalidConfig = errors.New("automation: invalid config")

// Config is one automation definition.
type Config struct {
	ID               string             `yaml:"id"`
	Alias            string             `yaml:"alias"`
	Description      string             `yaml:"description"`
	InitialState     *bool              `yaml:"initial_state"`
	Mode             script.Mode        `yaml:"mode"`
	MaxRuns          int                `yaml:"max"`
	MaxExceeded      string             `yaml:"max_exceeded"`
	Variables        template.Variables `yaml:"variables"`
	TriggerVariables template.Variables `yaml:"trigger_variables"`
	Trigger          trigger.List       `yaml:"trigger"`
	Condition        condition.List     `yaml:"condition"`
	Action           script.Sequence    `yaml:"action"`
}

// Name is the alias, or the ID when no alias is set.
func (c *Config) Name() string {
	if c.Alias != "" {
		return c.Alias
	}
	return c.ID
}

func (c *Config) Validate() error {
	if len(c.Trigger) == 0 {
		return fmt.Errorf("%w: no triggers", ErrInvalidConfig)
	}
	if len(c.Action) == 0 {
		return fmt.Errorf("%w: no actions", ErrInvalidConfig)
	}
	return nil
}

// ScriptConfig is a standalone script definition.
type ScriptConfig struct {
	Alias       string             `yaml:"alias"`
	Description string             `yaml:"description"`
	Mode        script.Mode        `yaml:"mode"`
	MaxRuns     int                `yaml:"max"`
	MaxExceeded string             `yaml:"max_exceeded"`
	Variables   template.Variables `yaml:"variables"`
	Sequence    script.Sequence    `yaml:"sequence"`
}

func (c *ScriptConfig) Validate() error {
	if len(c.Sequence) == 0 {
		return fmt.Errorf("%w: empty sequence", ErrInvalidConfig)
	}
	return nil
}

// Definitions is what one YAML source declares.
type Definitions struct {
	Automations []*Config
	Scripts     map[string]*ScriptConfig
}

func (d *Definitions) merge(o *Definitions) {
	d.Automations = append(d.Automations, o.Automations...)
	for id, s := range o.Scripts {
		if d.Scripts == nil {
			d.Scripts = make(map[string]*ScriptConfig)
		}
		d.Scripts[id] = s
	}
}

// Decode reads automation and script definitions. The source is a list of
// automations, a single automation, or a mapping with "automations" and
// "scripts" keys. Entries that fail to decode are logged and dropped; only
// malformed YAML fails the whole source.
func Decode(data []byte, logger *slog.Logger) (*Definitions, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse definitions: %w", err)
	}
	defs := &Definitions{}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return defs, nil
	}
	root := doc.Content[0]

	switch root.Kind {
	case yaml.SequenceNode:
		defs.Automations = decodeAutomations(root, logger)
	case yaml.MappingNode:
		autos, scripts := mappingValue(root, "automations"), mappingValue(root, "scripts")
		if autos == nil && scripts == nil {
			if cfg, err := decodeAutomation(root); err != nil {
				logger.Error("invalid automation dropped", "automation", nodeName(root), "line", root.Line, "err", err)
			} else {
				defs.Automations = append(defs.Automations, cfg)
			}
			break
		}
		if autos != nil {
			defs.Automations = decodeAutomations(autos, logger)
		}
		if scripts != nil {
			defs.Scripts = decodeScripts(scripts, logger)
		}
	default:
		return nil, fmt.Errorf("%w: line %d: expected a list or a mapping", ErrInvalidConfig, root.Line)
	}
	return defs, nil
}

func decodeAutomations(node *yaml.Node, logger *slog.Logger) []*Config {
	if node.Kind != yaml.SequenceNode {
		logger.Error("automations must be a list", "line", node.Line)
		return nil
	}
	var out []*Config
	for i, item := range node.Content {
		cfg, err := decodeAutomation(item)
		if err != nil {
			name := nodeName(item)
			if name == "" {
				name = fmt.Sprintf("#%d", i+1)
			}
			logger.Error("invalid automation dropped", "automation", name, "line", item.Line, "err", err)
			continue
		}
		out = append(out, cfg)
	}
	return out
}

func decodeAutomation(node *yaml.Node) (*Config, error) {
	var cfg Config
	if err := node.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeScripts(node *yaml.Node, logger *slog.Logger) map[string]*ScriptConfig {
	if node.Kind != yaml.MappingNode {
		logger.Error("scripts must be a mapping", "line", node.Line)
		return nil
	}
	out := make(map[string]*ScriptConfig, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		id, value := node.Content[i].Value, node.Content[i+1]
		if !validID(id) {
			logger.Error("invalid script dropped", "script", id, "line", value.Line, "err", "invalid id")
			continue
		}
		var cfg ScriptConfig
		err := value.Decode(&cfg)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			logger.Error("invalid script dropped", "script", id, "line", value.Line, "err", err)
			continue
		}
		out[id] = &cfg
	}
	return out
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

// nodeName finds the alias or id of an undecodable entry for log lines.
func nodeName(node *yaml.Node) string {
	if node.Kind != yaml.MappingNode {
		return ""
	}
	for _, key := range []string{"alias", "id"} {
		if v := mappingValue(node, key); v != nil && v.Kind == yaml.ScalarNode {
			return v.Value
		}
	}
	return ""
}
