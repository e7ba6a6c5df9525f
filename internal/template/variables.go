package template

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"openpeer-hub/internal/core"
)

// Variable is one named entry of a variables block.
type Variable struct {
	Name  string
	Value any
}

// Variables is a variables block. Entries render in order, so later entries
// can refer to earlier ones.
type Variables []Variable

func (v *Variables) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: variables must be a mapping", node.Line)
	}
	out := make(Variables, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var val any
		if err := node.Content[i+1].Decode(&val); err != nil {
			return err
		}
		out = append(out, Variable{Name: node.Content[i].Value, Value: val})
	}
	*v = out
	return nil
}

// Render renders the block on top of base and returns the merged mapping.
// With asDefaults, names already present in base keep their base value.
func (v Variables) Render(h *core.Hub, base map[string]any, asDefaults bool) (map[string]any, error) {
	return v.render(h, base, asDefaults, false)
}

// RenderLimited renders as defaults without state access.
func (v Variables) RenderLimited(h *core.Hub, base map[string]any) (map[string]any, error) {
	return v.render(h, base, true, true)
}

func (v Variables) render(h *core.Hub, base map[string]any, asDefaults, limited bool) (map[string]any, error) {
	out := make(map[string]any, len(base)+len(v))
	for k, val := range base {
		out[k] = val
	}
	for _, item := range v {
		if _, ok := base[item.Name]; asDefaults && ok {
			continue
		}
		r, err := renderComplex(h, item.Value, out, limited)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", item.Name, err)
		}
		out[item.Name] = r
	}
	return out, nil
}
