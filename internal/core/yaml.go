package core

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// EntityList is a list of entity IDs that also decodes from a single ID or
// a comma separated string.
type EntityList []string

func (l *EntityList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = nil
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				*l = append(*l, strings.ToLower(part))
			}
		}
	case yaml.SequenceNode:
		var ids []string
		if err := node.Decode(&ids); err != nil {
			return err
		}
		*l = make(EntityList, 0, len(ids))
		for _, id := range ids {
			*l = append(*l, strings.ToLower(strings.TrimSpace(id)))
		}
	default:
		return fmt.Errorf("line %d: expected entity id or list of entity ids", node.Line)
	}
	for _, id := range *l {
		if !ValidEntityID(id) {
			return fmt.Errorf("line %d: invalid entity id %q", node.Line, id)
		}
	}
	return nil
}

// StringList decodes from a single scalar or a sequence of scalars.
type StringList []string

func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var ss []string
		if err := node.Decode(&ss); err != nil {
			return err
		}
		*l = ss
		return nil
	}
	return fmt.Errorf("line %d: expected string or list of strings", node.Line)
}

// Contains reports whether s is in the list.
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}
