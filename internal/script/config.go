package script

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"openpeer-hub/internal/condition"
	"openpeer-hub/internal/core"
	"openpeer-hub/internal/template"
	"openpeer-hub/internal/trigger"
)

// ActionKind names a step type.
type ActionKind string

const (
	ActionCallService    ActionKind = "call_service"
	ActionDelay          ActionKind = "delay"
	ActionWaitTemplate   ActionKind = "wait_template"
	ActionWaitForTrigger ActionKind = "wait_for_trigger"
	ActionCondition      ActionKind = "condition"
	ActionRepeat         ActionKind = "repeat"
	ActionChoose         ActionKind = "choose"
	ActionFireEvent      ActionKind = "fire_event"
	ActionDevice         ActionKind = "device"
	ActionScene          ActionKind = "activate_scene"
	ActionVariables      ActionKind = "variables"
)

// Action is one configured step.
type Action interface {
	Kind() ActionKind
	Alias() string
}

// Common holds the keys every step accepts.
type Common struct {
	Name string `yaml:"alias"`
}

func (c Common) Alias() string { return c.Name }

// The first key found decides the step type; anything else with a service
// is a service call.
var actionKeys = []struct {
	key  string
	kind ActionKind
	new  func() Action
}{
	{"delay", ActionDelay, func() Action { return &DelayAction{} }},
	{"wait_template", ActionWaitTemplate, func() Action { return &WaitTemplateAction{} }},
	{"condition", ActionCondition, func() Action { return &ConditionAction{} }},
	{"event", ActionFireEvent, func() Action { return &EventAction{} }},
	{"device_id", ActionDevice, func() Action { return &DeviceAction{} }},
	{"scene", ActionScene, func() Action { return &SceneAction{} }},
	{"repeat", ActionRepeat, func() Action { return &RepeatAction{} }},
	{"choose", ActionChoose, func() Action { return &ChooseAction{} }},
	{"wait_for_trigger", ActionWaitForTrigger, func() Action { return &WaitForTriggerAction{} }},
	{"variables", ActionVariables, func() Action { return &VariablesAction{} }},
	{"service", ActionCallService, func() Action { return &ServiceAction{} }},
	{"service_template", ActionCallService, func() Action { return &ServiceAction{} }},
}

// DecodeAction decodes one step.
func DecodeAction(node *yaml.Node) (Action, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: %w: expected a mapping", node.Line, ErrInvalidConfig)
	}
	keys := make(map[string]bool, len(node.Content)/2)
	for i := 0; i < len(node.Content); i += 2 {
		keys[node.Content[i].Value] = true
	}
	for _, ak := range actionKeys {
		if !keys[ak.key] {
			continue
		}
		a := ak.new()
		if err := node.Decode(a); err != nil {
			return nil, err
		}
		if v, ok := a.(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return nil, fmt.Errorf("line %d: %w", node.Line, err)
			}
		}
		return a, nil
	}
	return nil, fmt.Errorf("line %d: %w: unable to determine action", node.Line, ErrInvalidConfig)
}

// Sequence is an ordered list of steps. It decodes from a single step or a
// list.
type Sequence []Action

func (s *Sequence) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		a, err := DecodeAction(node)
		if err != nil {
			return err
		}
		*s = Sequence{a}
		return nil
	}
	out := make(Sequence, 0, len(node.Content))
	for _, item := range node.Content {
		a, err := DecodeAction(item)
		if err != nil {
			return err
		}
		out = append(out, a)
	}
	*s = out
	return nil
}

// ServiceAction calls a service. Data, DataTemplate, Target and EntityID
// are rendered and merged into the service data.
type ServiceAction struct {
	Common          `yaml:",inline"`
	Service         template.Template `yaml:"service"`
	ServiceTemplate template.Template `yaml:"service_template"`
	Data            map[string]any    `yaml:"data"`
	DataTemplate    map[string]any    `yaml:"data_template"`
	Target          map[string]any    `yaml:"target"`
	EntityID        any               `yaml:"entity_id"`
}

func (*ServiceAction) Kind() ActionKind { return ActionCallService }

func (a *ServiceAction) Validate() error {
	if !a.Service.IsSet() && !a.ServiceTemplate.IsSet() {
		return fmt.Errorf("%w: service is required", ErrInvalidConfig)
	}
	if !a.Service.IsTemplate() && a.Service.IsSet() {
		if _, _, err := splitService(a.Service.String()); err != nil {
			return err
		}
	}
	return nil
}

func splitService(s string) (domain, service string, err error) {
	domain, service, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok || domain == "" || service == "" || strings.Contains(service, ".") {
		return "", "", fmt.Errorf("%w: invalid service %q", ErrInvalidConfig, s)
	}
	return strings.ToLower(domain), strings.ToLower(service), nil
}

// prepare renders the service name and data against vars.
func (a *ServiceAction) prepare(h *core.Hub, vars map[string]any) (domain, service string, data map[string]any, err error) {
	name := a.Service
	if !name.IsSet() {
		name = a.ServiceTemplate
	}
	s, err := name.RenderString(h, vars)
	if err != nil {
		return "", "", nil, err
	}
	if domain, service, err = splitService(s); err != nil {
		return "", "", nil, err
	}

	data = make(map[string]any)
	for _, m := range []map[string]any{a.Data, a.DataTemplate, a.Target} {
		if m == nil {
			continue
		}
		rendered, err := template.RenderComplex(h, m, vars)
		if err != nil {
			return "", "", nil, err
		}
		for k, v := range rendered.(map[string]any) {
			data[k] = v
		}
	}
	if a.EntityID != nil {
		v, err := template.RenderComplex(h, a.EntityID, vars)
		if err != nil {
			return "", "", nil, err
		}
		data["entity_id"] = v
	}
	return domain, service, data, nil
}

// DelayAction waits for a period.
type DelayAction struct {
	Common `yaml:",inline"`
	Delay  template.Period `yaml:"delay"`
}

func (*DelayAction) Kind() ActionKind { return ActionDelay }

// WaitTemplateAction waits until a template renders true.
type WaitTemplateAction struct {
	Common            `yaml:",inline"`
	WaitTemplate      template.Template `yaml:"wait_template"`
	Timeout           template.Period   `yaml:"timeout"`
	ContinueOnTimeout bool              `yaml:"continue_on_timeout"`
}

func (*WaitTemplateAction) Kind() ActionKind { return ActionWaitTemplate }

// WaitForTriggerAction waits until one of its triggers fires.
type WaitForTriggerAction struct {
	Common            `yaml:",inline"`
	WaitForTrigger    trigger.List    `yaml:"wait_for_trigger"`
	Timeout           template.Period `yaml:"timeout"`
	ContinueOnTimeout bool            `yaml:"continue_on_timeout"`
}

func (*WaitForTriggerAction) Kind() ActionKind { return ActionWaitForTrigger }

// ConditionAction ends the current sequence when its condition is false.
type ConditionAction struct {
	Common
	Condition condition.Config
}

func (*ConditionAction) Kind() ActionKind { return ActionCondition }

func (a *ConditionAction) UnmarshalYAML(node *yaml.Node) error {
	if err := node.Decode(&a.Common); err != nil {
		return err
	}
	cfg, err := condition.Decode(node)
	if err != nil {
		return err
	}
	a.Condition = cfg
	return nil
}

// EventAction fires a bus event.
type EventAction struct {
	Common            `yaml:",inline"`
	Event             string         `yaml:"event"`
	EventData         map[string]any `yaml:"event_data"`
	EventDataTemplate map[string]any `yaml:"event_data_template"`
}

func (*EventAction) Kind() ActionKind { return ActionFireEvent }

func (a *EventAction) Validate() error {
	if a.Event == "" {
		return fmt.Errorf("%w: event is required", ErrInvalidConfig)
	}
	return nil
}

// DeviceAction runs an action of the device's integration.
type DeviceAction struct {
	Common
	core.DeviceConfig
}

func (*DeviceAction) Kind() ActionKind { return ActionDevice }

func (a *DeviceAction) UnmarshalYAML(node *yaml.Node) error {
	if err := node.Decode(&a.Common); err != nil {
		return err
	}
	if err := a.DeviceConfig.UnmarshalYAML(node); err != nil {
		return err
	}
	delete(a.Extra, "alias")
	return nil
}

// SceneAction activates a scene.
type SceneAction struct {
	Common `yaml:",inline"`
	Scene  string `yaml:"scene"`
}

func (*SceneAction) Kind() ActionKind { return ActionScene }

func (a *SceneAction) Validate() error {
	if !core.ValidEntityID(a.Scene) {
		return fmt.Errorf("%w: invalid scene %q", ErrInvalidConfig, a.Scene)
	}
	return nil
}

// RepeatConfig selects one of the loop forms: Count, While or Until.
type RepeatConfig struct {
	Count    template.Template `yaml:"count"`
	While    condition.List    `yaml:"while"`
	Until    condition.List    `yaml:"until"`
	Sequence Sequence          `yaml:"sequence"`
}

// RepeatAction runs a nested sequence in a loop.
type RepeatAction struct {
	Common `yaml:",inline"`
	Repeat RepeatConfig `yaml:"repeat"`
}

func (*RepeatAction) Kind() ActionKind { return ActionRepeat }

func (a *RepeatAction) Validate() error {
	n := 0
	if a.Repeat.Count.IsSet() {
		n++
	}
	if a.Repeat.While != nil {
		n++
	}
	if a.Repeat.Until != nil {
		n++
	}
	if n != 1 {
		return fmt.Errorf("%w: repeat requires exactly one of count, while or until", ErrInvalidConfig)
	}
	if len(a.Repeat.Sequence) == 0 {
		return fmt.Errorf("%w: repeat requires a sequence", ErrInvalidConfig)
	}
	return nil
}

// Choice is one branch of a choose step.
type Choice struct {
	Conditions condition.List `yaml:"conditions"`
	Sequence   Sequence       `yaml:"sequence"`
}

// ChooseAction runs the first branch whose conditions hold, or Default.
type ChooseAction struct {
	Common  `yaml:",inline"`
	Choose  []Choice `yaml:"choose"`
	Default Sequence `yaml:"default"`
}

func (*ChooseAction) Kind() ActionKind { return ActionChoose }

func (a *ChooseAction) Validate() error {
	if len(a.Choose) == 0 {
		return fmt.Errorf("%w: choose requires at least one option", ErrInvalidConfig)
	}
	for i, c := range a.Choose {
		if len(c.Sequence) == 0 {
			return fmt.Errorf("%w: choose option %d requires a sequence", ErrInvalidConfig, i+1)
		}
	}
	return nil
}

// VariablesAction sets run variables.
type VariablesAction struct {
	Common    `yaml:",inline"`
	Variables template.Variables `yaml:"variables"`
}

func (*VariablesAction) Kind() ActionKind { return ActionVariables }

func describe(a Action) string {
	if alias := a.Alias(); alias != "" {
		return alias
	}
	switch a := a.(type) {
	case *ServiceAction:
		return "call service"
	case *DelayAction:
		return "delay " + a.Delay.String()
	case *WaitTemplateAction:
		return "wait template"
	case *WaitForTriggerAction:
		return "wait for trigger"
	case *ConditionAction:
		return string(a.Condition.Kind())
	case *EventAction:
		return a.Event
	case *DeviceAction:
		return "device automation"
	case *SceneAction:
		return "activate scene"
	case *RepeatAction:
		return "repeat"
	case *ChooseAction:
		return "choose"
	case *VariablesAction:
		return "variables"
	}
	return string(a.Kind())
}
