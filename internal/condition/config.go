package condition

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"openpeer-hub/internal/core"
	"openpeer-hub/internal/template"
)

// ErrInvalidConfig is returned for condition configs that cannot be used.
var ErrInvalidConfig = errors.New("invalid condition config")

// Kind names a condition type.
type Kind string

const (
	KindAnd          Kind = "and"
	KindOr           Kind = "or"
	KindNot          Kind = "not"
	KindState        Kind = "state"
	KindNumericState Kind = "numeric_state"
	KindTime         Kind = "time"
	KindSun          Kind = "sun"
	KindZone         Kind = "zone"
	KindTemplate     Kind = "template"
	KindDevice       Kind = "device"

	// kindList is the implicit and over an automation's condition list.
	kindList Kind = "condition"
)

// Config is a validated condition configuration.
type Config interface {
	Kind() Kind
	Validate() error
}

var configTypes = map[Kind]func() Config{
	KindAnd:          func() Config { return &AndConfig{} },
	KindOr:           func() Config { return &OrConfig{} },
	KindNot:          func() Config { return &NotConfig{} },
	KindState:        func() Config { return &StateConfig{} },
	KindNumericState: func() Config { return &NumericStateConfig{} },
	KindTime:         func() Config { return &TimeConfig{} },
	KindSun:          func() Config { return &SunConfig{} },
	KindZone:         func() Config { return &ZoneConfig{} },
	KindTemplate:     func() Config { return &TemplateConfig{} },
	KindDevice:       func() Config { return &DeviceConfig{} },
}

// Decode decodes one condition. A bare template string is shorthand for a
// template condition.
func Decode(node *yaml.Node) (Config, error) {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return nil, err
		}
		if !template.IsTemplate(s) {
			return nil, fmt.Errorf("line %d: %w: expected a condition, got %q", node.Line, ErrInvalidConfig, s)
		}
		cfg := &TemplateConfig{ValueTemplate: template.New(s)}
		return cfg, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: %w: expected a mapping", node.Line, ErrInvalidConfig)
	}
	var probe struct {
		Condition Kind `yaml:"condition"`
	}
	if err := node.Decode(&probe); err != nil {
		return nil, err
	}
	newConfig, ok := configTypes[probe.Condition]
	if !ok {
		return nil, fmt.Errorf("line %d: %w: unknown condition %q", node.Line, ErrInvalidConfig, probe.Condition)
	}
	cfg := newConfig()
	if err := node.Decode(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("line %d: %w", node.Line, err)
	}
	return cfg, nil
}

// List is a list of conditions. It decodes from a single condition or a
// sequence.
type List []Config

func (l *List) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		cfg, err := Decode(node)
		if err != nil {
			return err
		}
		*l = List{cfg}
		return nil
	}
	out := make(List, 0, len(node.Content))
	for _, item := range node.Content {
		cfg, err := Decode(item)
		if err != nil {
			return err
		}
		out = append(out, cfg)
	}
	*l = out
	return nil
}

// AndConfig is true when every sub-condition is true.
type AndConfig struct {
	Conditions List `yaml:"conditions"`
}

func (*AndConfig) Kind() Kind { return KindAnd }

func (c *AndConfig) Validate() error { return validateList(KindAnd, c.Conditions) }

// OrConfig is true when any sub-condition is true.
type OrConfig struct {
	Conditions List `yaml:"conditions"`
}

func (*OrConfig) Kind() Kind { return KindOr }

func (c *OrConfig) Validate() error { return validateList(KindOr, c.Conditions) }

// NotConfig is true when no sub-condition is true.
type NotConfig struct {
	Conditions List `yaml:"conditions"`
}

func (*NotConfig) Kind() Kind { return KindNot }

func (c *NotConfig) Validate() error { return validateList(KindNot, c.Conditions) }

func validateList(kind Kind, l List) error {
	if len(l) == 0 {
		return fmt.Errorf("%w: %s requires conditions", ErrInvalidConfig, kind)
	}
	return nil
}

// StateConfig matches entity states (or an attribute) against accepted
// values.
type StateConfig struct {
	EntityID  core.EntityList `yaml:"entity_id"`
	State     core.StringList `yaml:"state"`
	Attribute string          `yaml:"attribute"`
	For       template.Period `yaml:"for"`
	// Match is "all" (default) or "any" across EntityID.
	Match string `yaml:"match"`
}

func (*StateConfig) Kind() Kind { return KindState }

func (c *StateConfig) Validate() error {
	if len(c.EntityID) == 0 {
		return fmt.Errorf("%w: state requires entity_id", ErrInvalidConfig)
	}
	if len(c.State) == 0 {
		return fmt.Errorf("%w: state requires state", ErrInvalidConfig)
	}
	switch c.Match {
	case "", "all", "any":
	default:
		return fmt.Errorf("%w: match must be all or any", ErrInvalidConfig)
	}
	return nil
}

// Bound is a numeric_state limit: a number or another entity's state.
type Bound struct {
	Value    float64
	EntityID string
}

// NewBound returns a literal bound.
func NewBound(v float64) *Bound { return &Bound{Value: v} }

func (b *Bound) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		*b = Bound{Value: f}
		return nil
	}
	if core.ValidEntityID(s) {
		*b = Bound{EntityID: s}
		return nil
	}
	return fmt.Errorf("line %d: %w: %q is neither a number nor an entity id", node.Line, ErrInvalidConfig, s)
}

func (b *Bound) String() string {
	if b.EntityID != "" {
		return b.EntityID
	}
	return strconv.FormatFloat(b.Value, 'f', -1, 64)
}

// NumericStateConfig checks that entity values lie strictly between Above
// and Below.
type NumericStateConfig struct {
	EntityID      core.EntityList   `yaml:"entity_id"`
	Attribute     string            `yaml:"attribute"`
	Above         *Bound            `yaml:"above"`
	Below         *Bound            `yaml:"below"`
	ValueTemplate template.Template `yaml:"value_template"`
}

func (*NumericStateConfig) Kind() Kind { return KindNumericState }

func (c *NumericStateConfig) Validate() error {
	if len(c.EntityID) == 0 {
		return fmt.Errorf("%w: numeric_state requires entity_id", ErrInvalidConfig)
	}
	if c.Above == nil && c.Below == nil {
		return fmt.Errorf("%w: numeric_state requires above or below", ErrInvalidConfig)
	}
	return nil
}

// TimeOfDay is a wall clock time or an entity holding one.
type TimeOfDay struct {
	Hour, Minute, Second int
	EntityID             string
}

func (t *TimeOfDay) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if core.ValidEntityID(s) {
		*t = TimeOfDay{EntityID: s}
		return nil
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*t = parsed
	return nil
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("%w: invalid time %q", ErrInvalidConfig, s)
	}
	var vals [3]int
	limits := [3]int{23, 59, 59}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return TimeOfDay{}, fmt.Errorf("%w: invalid time %q", ErrInvalidConfig, s)
		}
		vals[i] = n
	}
	return TimeOfDay{Hour: vals[0], Minute: vals[1], Second: vals[2]}, nil
}

func (t TimeOfDay) String() string {
	if t.EntityID != "" {
		return t.EntityID
	}
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// seconds returns the offset from midnight.
func (t TimeOfDay) seconds() int {
	return t.Hour*3600 + t.Minute*60 + t.Second
}

// TimeConfig is true within [After, Before) local time on the listed
// weekdays.
type TimeConfig struct {
	After   *TimeOfDay      `yaml:"after"`
	Before  *TimeOfDay      `yaml:"before"`
	Weekday core.StringList `yaml:"weekday"`
}

func (*TimeConfig) Kind() Kind { return KindTime }

var weekdays = []string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

func (c *TimeConfig) Validate() error {
	if c.After == nil && c.Before == nil && len(c.Weekday) == 0 {
		return fmt.Errorf("%w: time requires after, before or weekday", ErrInvalidConfig)
	}
	for _, d := range c.Weekday {
		if !core.StringList(weekdays).Contains(d) {
			return fmt.Errorf("%w: invalid weekday %q", ErrInvalidConfig, d)
		}
	}
	return nil
}

// Sun events.
const (
	SunEventSunrise = "sunrise"
	SunEventSunset  = "sunset"
)

// SunConfig is true relative to today's sunrise or sunset.
type SunConfig struct {
	Before       string          `yaml:"before"`
	After        string          `yaml:"after"`
	BeforeOffset template.Period `yaml:"before_offset"`
	AfterOffset  template.Period `yaml:"after_offset"`
}

func (*SunConfig) Kind() Kind { return KindSun }

func (c *SunConfig) Validate() error {
	if c.Before == "" && c.After == "" {
		return fmt.Errorf("%w: sun requires before or after", ErrInvalidConfig)
	}
	for _, ev := range []string{c.Before, c.After} {
		if ev != "" && ev != SunEventSunrise && ev != SunEventSunset {
			return fmt.Errorf("%w: invalid sun event %q", ErrInvalidConfig, ev)
		}
	}
	return nil
}

// ZoneConfig is true when every entity is inside at least one zone.
type ZoneConfig struct {
	EntityID core.EntityList `yaml:"entity_id"`
	Zone     core.EntityList `yaml:"zone"`
}

func (*ZoneConfig) Kind() Kind { return KindZone }

func (c *ZoneConfig) Validate() error {
	if len(c.EntityID) == 0 || len(c.Zone) == 0 {
		return fmt.Errorf("%w: zone requires entity_id and zone", ErrInvalidConfig)
	}
	return nil
}

// TemplateConfig is true when the template renders "true".
type TemplateConfig struct {
	ValueTemplate template.Template `yaml:"value_template"`
}

func (*TemplateConfig) Kind() Kind { return KindTemplate }

func (c *TemplateConfig) Validate() error {
	if !c.ValueTemplate.IsSet() {
		return fmt.Errorf("%w: template requires value_template", ErrInvalidConfig)
	}
	return nil
}

// DeviceConfig delegates to the device's integration.
type DeviceConfig struct {
	core.DeviceConfig
}

func (*DeviceConfig) Kind() Kind { return KindDevice }

func (c *DeviceConfig) UnmarshalYAML(node *yaml.Node) error {
	return c.DeviceConfig.UnmarshalYAML(node)
}

func (c *DeviceConfig) Validate() error {
	if c.Domain == "" || c.Type == "" {
		return fmt.Errorf("%w: device requires domain and type", ErrInvalidConfig)
	}
	return nil
}
