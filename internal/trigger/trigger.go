// Package trigger attaches automation triggers to the hub and reports when
// they fire.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gopkg.in/yaml.v3"

	"openpeer-hub/internal/core"
)

// ErrInvalidConfig is returned for trigger configs that cannot be used.
var ErrInvalidConfig = errors.New("invalid trigger config")

// Kind names a trigger platform.
type Kind string

const (
	KindState        Kind = "state"
	KindNumericState Kind = "numeric_state"
	KindEvent        Kind = "event"
	KindTimePattern  Kind = "time_pattern"
	KindTime         Kind = "time"
	KindTemplate     Kind = "template"
	KindWebhook      Kind = "webhook"
	KindCore         Kind = "core"
	KindSun          Kind = "sun"
	KindZone         Kind = "zone"
	KindDevice       Kind = "device"
)

// Config is a validated trigger configuration.
type Config interface {
	Kind() Kind
	Validate() error
}

// Info describes the automation the triggers belong to.
type Info struct {
	Name string
	// HubStart is set when triggers are attached as part of hub startup.
	HubStart bool
	Logger   *slog.Logger
	// Variables are the rendered trigger variables, available to templates
	// in trigger configs.
	Variables map[string]any
}

// ActionFunc receives the variables of a fired trigger, {"trigger": {...}},
// and the context that caused it. It is called synchronously from the
// source (event bus handler, timer, webhook) and must not block.
type ActionFunc func(vars map[string]any, hctx *core.Context)

// FireFunc is how a platform reports a firing: the trigger data map and the
// upstream context.
type FireFunc func(data map[string]any, hctx *core.Context)

// Platform attaches one trigger and returns its detach func.
type Platform func(ctx context.Context, h *core.Hub, cfg Config, fire FireFunc, info Info) (func(), error)

type platformEntry struct {
	newConfig func() Config
	attach    Platform
}

var platforms map[Kind]platformEntry

func init() {
	platforms = map[Kind]platformEntry{
		KindState:        {func() Config { return &StateConfig{} }, attachState},
		KindNumericState: {func() Config { return &NumericStateConfig{} }, attachNumericState},
		KindEvent:        {func() Config { return &EventConfig{} }, attachEvent},
		KindTimePattern:  {func() Config { return &TimePatternConfig{} }, attachTimePattern},
		KindTime:         {func() Config { return &TimeConfig{} }, attachTime},
		KindTemplate:     {func() Config { return &TemplateConfig{} }, attachTemplate},
		KindWebhook:      {func() Config { return &WebhookConfig{} }, attachWebhook},
		KindCore:         {func() Config { return &CoreConfig{} }, attachCore},
		KindSun:          {func() Config { return &SunConfig{} }, attachSun},
		KindZone:         {func() Config { return &ZoneConfig{} }, attachZone},
		KindDevice:       {func() Config { return &DeviceConfig{} }, attachDevice},
	}
}

// Decode decodes one trigger keyed by its platform.
func Decode(node *yaml.Node) (Config, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: %w: expected a mapping", node.Line, ErrInvalidConfig)
	}
	var probe struct {
		Platform Kind `yaml:"platform"`
	}
	if err := node.Decode(&probe); err != nil {
		return nil, err
	}
	entry, ok := platforms[probe.Platform]
	if !ok {
		return nil, fmt.Errorf("line %d: %w: unknown platform %q", node.Line, ErrInvalidConfig, probe.Platform)
	}
	cfg := entry.newConfig()
	if err := node.Decode(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("line %d: %w", node.Line, err)
	}
	return cfg, nil
}

// List is a list of triggers. It decodes from a single trigger or a
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

// Attach attaches every trigger in configs concurrently and waits for all
// of them. A trigger that fails to attach is logged and left out. When no
// trigger attaches, Attach returns nil. The returned func detaches all
// attached triggers and must be called at most once.
func Attach(ctx context.Context, h *core.Hub, configs List, action ActionFunc, info Info) func() {
	logger := info.Logger
	if logger == nil {
		logger = h.Logger
	}
	info.Logger = logger

	removes := make([]func(), len(configs))
	var wg sync.WaitGroup
	for idx, cfg := range configs {
		wg.Add(1)
		go func(idx int, cfg Config) {
			defer wg.Done()
			remove, err := attachOne(ctx, h, idx, cfg, action, info)
			if err != nil {
				logger.Error("attach trigger", "idx", idx, "platform", cfg.Kind(), "err", err)
				return
			}
			removes[idx] = remove
		}(idx, cfg)
	}
	wg.Wait()

	var attached []func()
	for _, r := range removes {
		if r != nil {
			attached = append(attached, r)
		}
	}
	if len(attached) == 0 {
		return nil
	}
	logger.Info("initialized triggers", "count", len(attached))
	return func() {
		for _, r := range attached {
			r()
		}
	}
}

func attachOne(ctx context.Context, h *core.Hub, idx int, cfg Config, action ActionFunc, info Info) (remove func(), err error) {
	entry, ok := platforms[cfg.Kind()]
	if !ok {
		return nil, fmt.Errorf("%w: unknown platform %q", ErrInvalidConfig, cfg.Kind())
	}
	defer func() {
		if r := recover(); r != nil {
			remove, err = nil, fmt.Errorf("trigger panic: %v", r)
		}
	}()
	fire := func(data map[string]any, hctx *core.Context) {
		data["platform"] = string(cfg.Kind())
		data["idx"] = idx
		action(map[string]any{"trigger": data}, hctx)
	}
	remove, err = entry.attach(ctx, h, cfg, fire, info)
	if err != nil {
		return nil, err
	}
	if remove == nil {
		remove = func() {}
	}
	return remove, nil
}

// ReferencedDevices lists the device IDs of device triggers.
func ReferencedDevices(configs List) []string {
	var out []string
	seen := make(map[string]bool)
	for _, cfg := range configs {
		if d, ok := cfg.(*DeviceConfig); ok && d.DeviceID != "" && !seen[d.DeviceID] {
			seen[d.DeviceID] = true
			out = append(out, d.DeviceID)
		}
	}
	return out
}

// ReferencedEntities lists the entity IDs of device triggers.
func ReferencedEntities(configs List) []string {
	var out []string
	seen := make(map[string]bool)
	for _, cfg := range configs {
		if d, ok := cfg.(*DeviceConfig); ok && d.EntityID != "" && !seen[d.EntityID] {
			seen[d.EntityID] = true
			out = append(out, d.EntityID)
		}
	}
	return out
}
