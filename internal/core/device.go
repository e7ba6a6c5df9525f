package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	// ErrIntegrationNotFound is returned when no device platform is
	// registered for a domain.
	ErrIntegrationNotFound = errors.New("integration not found")

	// ErrInvalidDeviceAutomationConfig is returned when a domain's platform
	// does not support the requested kind or rejects the config.
	ErrInvalidDeviceAutomationConfig = errors.New("invalid device automation config")
)

// DeviceAutomationKind selects which part of a device platform to resolve.
type DeviceAutomationKind string

const (
	DeviceTrigger   DeviceAutomationKind = "trigger"
	DeviceCondition DeviceAutomationKind = "condition"
	DeviceAction    DeviceAutomationKind = "action"
)

// DeviceConfig is a device trigger, condition or action entry. Fields the
// platform needs beyond the common ones are kept in Extra.
type DeviceConfig struct {
	DeviceID string
	Domain   string
	EntityID string
	Type     string
	Extra    map[string]any
}

// UnmarshalYAML decodes the common keys and keeps the rest in Extra.
func (c *DeviceConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*c = DeviceConfig{Extra: make(map[string]any)}
	for k, v := range raw {
		s, _ := v.(string)
		switch k {
		case "device_id":
			c.DeviceID = s
		case "domain":
			c.Domain = s
		case "entity_id":
			c.EntityID = s
		case "type":
			c.Type = s
		case "platform", "condition":
		default:
			c.Extra[k] = v
		}
	}
	if c.Domain == "" {
		return fmt.Errorf("%w: domain is required", ErrInvalidDeviceAutomationConfig)
	}
	if c.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidDeviceAutomationConfig)
	}
	return nil
}

// DeviceTriggerPlatform attaches device-specific triggers.
type DeviceTriggerPlatform interface {
	AttachTrigger(ctx context.Context, h *Hub, cfg DeviceConfig, action func(vars map[string]any, hctx *Context)) (func(), error)
}

// DeviceConditionPlatform builds device-specific condition checkers.
type DeviceConditionPlatform interface {
	Condition(h *Hub, cfg DeviceConfig) (func(vars map[string]any) (bool, error), error)
}

// DeviceActionPlatform executes device-specific actions.
type DeviceActionPlatform interface {
	CallAction(ctx context.Context, h *Hub, cfg DeviceConfig, vars map[string]any, hctx *Context) error
}

// DeviceAutomations resolves a domain to its device automation platform.
type DeviceAutomations struct {
	mu        sync.RWMutex
	platforms map[string]any
}

// NewDeviceAutomations creates an empty resolver.
func NewDeviceAutomations() *DeviceAutomations {
	return &DeviceAutomations{platforms: make(map[string]any)}
}

// Register installs the platform for domain. The platform implements any
// subset of the Device*Platform interfaces.
func (d *DeviceAutomations) Register(domain string, platform any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.platforms[domain] = platform
}

// Resolve returns domain's platform if it supports kind.
func (d *DeviceAutomations) Resolve(domain string, kind DeviceAutomationKind) (any, error) {
	d.mu.RLock()
	p, ok := d.platforms[domain]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIntegrationNotFound, domain)
	}
	var supported bool
	switch kind {
	case DeviceTrigger:
		_, supported = p.(DeviceTriggerPlatform)
	case DeviceCondition:
		_, supported = p.(DeviceConditionPlatform)
	case DeviceAction:
		_, supported = p.(DeviceActionPlatform)
	}
	if !supported {
		return nil, fmt.Errorf("%w: integration %s does not support device %ss", ErrInvalidDeviceAutomationConfig, domain, kind)
	}
	return p, nil
}

// TriggerPlatform resolves the trigger platform for domain.
func (d *DeviceAutomations) TriggerPlatform(domain string) (DeviceTriggerPlatform, error) {
	p, err := d.Resolve(domain, DeviceTrigger)
	if err != nil {
		return nil, err
	}
	return p.(DeviceTriggerPlatform), nil
}

// ConditionPlatform resolves the condition platform for domain.
func (d *DeviceAutomations) ConditionPlatform(domain string) (DeviceConditionPlatform, error) {
	p, err := d.Resolve(domain, DeviceCondition)
	if err != nil {
		return nil, err
	}
	return p.(DeviceConditionPlatform), nil
}

// ActionPlatform resolves the action platform for domain.
func (d *DeviceAutomations) ActionPlatform(domain string) (DeviceActionPlatform, error) {
	p, err := d.Resolve(domain, DeviceAction)
	if err != nil {
		return nil, err
	}
	return p.(DeviceActionPlatform), nil
}
