package trigger

import (
	"context"
	"fmt"

	"openpeer-hub/internal/core"
)

// WebhookConfig fires when the webhook receives a request.
type WebhookConfig struct {
	WebhookID string `yaml:"webhook_id"`
}

func (*WebhookConfig) Kind() Kind { return KindWebhook }

func (c *WebhookConfig) Validate() error {
	if c.WebhookID == "" {
		return fmt.Errorf("%w: webhook requires webhook_id", ErrInvalidConfig)
	}
	return nil
}

func attachWebhook(_ context.Context, h *core.Hub, cfg Config, fire FireFunc, info Info) (func(), error) {
	c := cfg.(*WebhookConfig)
	return h.Webhooks.Register(c.WebhookID, info.Name, func(_ context.Context, webhookID string, req *core.WebhookRequest) error {
		data := map[string]any{
			"webhook_id":  webhookID,
			"query":       req.Query,
			"headers":     req.Headers,
			"description": "webhook",
		}
		if req.JSON != nil {
			data["json"] = req.JSON
		} else {
			data["data"] = string(req.Body)
		}
		fire(data, nil)
		return nil
	})
}

// CoreConfig fires on hub start or shutdown.
type CoreConfig struct {
	Event string `yaml:"event"`
}

// Core events.
const (
	CoreEventStart    = "start"
	CoreEventShutdown = "shutdown"
)

func (*CoreConfig) Kind() Kind { return KindCore }

func (c *CoreConfig) Validate() error {
	if c.Event != CoreEventStart && c.Event != CoreEventShutdown {
		return fmt.Errorf("%w: core event must be start or shutdown", ErrInvalidConfig)
	}
	return nil
}

func attachCore(_ context.Context, h *core.Hub, cfg Config, fire FireFunc, info Info) (func(), error) {
	c := cfg.(*CoreConfig)
	if c.Event == CoreEventShutdown {
		return h.Bus.Once(core.EventCoreStop, func(event core.Event) {
			fire(map[string]any{"event": c.Event, "description": "hub stopping"}, event.Context)
		}), nil
	}
	// A reload while running must not fire start triggers.
	if info.HubStart {
		fire(map[string]any{"event": c.Event, "description": "hub starting"}, nil)
	}
	return func() {}, nil
}
