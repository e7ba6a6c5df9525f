package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrWebhookNotFound is returned for requests to an unregistered webhook.
	ErrWebhookNotFound = errors.New("webhook not found")

	// ErrWebhookExists is returned when a webhook ID is already taken.
	ErrWebhookExists = errors.New("webhook already registered")
)

// WebhookRequest is the inbound request as seen by a webhook handler.
type WebhookRequest struct {
	Method  string
	Query   map[string]string
	Headers map[string]string
	Body    []byte
	JSON    any
}

// WebhookHandler handles one webhook request.
type WebhookHandler func(ctx context.Context, webhookID string, req *WebhookRequest) error

type webhook struct {
	name    string
	handler WebhookHandler
}

// Webhooks routes inbound webhook requests to registered handlers.
type Webhooks struct {
	mu    sync.RWMutex
	hooks map[string]webhook
}

// NewWebhooks creates an empty webhook table.
func NewWebhooks() *Webhooks {
	return &Webhooks{hooks: make(map[string]webhook)}
}

// Register binds a handler to webhookID and returns its unregister func.
func (w *Webhooks) Register(webhookID, name string, handler WebhookHandler) (func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.hooks[webhookID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrWebhookExists, webhookID)
	}
	w.hooks[webhookID] = webhook{name: name, handler: handler}
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.hooks, webhookID)
	}, nil
}

// Handle dispatches a request to the webhook's handler.
func (w *Webhooks) Handle(ctx context.Context, webhookID string, req *WebhookRequest) error {
	w.mu.RLock()
	hook, ok := w.hooks[webhookID]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWebhookNotFound, webhookID)
	}
	return hook.handler(ctx, webhookID, req)
}
