//go:build !no_mqtt

// Package mqtt mirrors hub states to an MQTT broker and turns broker
// messages into bus events and service calls.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"openpeer-hub/internal/core"
	"openpeer-hub/internal/template"
)

// ErrInvalidPublish is returned by mqtt.publish for bad service data.
var ErrInvalidPublish = errors.New("mqtt: invalid publish")

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
	// DiscoveryPrefix enables HA discovery under that prefix when set.
	DiscoveryPrefix string
}

// client is the part of the paho client the bridge uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Bridge connects the hub to MQTT.
type Bridge struct {
	client client
	hub    *core.Hub
	cfg    Config
	prefix string
	logger *slog.Logger
	unsub  func()

	mu         sync.Mutex
	discovered map[string]bool
}

func stateTopic(prefix, entityID string) string   { return prefix + "/state/" + entityID }
func commandTopic(prefix, entityID string) string { return prefix + "/set/" + entityID }
func statusTopic(prefix string) string            { return prefix + "/status" }

func newBridge(h *core.Hub, c client, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "openpeer"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "openpeer-hub"
	}
	return &Bridge{
		client:     c,
		hub:        h,
		cfg:        cfg,
		prefix:     strings.TrimSuffix(cfg.TopicPrefix, "/"),
		logger:     logger.With("component", "mqtt"),
		discovered: make(map[string]bool),
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(h *core.Hub, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(h, nil, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(statusTopic(b.prefix), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := pahomqtt.NewClient(opts)
	b.client = c
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start mirrors state changes to the broker and registers mqtt.publish.
func (b *Bridge) Start() {
	b.unsub = b.hub.Bus.On(core.EventStateChanged, b.handleStateChanged)
	b.hub.Services.Register("mqtt", "publish", b.servicePublish)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.hub.Services.Remove("mqtt", "publish")
	b.publish(statusTopic(b.prefix), []byte("offline"), true)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// onConnect runs on every (re)connect: announce, subscribe and publish a
// full snapshot of the current states.
func (b *Bridge) onConnect() {
	b.publish(statusTopic(b.prefix), []byte("online"), true)
	b.client.Subscribe(b.prefix+"/event/#", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleEventMessage(msg)
	})
	b.client.Subscribe(b.prefix+"/set/+", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(strings.TrimPrefix(msg.Topic(), b.prefix+"/set/"), msg.Payload())
	})

	b.mu.Lock()
	clear(b.discovered)
	b.mu.Unlock()
	for _, st := range b.hub.States.All() {
		b.publishState(st)
	}
}

func (b *Bridge) handleStateChanged(event core.Event) {
	entityID, _, newState := core.StatesFromEvent(event)
	if newState == nil {
		b.publish(stateTopic(b.prefix, entityID), nil, true)
		b.removeDiscovery(entityID)
		return
	}
	b.publishState(newState)
}

func (b *Bridge) publishState(st *core.State) {
	payload := mustJSON(map[string]any{
		"state":        st.State,
		"attributes":   st.Attributes,
		"last_changed": st.LastChanged,
		"last_updated": st.LastUpdated,
	})
	b.publishDiscovery(st)
	b.publish(stateTopic(b.prefix, st.EntityID), payload, true)
}

func (b *Bridge) publishDiscovery(st *core.State) {
	if b.cfg.DiscoveryPrefix == "" {
		return
	}
	b.mu.Lock()
	done := b.discovered[st.EntityID]
	b.discovered[st.EntityID] = true
	b.mu.Unlock()
	if done {
		return
	}
	if msg, ok := buildDiscovery(st, b.cfg.DiscoveryPrefix, b.prefix); ok {
		b.publish(msg.Topic, msg.Payload, true)
		b.logger.Debug("published HA discovery", "entity_id", st.EntityID)
	}
}

func (b *Bridge) removeDiscovery(entityID string) {
	if b.cfg.DiscoveryPrefix == "" {
		return
	}
	b.mu.Lock()
	delete(b.discovered, entityID)
	b.mu.Unlock()
	if msg, ok := buildRemoveDiscovery(entityID, b.cfg.DiscoveryPrefix); ok {
		b.publish(msg.Topic, msg.Payload, true)
	}
}

// handleEventMessage fires mqtt_message_received for a message under
// <prefix>/event/.
func (b *Bridge) handleEventMessage(msg pahomqtt.Message) {
	data := map[string]any{
		"topic":   msg.Topic(),
		"payload": string(msg.Payload()),
		"qos":     int(msg.Qos()),
		"retain":  msg.Retained(),
	}
	var v any
	if err := json.Unmarshal(msg.Payload(), &v); err == nil {
		data["payload_json"] = v
	}
	b.hub.Bus.Fire(core.EventMQTTMessageReceived, data, core.NewContext())
}

// handleCommand maps ON, OFF and TOGGLE (plain or as {"state": ...}) to
// the entity domain's turn_on, turn_off and toggle services.
func (b *Bridge) handleCommand(entityID string, payload []byte) {
	if !core.ValidEntityID(entityID) {
		b.logger.Warn("command for invalid entity", "entity_id", entityID)
		return
	}
	cmd := strings.TrimSpace(string(payload))
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err == nil {
		if s, ok := body["state"].(string); ok {
			cmd = s
		}
	}

	var service string
	switch strings.ToUpper(cmd) {
	case "ON":
		service = "turn_on"
	case "OFF":
		service = "turn_off"
	case "TOGGLE":
		service = "toggle"
	default:
		b.logger.Warn("unknown command", "entity_id", entityID, "payload", cmd)
		return
	}

	domain, _ := core.SplitEntityID(entityID)
	go func() {
		err := b.hub.Services.Call(context.Background(), domain, service,
			map[string]any{"entity_id": entityID}, core.NewContext(), true, 10*time.Second)
		if err != nil {
			b.logger.Warn("command failed", "entity_id", entityID, "service", domain+"."+service, "err", err)
		}
	}()
}

// servicePublish handles mqtt.publish: topic, payload, qos and retain.
// Non-string payloads are sent as JSON.
func (b *Bridge) servicePublish(ctx context.Context, call *core.ServiceCall) error {
	topic := template.ToString(call.Data["topic"])
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: topic %q", ErrInvalidPublish, topic)
	}

	var payload []byte
	switch p := call.Data["payload"].(type) {
	case nil:
	case string:
		payload = []byte(p)
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("%w: payload: %v", ErrInvalidPublish, err)
		}
		payload = data
	}

	qos, err := parseQoS(call.Data["qos"])
	if err != nil {
		return err
	}
	retain := template.AsBool(call.Data["retain"])

	token := b.client.Publish(topic, qos, retain, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parseQoS(v any) (byte, error) {
	var n int
	switch q := v.(type) {
	case nil:
		return 0, nil
	case int:
		n = q
	case float64:
		n = int(q)
	case string:
		var err error
		if n, err = strconv.Atoi(q); err != nil {
			return 0, fmt.Errorf("%w: qos %q", ErrInvalidPublish, q)
		}
	default:
		return 0, fmt.Errorf("%w: qos %v", ErrInvalidPublish, v)
	}
	if n < 0 || n > 2 {
		return 0, fmt.Errorf("%w: qos %d", ErrInvalidPublish, n)
	}
	return byte(n), nil
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
